// Package meter enforces per-model token budgets: a pre-flight balance gate
// before any upstream call, and a post-turn settlement that debits actual
// usage with the model's base cost as a floor.
package meter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	. "chatrelay/internal/logging"
	"chatrelay/internal/store"
	"chatrelay/internal/tokens"
)

// ErrInsufficientBudget is returned by CheckBudget when the user's balance
// cannot cover the model's base cost.
type ErrInsufficientBudget struct {
	Model    string
	Balance  int64
	BaseCost int64
}

func (e *ErrInsufficientBudget) Error() string {
	return fmt.Sprintf("insufficient budget for model %s: balance %d, need at least %d", e.Model, e.Balance, e.BaseCost)
}

// Usage is what actually happened during one turn, as reported by the
// provider or reconstructed from the text when the provider reports nothing.
type Usage struct {
	InputTokens  int
	OutputTokens int
	InputText    string
	OutputText   string
}

// Meter gates and settles token spend against the store's balances.
type Meter struct {
	store store.Store
}

func New(s store.Store) *Meter {
	return &Meter{store: s}
}

// CheckBudget verifies the user can afford at least one base-cost turn on
// model. Entitled users bypass the gate entirely.
func (m *Meter) CheckBudget(ctx context.Context, user *store.User, model string, baseCost int64) error {
	if user.HasEntitlement(time.Now()) {
		return nil
	}
	balance, err := m.store.GetBalance(ctx, user.ID, model)
	if err != nil {
		return fmt.Errorf("balance lookup: %w", err)
	}
	if balance < baseCost {
		return &ErrInsufficientBudget{Model: model, Balance: balance, BaseCost: baseCost}
	}
	return nil
}

// Settle debits the turn's cost and records a usage entry. The charge is the
// token estimate with baseCost as a floor, so no completed turn is ever free.
// Provider-reported counts win; otherwise both sides are estimated from text.
// Entitled users skip settlement entirely, debit and record both.
// Settlement failures are logged, never surfaced to the user: the reply has
// already been delivered.
func (m *Meter) Settle(ctx context.Context, user *store.User, conversationID, model string, baseCost int64, u Usage) {
	if user.HasEntitlement(time.Now()) {
		return
	}

	total := u.InputTokens + u.OutputTokens
	if total == 0 {
		est := tokens.Get()
		total = est.Count(u.InputText) + est.Count(u.OutputText)
	}

	charge := int64(total)
	if charge < baseCost {
		charge = baseCost
	}

	if err := m.debit(ctx, user.ID, model, charge); err != nil {
		L_error("meter: settlement debit failed", "user", user.ID, "model", model, "charge", charge, "error", err)
	}

	rec := &store.UsageRecord{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		ConversationID: conversationID,
		Model:          model,
		TokensUsed:     int(charge),
	}
	if err := m.store.AppendUsage(ctx, rec); err != nil {
		L_error("meter: usage record failed", "user", user.ID, "model", model, "error", err)
	}

	L_debug("meter: settled turn", "user", user.ID, "model", model, "tokens", total, "charged", charge)
}

// debit retries once on a transient store error before giving up.
func (m *Meter) debit(ctx context.Context, userID, model string, charge int64) error {
	_, err := m.store.AdjustBalance(ctx, userID, model, -charge)
	if err == nil {
		return nil
	}
	L_warn("meter: debit retry", "user", userID, "model", model, "error", err)
	_, err = m.store.AdjustBalance(ctx, userID, model, -charge)
	return err
}
