// Package gateway orchestrates one chat turn end to end: budget gate,
// memory classification, prompt assembly, routed generation, stream
// delivery and settlement.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	. "chatrelay/internal/logging"
	"chatrelay/internal/memory"
	"chatrelay/internal/meter"
	"chatrelay/internal/relay"
	"chatrelay/internal/router"
	"chatrelay/internal/scrub"
	"chatrelay/internal/store"
	"chatrelay/internal/types"
)

// ErrEmptyMessage rejects a chat turn before it touches any provider.
var ErrEmptyMessage = errors.New("message must not be empty")

// notedPrefix is emitted as the very first content event when an utterance
// was implicitly saved to memory before a normal generation turn.
const notedPrefix = "(Noted) "

// explicitAck is the canned reply for an explicit remember command; the
// turn never reaches the model router.
const explicitAck = "Noted, I'll remember that."

// TurnConfig tunes the orchestrator.
type TurnConfig struct {
	SystemPrompt string
	HistoryLimit int           // exchanges replayed into the prompt
	Heartbeat    time.Duration // liveness ping interval
}

func (c *TurnConfig) defaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = "You are a helpful assistant."
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
}

// ChatRequest is one inbound chat turn.
type ChatRequest struct {
	Message        string
	ConversationID string // empty starts a new conversation
	Model          string // logical model id
	FileContext    string // extracted text of an attached file
	ExtraHints     []string
}

// Gateway wires the chat collaborators together.
type Gateway struct {
	store  store.Store
	router *router.Router
	meter  *meter.Meter
	memory *memory.Engine
	cfg    TurnConfig
}

func New(s store.Store, rt *router.Router, mt *meter.Meter, mem *memory.Engine, cfg TurnConfig) *Gateway {
	cfg.defaults()
	return &Gateway{store: s, router: rt, meter: mt, memory: mem, cfg: cfg}
}

// Router exposes the model table for transport-level listing.
func (g *Gateway) Router() *router.Router { return g.router }

// ChatTurn runs one turn, pushing stream events to sink. A non-nil return
// means nothing was pushed yet and the caller should respond with a plain
// error instead of a stream. Once bytes have been pushed, failures are
// delivered in-stream and ChatTurn returns nil.
func (g *Gateway) ChatTurn(ctx context.Context, user *store.User, req ChatRequest, sink relay.Sink) error {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return ErrEmptyMessage
	}
	model, ok := g.router.Model(req.Model)
	if !ok || model.Disabled {
		return &router.ErrUnknownModel{Model: req.Model}
	}

	if err := g.meter.CheckBudget(ctx, user, model.ID, int64(model.BaseCost)); err != nil {
		return err
	}

	// Memory is best-effort: classification consults the judgment model but
	// degrades to heuristics, and a failed save never fails the chat turn.
	decision := g.memory.Classify(ctx, msg)

	conv, created, err := g.store.GetOrCreateConversation(ctx, req.ConversationID, user.ID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	if decision.Explicit {
		return g.explicitRememberTurn(ctx, user, conv, created, msg, decision, sink)
	}

	noted := false
	if decision.Save {
		if _, err := g.memory.Remember(ctx, user.ID, decision); err != nil {
			L_warn("gateway: implicit memory save failed", "user", user.ID, "error", err)
		} else {
			noted = true
		}
	}

	return g.generationTurn(ctx, user, conv, created, msg, req, model, noted, sink)
}

// explicitRememberTurn persists the fact and streams only a canned
// acknowledgement, without any provider call or settlement.
func (g *Gateway) explicitRememberTurn(ctx context.Context, user *store.User, conv *store.Conversation, created bool, msg string, decision memory.Decision, sink relay.Sink) error {
	if _, err := g.memory.Remember(ctx, user.ID, decision); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}

	r := relay.New(sink, scrub.NewWithMarkers(scrub.DefaultOpenMarker, scrub.DefaultCloseMarker, nil), g.cfg.Heartbeat)
	if created {
		r.Announce(conv.ID)
	}
	r.Inject(explicitAck)
	r.Close()

	g.persistExchange(ctx, conv, msg, explicitAck, "", "")
	return nil
}

// teeSink counts successful pushes and accumulates visible content so the
// orchestrator can distinguish "stream never opened" from "stream underway"
// and can settle on exactly the text the client saw.
type teeSink struct {
	relay.Sink

	mu      sync.Mutex
	sends   int
	content strings.Builder
}

func (t *teeSink) Send(event string, data any) error {
	if err := t.Sink.Send(event, data); err != nil {
		return err
	}
	t.mu.Lock()
	t.sends++
	if event == relay.EventContent {
		if p, ok := data.(relay.ContentPayload); ok {
			t.content.WriteString(p.Chunk)
		}
	}
	t.mu.Unlock()
	return nil
}

func (t *teeSink) opened() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends > 0
}

func (t *teeSink) visible() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.content.String()
}

func (g *Gateway) generationTurn(ctx context.Context, user *store.User, conv *store.Conversation, created bool, msg string, req ChatRequest, model router.ModelConfig, noted bool, sink relay.Sink) error {
	hints := g.memory.Hints(ctx, user.ID)
	hints = append(hints, req.ExtraHints...)
	systemPrompt := g.systemPrompt(hints)

	history, err := g.store.History(ctx, conv.ID, g.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	messages := buildMessages(history, msg, req.FileContext)

	tee := &teeSink{Sink: sink}
	r := relay.New(tee, scrub.New(), g.cfg.Heartbeat)

	// Client disconnect is the only cancellation mechanism: stop pulling
	// from the router as soon as the sink reports it.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sink.Done():
			cancel()
		case <-sctx.Done():
		}
	}()

	started := false
	res, streamErr := g.router.Stream(sctx, model.ID, messages, systemPrompt, func(delta string) {
		if !started {
			started = true
			if created {
				r.Announce(conv.ID)
			}
			if noted {
				r.Inject(notedPrefix)
			}
		}
		r.Delta(delta)
	})

	if streamErr != nil && !tee.opened() {
		// Nothing reached the client; let the transport send a plain error.
		r.Abort()
		return streamErr
	}

	// A stream can succeed without producing a single delta; the client
	// still needs the conversation id before the stream closes.
	if streamErr == nil && !started {
		if created {
			r.Announce(conv.ID)
		}
		if noted {
			r.Inject(notedPrefix)
		}
	}

	if streamErr != nil {
		L_warn("gateway: stream failed mid-flight", "model", model.ID, "error", streamErr)
		r.Fail(userFacingError(streamErr))
	}
	r.Close()

	botText := strings.TrimPrefix(tee.visible(), notedPrefix)
	usage := meter.Usage{InputText: msg, OutputText: botText}
	modelRef := ""
	if res != nil {
		usage.InputTokens = res.InputTokens
		usage.OutputTokens = res.OutputTokens
		modelRef = res.ModelRef
	}

	// Settlement covers everything the client actually saw, including a
	// partial reply cut off by disconnect or upstream failure.
	if botText != "" || streamErr == nil {
		g.meter.Settle(ctx, user, conv.ID, model.ID, int64(model.BaseCost), usage)
		g.persistExchange(ctx, conv, msg, botText, modelRef, req.FileContext)
	}
	return nil
}

func (g *Gateway) persistExchange(ctx context.Context, conv *store.Conversation, userText, botText, modelRef, fileContext string) {
	now := time.Now()
	ex := &store.Exchange{
		ConversationID: conv.ID,
		UserText:       userText,
		BotText:        botText,
		Model:          modelRef,
		FileContext:    fileContext,
		CreatedAt:      now,
	}
	if err := g.store.AppendExchange(ctx, ex); err != nil {
		L_error("gateway: exchange persist failed", "conversation", conv.ID, "error", err)
		return
	}
	if err := g.store.TouchConversation(ctx, conv.ID, now); err != nil {
		L_warn("gateway: conversation touch failed", "conversation", conv.ID, "error", err)
	}
}

// systemPrompt folds memory hints into the system block.
func (g *Gateway) systemPrompt(hints []string) string {
	if len(hints) == 0 {
		return g.cfg.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(g.cfg.SystemPrompt)
	b.WriteString("\n\nThings you know about the user:\n")
	for _, h := range hints {
		b.WriteString("- ")
		b.WriteString(h)
		b.WriteByte('\n')
	}
	return b.String()
}

// buildMessages replays history as user/assistant pairs and appends the
// current message, with any attached file text folded in.
func buildMessages(history []store.Exchange, msg, fileContext string) []types.Message {
	out := make([]types.Message, 0, len(history)*2+1)
	for _, ex := range history {
		out = append(out, types.User(ex.UserText))
		if ex.BotText != "" {
			out = append(out, types.Assistant(ex.BotText))
		}
	}
	current := msg
	if fileContext != "" {
		current = msg + "\n\n[Attached file]\n" + fileContext
	}
	return append(out, types.User(current))
}

// userFacingError keeps upstream detail out of the client stream.
func userFacingError(err error) string {
	var exhausted *router.ErrExhausted
	if errors.As(err, &exhausted) {
		return "all providers for this model are currently unavailable"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "generation interrupted"
	}
	return "generation failed"
}
