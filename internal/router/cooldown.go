package router

import (
	"math"
	"time"

	. "chatrelay/internal/logging"
	"chatrelay/internal/llm"
)

// providerCooldown tracks cooldown state for a provider after errors
type providerCooldown struct {
	until      time.Time // When cooldown expires
	errorCount int       // Consecutive error count (for exponential backoff)
	reason     llm.ErrorType
}

// cooldownDuration returns the cooldown duration based on error count and type.
// Non-billing: 1min -> 5min -> 25min -> 1hr max (exponential base 5)
// Billing: 5hr -> 10hr -> 20hr -> 24hr max (exponential base 2)
func cooldownDuration(errorCount int, isBilling bool) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}

	if isBilling {
		base := 5 * time.Hour
		maxDur := 24 * time.Hour
		exponent := min(errorCount-1, 3)
		dur := time.Duration(float64(base) * math.Pow(2, float64(exponent)))
		if dur > maxDur {
			return maxDur
		}
		return dur
	}

	base := time.Minute
	maxDur := time.Hour
	exponent := min(errorCount-1, 3)
	dur := time.Duration(float64(base) * math.Pow(5, float64(exponent)))
	if dur > maxDur {
		return maxDur
	}
	return dur
}

// inCooldown checks if a provider is currently in cooldown.
func (r *Router) inCooldown(alias string) bool {
	r.cooldownMu.RLock()
	defer r.cooldownMu.RUnlock()

	cd := r.cooldowns[alias]
	return cd != nil && time.Now().Before(cd.until)
}

// markCooldown puts a provider into cooldown with exponential backoff.
func (r *Router) markCooldown(alias string, errType llm.ErrorType) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	cd := r.cooldowns[alias]
	if cd == nil {
		cd = &providerCooldown{}
		r.cooldowns[alias] = cd
	}

	cd.errorCount++
	cd.reason = errType
	cd.until = time.Now().Add(cooldownDuration(cd.errorCount, errType == llm.ErrorTypeBilling))

	L_warn("router: provider cooldown",
		"provider", alias,
		"until", cd.until.Format("15:04:05"),
		"reason", errType,
		"errorCount", cd.errorCount)
}

// clearCooldown removes cooldown state for a provider after a success.
func (r *Router) clearCooldown(alias string) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	if _, ok := r.cooldowns[alias]; ok {
		delete(r.cooldowns, alias)
		L_info("router: provider cooldown cleared", "provider", alias)
	}
}
