// Package memory decides which user utterances are worth remembering,
// files each fact under a category with a category-derived lifetime, and
// serves recent facts back as prompt hints.
package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	. "chatrelay/internal/logging"
	"chatrelay/internal/router"
	"chatrelay/internal/store"
	"chatrelay/internal/types"
)

// Decision is the outcome of classifying one utterance.
type Decision struct {
	Save     bool
	Explicit bool   // user asked outright ("remember that ...")
	Fact     string // the text to store, command prefix stripped
	Category string
}

// Memory categories, checked in priority order.
const (
	CategoryContact  = "contact"
	CategoryPersonal = "personal"
	CategorySchedule = "schedule"
	CategoryWork     = "work"
	CategoryGeneral  = "general"
)

// Lifetime per category. Schedule facts go stale fastest; who someone's
// sister is barely changes.
var categoryTTL = map[string]time.Duration{
	CategorySchedule: 7 * 24 * time.Hour,
	CategoryWork:     30 * 24 * time.Hour,
	CategoryGeneral:  90 * 24 * time.Hour,
	CategoryPersonal: 180 * 24 * time.Hour,
	CategoryContact:  365 * 24 * time.Hour,
}

// ExpiryFor returns the expiry instant for a fact of the given category
// created at now. Unknown categories get the general lifetime.
func ExpiryFor(category string, now time.Time) time.Time {
	ttl, ok := categoryTTL[category]
	if !ok {
		ttl = categoryTTL[CategoryGeneral]
	}
	return now.Add(ttl)
}

// explicitPattern matches direct save commands and captures the fact.
var explicitPattern = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:remember|save|keep|don't forget|do not forget|note)(?:\s+(?:that|this))?[:,]?\s+(.+)$`)

// Category signals, strongest claim first. An utterance mentioning both a
// person and a meeting files under contact, not schedule.
var categoryPatterns = []struct {
	category string
	re       *regexp.Regexp
}{
	{CategoryContact, regexp.MustCompile(`(?i)\b(my (?:mom|mother|dad|father|sister|brother|wife|husband|partner|son|daughter|friend|boss|colleague)|is named|phone number|email address|lives (?:in|at)|birthday)\b`)},
	{CategoryPersonal, regexp.MustCompile(`(?i)\b(i (?:love|like|hate|prefer|enjoy)|my favou?rite|allergic to|i am|i'm) `)},
	{CategorySchedule, regexp.MustCompile(`(?i)\b(meeting|appointment|deadline|tomorrow|tonight|next (?:week|month|monday|tuesday|wednesday|thursday|friday|saturday|sunday)|at \d{1,2}(?::\d{2})?\s*(?:am|pm)?\b|on (?:monday|tuesday|wednesday|thursday|friday|saturday|sunday))`)},
	{CategoryWork, regexp.MustCompile(`(?i)\b(project|client|sprint|standup|release|my (?:job|team|manager)|at work|the office)\b`)},
}

// Categorize files a fact under the first matching category, falling back
// to general.
func Categorize(fact string) string {
	for _, cp := range categoryPatterns {
		if cp.re.MatchString(fact) {
			return cp.category
		}
	}
	return CategoryGeneral
}

// implicitHints are phrasings that suggest an utterance states a durable
// personal fact rather than a question or request.
var implicitHints = regexp.MustCompile(`(?i)\b(my name is|call me|i live in|i work (?:at|for|as)|i am allergic|i'm allergic|my favou?rite .+ is|i was born|my birthday is)\b`)

// Heuristic reports whether text looks like a durable fact worth saving,
// without consulting a model. Questions never qualify.
func Heuristic(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.HasSuffix(trimmed, "?") {
		return false
	}
	return implicitHints.MatchString(trimmed)
}

// Judge answers yes/no questions with a small model. Satisfied by
// router.Router.
type Judge interface {
	Complete(ctx context.Context, modelID string, messages []types.Message, systemPrompt string) (*router.Result, error)
}

const (
	judgeTimeout = 5 * time.Second
	judgeSystem  = "You decide whether a chat message states a personal fact worth remembering long-term about the user. Answer with exactly YES or NO."
)

// EngineConfig controls the engine's judgment path and hint serving.
type EngineConfig struct {
	JudgeModel string // logical model id for save-worthiness judgment; empty disables
	MaxHints   int    // facts injected into a prompt, default 8
	HintTTL    time.Duration
}

func (c *EngineConfig) defaults() {
	if c.MaxHints <= 0 {
		c.MaxHints = 8
	}
	if c.HintTTL <= 0 {
		c.HintTTL = 30 * time.Second
	}
}

// Engine classifies, stores and recalls facts for the chat core.
type Engine struct {
	store store.Store
	judge Judge
	cfg   EngineConfig

	hintMu    sync.Mutex
	hintCache map[string]hintEntry
}

type hintEntry struct {
	hints   []string
	fetched time.Time
}

func New(s store.Store, judge Judge, cfg EngineConfig) *Engine {
	cfg.defaults()
	return &Engine{
		store:     s,
		judge:     judge,
		cfg:       cfg,
		hintCache: make(map[string]hintEntry),
	}
}

// Classify decides whether text should be saved. Explicit commands always
// save. Otherwise a small model judges save-worthiness; when no judge is
// configured or it fails, the heuristic decides.
func (e *Engine) Classify(ctx context.Context, text string) Decision {
	if m := explicitPattern.FindStringSubmatch(text); m != nil {
		fact := strings.TrimSpace(m[1])
		return Decision{Save: true, Explicit: true, Fact: fact, Category: Categorize(fact)}
	}

	save := e.judgeSave(ctx, text)
	if !save {
		return Decision{}
	}
	fact := strings.TrimSpace(text)
	return Decision{Save: true, Fact: fact, Category: Categorize(fact)}
}

func (e *Engine) judgeSave(ctx context.Context, text string) bool {
	if e.judge == nil || e.cfg.JudgeModel == "" {
		return Heuristic(text)
	}

	jctx, cancel := context.WithTimeout(ctx, judgeTimeout)
	defer cancel()

	res, err := e.judge.Complete(jctx, e.cfg.JudgeModel,
		[]types.Message{types.User(text)}, judgeSystem)
	if err != nil {
		L_debug("memory: judgment model unavailable, using heuristic", "error", err)
		return Heuristic(text)
	}
	answer := strings.ToUpper(strings.TrimSpace(res.Text))
	return strings.HasPrefix(answer, "YES")
}

// Remember persists a positive decision and invalidates the user's hint
// cache so the fact is available on the very next turn.
func (e *Engine) Remember(ctx context.Context, userID string, d Decision) (*store.MemoryItem, error) {
	if !d.Save || d.Fact == "" {
		return nil, fmt.Errorf("nothing to remember")
	}
	now := time.Now()
	item := &store.MemoryItem{
		UserID:    userID,
		Fact:      d.Fact,
		Category:  d.Category,
		CreatedAt: now,
		ExpiresAt: ExpiryFor(d.Category, now),
	}
	if err := e.store.AppendMemory(ctx, item); err != nil {
		return nil, fmt.Errorf("save memory: %w", err)
	}

	e.hintMu.Lock()
	delete(e.hintCache, userID)
	e.hintMu.Unlock()

	L_info("memory: saved fact", "user", userID, "category", d.Category, "explicit", d.Explicit)
	return item, nil
}

// Hints returns the user's most recent facts for prompt injection, capped
// at MaxHints and cached briefly to keep hot conversations off the store.
func (e *Engine) Hints(ctx context.Context, userID string) []string {
	now := time.Now()

	e.hintMu.Lock()
	if entry, ok := e.hintCache[userID]; ok && now.Sub(entry.fetched) < e.cfg.HintTTL {
		e.hintMu.Unlock()
		return entry.hints
	}
	e.hintMu.Unlock()

	items, err := e.store.ListMemories(ctx, userID, now)
	if err != nil {
		L_warn("memory: hint lookup failed", "user", userID, "error", err)
		return nil
	}
	if len(items) > e.cfg.MaxHints {
		items = items[:e.cfg.MaxHints]
	}
	hints := make([]string, 0, len(items))
	for _, it := range items {
		hints = append(hints, it.Fact)
	}

	e.hintMu.Lock()
	e.hintCache[userID] = hintEntry{hints: hints, fetched: now}
	e.hintMu.Unlock()
	return hints
}

// Sweep deletes expired facts. Run periodically.
func (e *Engine) Sweep(ctx context.Context) {
	n, err := e.store.SweepExpiredMemories(ctx, time.Now())
	if err != nil {
		L_warn("memory: sweep failed", "error", err)
		return
	}
	if n > 0 {
		L_info("memory: swept expired facts", "removed", n)
	}
}
