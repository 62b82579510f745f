package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/llm"
	"chatrelay/internal/memory"
	"chatrelay/internal/meter"
	"chatrelay/internal/relay"
	"chatrelay/internal/router"
	"chatrelay/internal/store"
	"chatrelay/internal/types"
)

// fakeProvider scripts deltas and failures for router-driven turns. The
// router clones providers per call via WithModel, so recorded state lives
// behind a shared pointer and clones report into the original.
type fakeProvider struct {
	name     string
	model    string
	deltas   []string
	err      error                           // returned after emitting deltas
	streamFn func(ctx context.Context) error // overrides the scripted deltas

	rec *callRecord
}

type callRecord struct {
	mu         sync.Mutex
	calls      int
	lastSystem string
	lastMsgs   []types.Message
}

func newFakeProvider(name string, deltas ...string) *fakeProvider {
	return &fakeProvider{name: name, deltas: deltas, rec: &callRecord{}}
}

func (f *fakeProvider) Name() string      { return f.name }
func (f *fakeProvider) Type() string      { return "fake" }
func (f *fakeProvider) Model() string     { return f.model }
func (f *fakeProvider) IsAvailable() bool { return true }

func (f *fakeProvider) WithModel(model string) llm.Provider {
	clone := *f
	clone.model = model
	return &clone
}

func (f *fakeProvider) Complete(ctx context.Context, messages []types.Message, systemPrompt string) (string, error) {
	resp, err := f.Stream(ctx, messages, systemPrompt, func(string) {})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (f *fakeProvider) Stream(ctx context.Context, messages []types.Message, systemPrompt string, onDelta func(string)) (*llm.Response, error) {
	f.rec.mu.Lock()
	f.rec.calls++
	f.rec.lastSystem = systemPrompt
	f.rec.lastMsgs = messages
	f.rec.mu.Unlock()

	if f.streamFn != nil {
		return nil, f.streamFn(ctx)
	}

	var text strings.Builder
	for _, d := range f.deltas {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		onDelta(d)
		text.WriteString(d)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: text.String(), StopReason: "stop", InputTokens: 10, OutputTokens: 20}, nil
}

func (f *fakeProvider) callCount() int {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	return f.rec.calls
}

func (f *fakeProvider) lastCall() (system string, msgs []types.Message) {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	return f.rec.lastSystem, f.rec.lastMsgs
}

// memSink mirrors the relay test sink for end-to-end assertions.
type memSink struct {
	mu     sync.Mutex
	events []sinkEvent
	done   chan struct{}
}

type sinkEvent struct {
	name string
	data any
}

func newMemSink() *memSink { return &memSink{done: make(chan struct{})} }

func (s *memSink) Send(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{name: event, data: data})
	return nil
}

func (s *memSink) Done() <-chan struct{} { return s.done }

func (s *memSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.name
	}
	return out
}

func (s *memSink) content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out strings.Builder
	for _, e := range s.events {
		if e.name == relay.EventContent {
			out.WriteString(e.data.(relay.ContentPayload).Chunk)
		}
	}
	return out.String()
}

func (s *memSink) count(name string) int {
	n := 0
	for _, e := range s.names() {
		if e == name {
			n++
		}
	}
	return n
}

type fixture struct {
	gw       *Gateway
	store    *store.SQLiteStore
	user     *store.User
	provider *fakeProvider
	backup   *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	user := &store.User{Name: "alice", Token: "tok"}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	for _, model := range []string{"fast", "solo"} {
		if _, err := s.AdjustBalance(context.Background(), user.ID, model, 10000); err != nil {
			t.Fatalf("fund user: %v", err)
		}
	}

	primary := newFakeProvider("primary", "Hello", " there", ".\n")
	backup := newFakeProvider("backup", "Backup says hi.\n")

	rt, err := router.New(
		map[string]llm.Provider{"primary": primary, "backup": backup},
		[]router.ModelConfig{
			{ID: "fast", DisplayName: "Fast", BaseCost: 1, Chain: []string{"primary/model-a", "backup/model-b"}},
			{ID: "solo", DisplayName: "Solo", BaseCost: 1, Chain: []string{"primary/model-a"}},
		},
	)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	mem := memory.New(s, nil, memory.EngineConfig{HintTTL: time.Nanosecond})
	gw := New(s, rt, meter.New(s), mem, TurnConfig{
		SystemPrompt: "You are a test assistant.",
		Heartbeat:    time.Hour,
	})
	return &fixture{gw: gw, store: s, user: user, provider: primary, backup: backup}
}

func (fx *fixture) turn(t *testing.T, req ChatRequest) (*memSink, error) {
	t.Helper()
	sink := newMemSink()
	err := fx.gw.ChatTurn(context.Background(), fx.user, req, sink)
	return sink, err
}

func TestChatTurnHappyPath(t *testing.T) {
	fx := newFixture(t)

	sink, err := fx.turn(t, ChatRequest{Message: "hi", Model: "fast"})
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}

	names := sink.names()
	if names[0] != relay.EventConversation {
		t.Errorf("first event = %s, want conversation announcement", names[0])
	}
	if names[len(names)-1] != relay.EventDone {
		t.Errorf("last event = %s, want done", names[len(names)-1])
	}
	if got := sink.content(); got != "Hello there.\n" {
		t.Errorf("content = %q", got)
	}

	// Settlement debited at least the provider-reported 30 tokens
	bal, _ := fx.store.GetBalance(context.Background(), fx.user.ID, "fast")
	if bal != 10000-30 {
		t.Errorf("balance = %d, want 9970", bal)
	}

	// Exchange persisted with the routed model ref
	convs, _ := fx.store.ListConversations(context.Background(), fx.user.ID)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	hist, _ := fx.store.History(context.Background(), convs[0].ID, 0)
	if len(hist) != 1 || hist[0].BotText != "Hello there.\n" || hist[0].Model != "primary/model-a" {
		t.Errorf("persisted exchange = %+v", hist)
	}
}

func TestChatTurnValidation(t *testing.T) {
	fx := newFixture(t)

	sink, err := fx.turn(t, ChatRequest{Message: "   ", Model: "fast"})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty message: got %v", err)
	}
	if len(sink.names()) != 0 {
		t.Errorf("events pushed for rejected turn: %v", sink.names())
	}

	_, err = fx.turn(t, ChatRequest{Message: "hi", Model: "no-such"})
	var unknown *router.ErrUnknownModel
	if !errors.As(err, &unknown) {
		t.Errorf("unknown model: got %v", err)
	}
	if fx.provider.callCount() != 0 {
		t.Error("provider called for invalid input")
	}
}

func TestChatTurnBudgetGate(t *testing.T) {
	fx := newFixture(t)
	// Drain the balance below the base cost
	if _, err := fx.store.AdjustBalance(context.Background(), fx.user.ID, "fast", -10000); err != nil {
		t.Fatal(err)
	}

	sink, err := fx.turn(t, ChatRequest{Message: "hi", Model: "fast"})
	var insufficient *meter.ErrInsufficientBudget
	if !errors.As(err, &insufficient) {
		t.Fatalf("got %v, want ErrInsufficientBudget", err)
	}
	if len(sink.names()) != 0 {
		t.Errorf("stream opened despite budget denial: %v", sink.names())
	}
	if fx.provider.callCount() != 0 {
		t.Error("provider called despite budget denial")
	}
}

func TestExplicitRememberShortCircuits(t *testing.T) {
	fx := newFixture(t)

	sink, err := fx.turn(t, ChatRequest{Message: "remember that my flight is at 6pm", Model: "fast"})
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	if fx.provider.callCount() != 0 {
		t.Error("explicit remember reached the model router")
	}
	if got := sink.content(); !strings.Contains(got, "remember") {
		t.Errorf("content = %q, want acknowledgement", got)
	}
	if sink.count(relay.EventDone) != 1 {
		t.Errorf("events = %v, want one done sentinel", sink.names())
	}

	items, _ := fx.store.ListMemories(context.Background(), fx.user.ID, time.Now())
	if len(items) != 1 || items[0].Fact != "my flight is at 6pm" {
		t.Errorf("memories = %+v", items)
	}

	// No provider call, no debit
	bal, _ := fx.store.GetBalance(context.Background(), fx.user.ID, "fast")
	if bal != 10000 {
		t.Errorf("balance = %d, want untouched 10000", bal)
	}
}

func TestZeroDeltaStreamStillAnnounces(t *testing.T) {
	fx := newFixture(t)
	fx.provider.deltas = nil

	sink, err := fx.turn(t, ChatRequest{Message: "hi", Model: "solo"})
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	if sink.count(relay.EventConversation) != 1 {
		t.Errorf("events = %v, want conversation id announced", sink.names())
	}
	if sink.count(relay.EventDone) != 1 {
		t.Errorf("events = %v, want one done sentinel", sink.names())
	}
}

func TestImplicitRememberPrefixesNoted(t *testing.T) {
	fx := newFixture(t)

	sink, err := fx.turn(t, ChatRequest{Message: "my name is Petra", Model: "fast"})
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	if fx.provider.callCount() != 1 {
		t.Fatal("implicit remember should still generate")
	}
	if got := sink.content(); !strings.HasPrefix(got, "(Noted) ") {
		t.Errorf("content = %q, want (Noted) prefix", got)
	}

	items, _ := fx.store.ListMemories(context.Background(), fx.user.ID, time.Now())
	if len(items) != 1 {
		t.Fatalf("memories = %+v, want the implicit fact", items)
	}

	// The stored bot text is clean of the marker
	convs, _ := fx.store.ListConversations(context.Background(), fx.user.ID)
	hist, _ := fx.store.History(context.Background(), convs[0].ID, 0)
	if strings.HasPrefix(hist[0].BotText, "(Noted)") {
		t.Errorf("marker leaked into persisted text: %q", hist[0].BotText)
	}
}

func TestFallbackServesFromBackup(t *testing.T) {
	fx := newFixture(t)
	fx.provider.deltas = nil
	fx.provider.err = errors.New("connection refused")

	sink, err := fx.turn(t, ChatRequest{Message: "hi", Model: "fast"})
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	if got := sink.content(); got != "Backup says hi.\n" {
		t.Errorf("content = %q, want backup reply", got)
	}
	if fx.backup.callCount() != 1 {
		t.Error("backup provider not tried")
	}
}

func TestExhaustedChainBeforeBytes(t *testing.T) {
	fx := newFixture(t)
	fx.provider.deltas = nil
	fx.provider.err = errors.New("connection refused")
	fx.backup.deltas = nil
	fx.backup.err = errors.New("connection refused")

	sink, err := fx.turn(t, ChatRequest{Message: "hi", Model: "fast"})
	var exhausted *router.ErrExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("got %v, want ErrExhausted", err)
	}
	// Plain error path: the stream never opened
	if len(sink.names()) != 0 {
		t.Errorf("events pushed before plain-error response: %v", sink.names())
	}
	// Nothing was delivered, nothing is charged
	bal, _ := fx.store.GetBalance(context.Background(), fx.user.ID, "fast")
	if bal != 10000 {
		t.Errorf("balance = %d, want untouched", bal)
	}
}

func TestMidStreamFailureEmitsErrorEvent(t *testing.T) {
	fx := newFixture(t)
	fx.provider.deltas = []string{"partial answer\n", "more text "}
	fx.provider.err = errors.New("connection reset")
	fx.backup.deltas = nil
	fx.backup.err = errors.New("connection refused")

	sink, err := fx.turn(t, ChatRequest{Message: "hi", Model: "solo"})
	if err != nil {
		t.Fatalf("mid-stream failure must be delivered in-stream, got %v", err)
	}

	names := sink.names()
	n := len(names)
	if n < 2 || names[n-2] != relay.EventError || names[n-1] != relay.EventDone {
		t.Errorf("tail = %v, want [... error done]", names)
	}

	// The partial reply the client saw is settled and persisted
	convs, _ := fx.store.ListConversations(context.Background(), fx.user.ID)
	hist, _ := fx.store.History(context.Background(), convs[0].ID, 0)
	if len(hist) != 1 || !strings.HasPrefix(hist[0].BotText, "partial answer") {
		t.Errorf("partial exchange not persisted: %+v", hist)
	}
	bal, _ := fx.store.GetBalance(context.Background(), fx.user.ID, "solo")
	if bal >= 10000 {
		t.Errorf("partial reply not settled, balance = %d", bal)
	}
}

func TestHiddenSpanScrubbedEndToEnd(t *testing.T) {
	fx := newFixture(t)
	fx.provider.deltas = []string{"<thi", "nking>secret plan</thi", "nking>The answer is 4.\n"}

	sink, err := fx.turn(t, ChatRequest{Message: "2+2?", Model: "fast"})
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	got := sink.content()
	if strings.Contains(got, "secret") {
		t.Fatalf("hidden span leaked: %q", got)
	}
	if got != "The answer is 4.\n" {
		t.Errorf("content = %q", got)
	}
}

func TestMemoryHintsReachSystemPrompt(t *testing.T) {
	fx := newFixture(t)
	d := memory.Decision{Save: true, Fact: "allergic to peanuts", Category: memory.CategoryPersonal}
	mem := memory.New(fx.store, nil, memory.EngineConfig{HintTTL: time.Nanosecond})
	if _, err := mem.Remember(context.Background(), fx.user.ID, d); err != nil {
		t.Fatal(err)
	}

	if _, err := fx.turn(t, ChatRequest{Message: "suggest a snack", Model: "fast"}); err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	system, _ := fx.provider.lastCall()
	if !strings.Contains(system, "allergic to peanuts") {
		t.Errorf("system prompt missing memory hint: %q", system)
	}
}

func TestHistoryReplayedAcrossTurns(t *testing.T) {
	fx := newFixture(t)

	first, err := fx.turn(t, ChatRequest{Message: "hi", Model: "fast"})
	if err != nil {
		t.Fatal(err)
	}
	convID := first.events[0].data.(relay.ConversationPayload).ConversationID

	sink, err := fx.turn(t, ChatRequest{Message: "and again", Model: "fast", ConversationID: convID})
	if err != nil {
		t.Fatal(err)
	}
	// Existing conversation: no announcement on the second turn
	if sink.count(relay.EventConversation) != 0 {
		t.Errorf("conversation re-announced: %v", sink.names())
	}

	_, msgs := fx.provider.lastCall()
	if len(msgs) != 3 {
		t.Fatalf("prompt messages = %d, want history pair + current", len(msgs))
	}
	if msgs[0].Content != "hi" || msgs[1].Role != types.RoleAssistant || msgs[2].Content != "and again" {
		t.Errorf("prompt replay wrong: %+v", msgs)
	}
}

func TestClientDisconnectCancelsStream(t *testing.T) {
	fx := newFixture(t)
	sink := newMemSink()
	close(sink.done) // client gone before the turn starts

	blocked := make(chan struct{})
	fx.provider.deltas = nil
	fx.provider.err = nil
	fx.provider.streamFn = func(ctx context.Context) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}

	err := fx.gw.ChatTurn(context.Background(), fx.user, ChatRequest{Message: "hi", Model: "solo"}, sink)
	if err == nil {
		t.Fatal("expected error after disconnect cancellation")
	}
	select {
	case <-blocked:
	default:
		t.Fatal("provider never entered its blocking call")
	}
}

func TestEntitledUserSkipsDebit(t *testing.T) {
	fx := newFixture(t)
	entitled := &store.User{Name: "vip", Token: "tok-vip", Entitled: true, EntitledUntil: time.Now().Add(time.Hour)}
	if err := fx.store.CreateUser(context.Background(), entitled); err != nil {
		t.Fatal(err)
	}

	sink := newMemSink()
	if err := fx.gw.ChatTurn(context.Background(), entitled, ChatRequest{Message: "hi", Model: "fast"}, sink); err != nil {
		t.Fatalf("entitled turn: %v", err)
	}
	bal, _ := fx.store.GetBalance(context.Background(), entitled.ID, "fast")
	if bal != 0 {
		t.Errorf("entitled balance mutated: %d", bal)
	}
}
