// Package relay owns the client-facing side of one chat stream: it pushes
// filtered deltas as content events, keeps the connection alive with
// periodic pings while the model is quiet, and always terminates the stream
// with the `[DONE]` sentinel.
package relay

import (
	"errors"
	"sync"
	"time"

	. "chatrelay/internal/logging"
	"chatrelay/internal/scrub"
)

// Event names on the client stream.
const (
	EventConversation = "conversation"
	EventContent      = "content"
	EventPing         = "ping"
	EventError        = "error"
	EventDone         = "done"
)

// DoneSentinel is the terminal payload that always closes a stream.
const DoneSentinel = "[DONE]"

// DefaultHeartbeat is how often a quiet stream gets a liveness ping.
const DefaultHeartbeat = 15 * time.Second

// ErrClosed is returned when pushing to a relay that already terminated.
var ErrClosed = errors.New("relay closed")

// Sink is the client transport: push a named event, and report disconnect.
type Sink interface {
	Send(event string, data any) error
	Done() <-chan struct{}
}

// ContentPayload is the body of a content event.
type ContentPayload struct {
	Chunk string `json:"chunk"`
}

// PingPayload carries the heartbeat timestamp.
type PingPayload struct {
	TS int64 `json:"ts"`
}

// ErrorPayload is the body of an in-stream error event.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ConversationPayload announces a newly created conversation.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// Relay multiplexes the stream consumer and the heartbeat ticker onto one
// serialized write path. All pushes go through push(), under the mutex.
type Relay struct {
	sink   Sink
	filter *scrub.Filter

	mu       sync.Mutex
	closed   bool
	lastPush time.Time

	stopHeartbeat chan struct{}
	stopOnce      sync.Once
	heartbeatDone sync.WaitGroup
}

// New wires a relay over the sink. The filter scrubs every delta before it
// reaches the client; pass scrub.New() for the standard behavior.
func New(sink Sink, filter *scrub.Filter, heartbeat time.Duration) *Relay {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	r := &Relay{
		sink:          sink,
		filter:        filter,
		lastPush:      time.Now(),
		stopHeartbeat: make(chan struct{}),
	}
	r.heartbeatDone.Add(1)
	go r.heartbeatLoop(heartbeat)
	return r
}

func (r *Relay) heartbeatLoop(interval time.Duration) {
	defer r.heartbeatDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopHeartbeat:
			return
		case <-r.sink.Done():
			return
		case now := <-ticker.C:
			r.mu.Lock()
			quiet := now.Sub(r.lastPush) >= interval
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			if quiet {
				r.push(EventPing, PingPayload{TS: now.Unix()})
			}
		}
	}
}

// push serializes all writes to the sink. A failed send means the client
// is gone; the relay closes itself and drops everything after.
func (r *Relay) push(event string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.sink.Send(event, data); err != nil {
		L_debug("relay: client write failed, closing", "event", event, "error", err)
		r.closed = true
		return err
	}
	r.lastPush = time.Now()
	return nil
}

// Announce pushes the conversation id. Called only when the conversation
// was created by this request, and always before any content.
func (r *Relay) Announce(conversationID string) error {
	return r.push(EventConversation, ConversationPayload{ConversationID: conversationID})
}

// Delta feeds one raw provider delta through the filter and pushes whatever
// survives as a content event. Hidden-span text never reaches the sink.
func (r *Relay) Delta(raw string) error {
	visible := r.filter.Feed(raw)
	if visible == "" {
		return nil
	}
	return r.push(EventContent, ContentPayload{Chunk: visible})
}

// Inject pushes text to the client verbatim, bypassing the filter. Used for
// server-originated markers such as the memory-save prefix.
func (r *Relay) Inject(text string) error {
	if text == "" {
		return nil
	}
	return r.push(EventContent, ContentPayload{Chunk: text})
}

// Fail releases any text still held by the filter, then pushes a structured
// error event. The caller still terminates the stream via Close, so the
// sentinel directly follows the error event.
func (r *Relay) Fail(msg string) error {
	if tail := r.filter.Flush(); tail != "" {
		r.push(EventContent, ContentPayload{Chunk: tail})
	}
	return r.push(EventError, ErrorPayload{Error: msg})
}

// Abort tears the relay down without pushing anything. Used when the stream
// never opened and the caller is answering with a plain error response.
func (r *Relay) Abort() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stopHeartbeat) })
	r.heartbeatDone.Wait()
}

// Close flushes the filter tail, pushes the terminal sentinel and stops the
// heartbeat. Safe to call more than once.
func (r *Relay) Close() error {
	if tail := r.filter.Flush(); tail != "" {
		r.push(EventContent, ContentPayload{Chunk: tail})
	}
	err := r.push(EventDone, DoneSentinel)

	r.mu.Lock()
	alreadyStopped := r.closed
	r.closed = true
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopHeartbeat) })
	r.heartbeatDone.Wait()

	if errors.Is(err, ErrClosed) && alreadyStopped {
		return nil
	}
	return err
}

// Done reports client disconnect, straight from the sink.
func (r *Relay) Done() <-chan struct{} {
	return r.sink.Done()
}
