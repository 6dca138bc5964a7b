// Package events is the outbound event stream of the offline manager.
//
// Event kinds are a closed set of constants and every event carries a typed
// payload, so subscribers can switch on Kind without string parsing.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
)

// Kind identifies an event.
type Kind string

const (
	Initialized         Kind = "initialized"
	Online              Kind = "online"
	Offline             Kind = "offline"
	SyncStart           Kind = "syncStart"
	SyncComplete        Kind = "syncComplete"
	SyncError           Kind = "syncError"
	OperationQueued     Kind = "operationQueued"
	OperationCompleted  Kind = "operationCompleted"
	OperationFailed     Kind = "operationFailed"
	OperationRetrying   Kind = "operationRetrying"
	ConflictDetected    Kind = "conflictDetected"
	ConflictResolved    Kind = "conflictResolved"
	HealthCheckComplete Kind = "healthCheckComplete"
	StorageFull         Kind = "storageFull"
	Destroyed           Kind = "destroyed"
)

// Kinds lists every event kind in emission-table order.
var Kinds = []Kind{
	Initialized, Online, Offline, SyncStart, SyncComplete, SyncError,
	OperationQueued, OperationCompleted, OperationFailed, OperationRetrying,
	ConflictDetected, ConflictResolved, HealthCheckComplete, StorageFull, Destroyed,
}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is one entry of the stream. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	Operation  *schema.Operation     `json:"operation,omitempty"`
	Conflict   *schema.Conflict      `json:"conflict,omitempty"`
	Resolution *schema.Resolution    `json:"resolution,omitempty"`
	Status     *schema.OfflineStatus `json:"status,omitempty"`
	Stats      *schema.OfflineStats  `json:"stats,omitempty"`

	// Error is set on syncError, operationFailed, operationRetrying and storageFull.
	Error string `json:"error,omitempty"`

	// Duration and BytesSynced are set on syncComplete.
	Duration    time.Duration `json:"duration,omitempty"`
	BytesSynced int64         `json:"bytesSynced,omitempty"`
}

// String renders a one-line summary for logs.
func (e Event) String() string {
	switch {
	case e.Operation != nil && e.Error != "":
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Operation.ID, e.Error)
	case e.Operation != nil:
		return fmt.Sprintf("%s %s", e.Kind, e.Operation.ID)
	case e.Conflict != nil:
		return fmt.Sprintf("%s %s (operation %s)", e.Kind, e.Conflict.ID, e.Conflict.OperationID)
	case e.Resolution != nil:
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.Resolution.ConflictID, e.Resolution.Decision)
	case e.Kind == SyncComplete:
		return fmt.Sprintf("%s in %s (%d bytes)", e.Kind, e.Duration, e.BytesSynced)
	case e.Error != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Error)
	}
	return string(e.Kind)
}

// MarshalJSON adds the duration in milliseconds for UI collaborators.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		alias
		DurationMS int64 `json:"durationMs,omitempty"`
	}{alias(e), e.Duration.Milliseconds()})
}

// Handler receives events. Handlers run on the publishing goroutine and
// must not block.
type Handler func(Event)

// Token identifies a subscription.
type Token uint64

type subscription struct {
	kind    Kind // empty = all kinds
	handler Handler
}

// Bus is a subscription registry. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	next   Token
	subs   map[Token]subscription
	logger *log.Logger
}

// NewBus creates an empty bus. A nil logger logs handler panics to stderr.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{subs: make(map[Token]subscription), logger: logger}
}

// Subscribe registers h for events of kind.
func (b *Bus) Subscribe(kind Kind, h Handler) Token {
	return b.add(subscription{kind: kind, handler: h})
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) Token {
	return b.add(subscription{handler: h})
}

func (b *Bus) add(s subscription) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[b.next] = s
	return b.next
}

// Unsubscribe removes a subscription. It reports whether the token was registered.
func (b *Bus) Unsubscribe(t Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[t]
	delete(b.subs, t)
	return ok
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers e to matching handlers in subscription order.
// A panicking handler is logged and does not stop delivery.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.RLock()
	tokens := make([]Token, 0, len(b.subs))
	for t, s := range b.subs {
		if s.kind == "" || s.kind == e.Kind {
			tokens = append(tokens, t)
		}
	}
	handlers := make([]Handler, 0, len(tokens))
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	for _, t := range tokens {
		handlers = append(handlers, b.subs[t].handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("Warning: %s handler panicked: %v", e.Kind, r)
		}
	}()
	h(e)
}

// Chan subscribes a buffered channel to every event. Events are dropped
// when the buffer is full. The returned func unsubscribes and closes the channel.
func (b *Bus) Chan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var once sync.Once
	var mu sync.Mutex
	closed := false

	token := b.SubscribeAll(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})

	return ch, func() {
		once.Do(func() {
			b.Unsubscribe(token)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}
