package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrInvalidTransition is returned when an operation is moved to a status
// its current status cannot reach.
var ErrInvalidTransition = errors.New("invalid status transition")

// CancelledReason is the error recorded on operations cancelled by a collaborator.
const CancelledReason = "cancelled"

// Kind is the kind of mutation an operation carries.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindSync   Kind = "sync"
)

// IsValid reports whether k is a known operation kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindSync:
		return true
	}
	return false
}

// Priority ranks dequeue candidates. Higher values are sent first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase tier name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// IsValid reports whether p is one of the four tiers.
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses a tier name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityMedium, fmt.Errorf("unknown priority %q (want low, medium, high or critical)", s)
}

// MarshalText encodes the priority as its tier name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a tier name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// IsTerminal reports whether the sync engine will never move s on its own.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusRetrying, StatusFailed, StatusPending},
	StatusRetrying:   {StatusPending, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Payload is opaque mutation data owned by the collaborator. The engine stores
// and transmits it verbatim and only requires it to be valid JSON.
type Payload []byte

// MarshalJSON returns the payload bytes unchanged.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON stores a copy of the raw JSON value.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	*p = append((*p)[0:0], data...)
	return nil
}

// Operation is a single pending mutation.
type Operation struct {
	// ===== Identity =====
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// ===== Target =====
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	Payload    Payload `json:"payload,omitempty"`

	// BaseVersion is the entity version the payload was computed against.
	BaseVersion int64 `json:"base_version"`

	// ===== Scheduling =====
	Priority     Priority `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`

	// ===== Lifecycle =====
	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Error      string `json:"error,omitempty"`

	// NextAttemptAt is set while retrying and marks the end of the backoff.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// SupersededBy notes the winning write when a conflict discarded this one.
	SupersededBy string `json:"superseded_by,omitempty"`

	// CancelRequested marks an in-flight operation whose result must be discarded.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// ConflictID is set while the operation waits for a manual resolution.
	// Such operations stay pending but are not eligible for dequeue.
	ConflictID string `json:"conflict_id,omitempty"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a new operation id. Ids are ULIDs: unique, never reused and
// lexically ordered by creation time.
func NewID() string {
	return ulid.Make().String()
}

// Validate checks that the operation has valid field values.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !o.Kind.IsValid() {
		return fmt.Errorf("invalid kind %q (want create, update, delete or sync)", o.Kind)
	}
	if o.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if o.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if len(o.Payload) > 0 && !json.Valid(o.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	if !o.Priority.IsValid() {
		return fmt.Errorf("priority must be between %d and %d (got %d)", PriorityLow, PriorityCritical, o.Priority)
	}
	if !o.Status.IsValid() {
		return fmt.Errorf("invalid status %q", o.Status)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative (got %d)", o.MaxRetries)
	}
	if o.RetryCount < 0 || o.RetryCount > o.MaxRetries {
		return fmt.Errorf("retry_count must be between 0 and max_retries=%d (got %d)", o.MaxRetries, o.RetryCount)
	}
	seen := make(map[string]bool, len(o.Dependencies))
	for _, dep := range o.Dependencies {
		if dep == "" {
			return fmt.Errorf("dependency id must not be empty")
		}
		if dep == o.ID {
			return fmt.Errorf("operation %s cannot depend on itself", o.ID)
		}
		if seen[dep] {
			return fmt.Errorf("duplicate dependency %s", dep)
		}
		seen[dep] = true
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// SetDefaults fills optional fields a collaborator may omit.
func (o *Operation) SetDefaults(now time.Time) {
	if o.ID == "" {
		o.ID = NewID()
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
}

// Transition moves the operation to status to, enforcing the state machine.
// The error field is cleared when leaving failed or retrying.
func (o *Operation) Transition(to Status, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s (operation %s)", ErrInvalidTransition, o.Status, to, o.ID)
	}
	o.Status = to
	o.UpdatedAt = now
	if to != StatusFailed && to != StatusRetrying {
		o.Error = ""
	}
	if to != StatusRetrying {
		o.NextAttemptAt = nil
	}
	return nil
}

// AwaitingResolution reports whether the operation is parked behind a manual conflict.
func (o *Operation) AwaitingResolution() bool {
	return o.ConflictID != ""
}

// Clone returns a deep copy safe to hand to another goroutine.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	if o.Payload != nil {
		c.Payload = append(Payload(nil), o.Payload...)
	}
	if o.Dependencies != nil {
		c.Dependencies = append([]string(nil), o.Dependencies...)
	}
	if o.NextAttemptAt != nil {
		t := *o.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}

// Size estimates the bytes the operation occupies in the log store.
func (o *Operation) Size() int64 {
	n := len(o.ID) + len(o.Kind) + len(o.EntityType) + len(o.EntityID) + len(o.Payload) + len(o.Error)
	for _, dep := range o.Dependencies {
		n += len(dep)
	}
	return int64(n) + 128
}
