package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Strategy names a conflict resolution strategy. Strategies with the
// "wasm:" prefix are served by merge plugins.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyFieldMerge    Strategy = "field_merge"
	StrategyManual        Strategy = "manual"
)

// PluginPrefix marks strategies implemented by a WASM merge plugin.
const PluginPrefix = "wasm:"

// Decision is what a resolution does to the local operation.
type Decision string

const (
	// DecisionKeepLocal re-sends the local payload rebased onto the remote version.
	DecisionKeepLocal Decision = "keep_local"
	// DecisionKeepRemote discards the local operation; the remote state is canonical.
	DecisionKeepRemote Decision = "keep_remote"
	// DecisionMerged re-sends a merged payload rebased onto the remote version.
	DecisionMerged Decision = "merged"
	// DecisionDeferred parks the operation until a manual resolution arrives.
	DecisionDeferred Decision = "deferred"
)

// IsTerminal reports whether the decision finishes the local operation.
func (d Decision) IsTerminal() bool {
	return d == DecisionKeepRemote
}

// ConflictStatus tracks whether a conflict still needs attention.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// RemoteState is the origin's current view of an entity.
type RemoteState struct {
	Version   int64     `json:"version"`
	Payload   Payload   `json:"payload,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Conflict is a detected divergence between the version an operation was
// based on and the origin's current version.
type Conflict struct {
	ID             string         `json:"id"`
	OperationID    string         `json:"operation_id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	Kind           Kind           `json:"kind"`
	BaseVersion    int64          `json:"base_version"`
	LocalPayload   Payload        `json:"local_payload,omitempty"`
	LocalUpdatedAt time.Time      `json:"local_updated_at"`
	BasePayload    Payload        `json:"base_payload,omitempty"`
	Remote         RemoteState    `json:"remote"`
	Strategy       Strategy       `json:"strategy"`
	Status         ConflictStatus `json:"status"`
	DetectedAt     time.Time      `json:"detected_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Resolution     *Resolution    `json:"resolution,omitempty"`
}

// ConflictID derives a deterministic id from the conflicting inputs, so a
// retried detection of the same divergence yields the same conflict.
func ConflictID(opID string, baseVersion int64, remote RemoteState) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00", opID, baseVersion, remote.Version)
	h.Write(remote.Payload)
	return "cf-" + hex.EncodeToString(h.Sum(nil))[:20]
}

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	ConflictID   string   `json:"conflict_id"`
	OperationID  string   `json:"operation_id"`
	Strategy     Strategy `json:"strategy"`
	Decision     Decision `json:"decision"`
	Payload      Payload  `json:"payload,omitempty"`
	BaseVersion  int64    `json:"base_version"`
	SupersededBy string   `json:"superseded_by,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`

	// Replayed is set when the resolution was already recorded and is being
	// returned again. Replayed resolutions are not counted or announced twice.
	Replayed bool `json:"-"`
}

// ManualChoice is a collaborator's answer to a deferred conflict.
type ManualChoice string

const (
	ChoiceLocal         ManualChoice = "local"
	ChoiceRemote        ManualChoice = "remote"
	ChoicePayload       ManualChoice = "payload"
	ChoiceLastWriteWins ManualChoice = "last_write_wins"
	ChoiceFieldMerge    ManualChoice = "field_merge"
)

// IsValid reports whether c is a known choice.
func (c ManualChoice) IsValid() bool {
	switch c {
	case ChoiceLocal, ChoiceRemote, ChoicePayload, ChoiceLastWriteWins, ChoiceFieldMerge:
		return true
	}
	return false
}

// ManualResolution answers a deferred conflict. Payload is required for ChoicePayload.
type ManualResolution struct {
	Choice  ManualChoice `json:"choice"`
	Payload Payload      `json:"payload,omitempty"`
}
