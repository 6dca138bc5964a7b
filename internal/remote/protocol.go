// Package remote implements the batched sync protocol spoken with the origin.
//
// A client sends a BatchRequest carrying one Item per queued operation and
// receives a BatchResponse with exactly one Result per item:
//
//	ok              the write was applied; NewVersion is the entity's version
//	conflict        the entity moved past the item's BaseVersion; RemoteState
//	                is the origin's current view
//	transientError  try again later, no sooner than RetryAfter
//	permanentError  the write will never be accepted; Reason says why
//
// Over HTTP the protocol is JSON, compressed with zstd above a size
// threshold. Both sides send their protocol version in the
// X-Offsync-Protocol header and refuse to talk across major versions.
package remote

import (
	"context"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
)

// ProtocolVersion is the semantic version of the wire protocol.
const ProtocolVersion = "v1.2.0"

// HeaderProtocol carries ProtocolVersion on every request and response.
const HeaderProtocol = "X-Offsync-Protocol"

// ResultStatus is the outcome of one item in a batch.
type ResultStatus string

const (
	StatusOK        ResultStatus = "ok"
	StatusConflict  ResultStatus = "conflict"
	StatusTransient ResultStatus = "transientError"
	StatusPermanent ResultStatus = "permanentError"
)

// IsValid reports whether s is a known result status.
func (s ResultStatus) IsValid() bool {
	switch s {
	case StatusOK, StatusConflict, StatusTransient, StatusPermanent:
		return true
	}
	return false
}

// Item is one operation as sent to the origin.
type Item struct {
	ID          string         `json:"id"`
	Kind        schema.Kind    `json:"kind"`
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	Payload     schema.Payload `json:"payload,omitempty"`
	BaseVersion int64          `json:"baseVersion"`
}

// ItemFor converts a queued operation into its wire form.
func ItemFor(op *schema.Operation) Item {
	return Item{
		ID:          op.ID,
		Kind:        op.Kind,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Payload:     op.Payload,
		BaseVersion: op.BaseVersion,
	}
}

// BatchRequest is a batch of operations from one client.
type BatchRequest struct {
	ClientID   string `json:"clientId,omitempty"`
	Operations []Item `json:"operations"`
}

// Result is the origin's answer for one item.
type Result struct {
	ID     string       `json:"id"`
	Status ResultStatus `json:"status"`

	// ok
	NewVersion int64 `json:"newVersion,omitempty"`

	// conflict
	RemoteState   *schema.RemoteState `json:"remoteState,omitempty"`
	RemoteVersion int64               `json:"remoteVersion,omitempty"`

	// transientError
	RetryAfterMs int64 `json:"retryAfter,omitempty"`

	// permanentError, and optionally transientError
	Reason string `json:"reason,omitempty"`
}

// RetryAfter returns the suggested wait before retrying a transient result.
func (r Result) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMs) * time.Millisecond
}

// BatchResponse carries one Result per item of the request.
type BatchResponse struct {
	Results []Result `json:"results"`

	// Bytes is the number of bytes exchanged for the batch, request and
	// response together. It is filled in by the transport.
	Bytes int64 `json:"-"`
}

// ByID indexes the results by operation id.
func (r *BatchResponse) ByID() map[string]Result {
	out := make(map[string]Result, len(r.Results))
	for _, res := range r.Results {
		out[res.ID] = res
	}
	return out
}

// Change is one entity state reported by a pull.
type Change struct {
	EntityType string             `json:"entityType"`
	EntityID   string             `json:"entityId"`
	State      schema.RemoteState `json:"state"`
}

// PullResponse lists entity changes after a cursor, oldest first.
type PullResponse struct {
	Changes []Change `json:"changes"`
	Cursor  string   `json:"cursor"`
	More    bool     `json:"more,omitempty"`
	Bytes   int64    `json:"-"`
}

// HealthInfo is served by the origin's health endpoint.
type HealthInfo struct {
	Status   string `json:"status"`
	Protocol string `json:"protocol"`
	Entities int    `json:"entities"`
}

// Origin is the authoritative backend a client synchronizes with.
type Origin interface {
	// SyncBatch applies a batch and reports one result per item. An error
	// means the batch as a whole was not processed.
	SyncBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error)

	// Pull lists entity changes after cursor. An empty cursor starts from
	// the beginning.
	Pull(ctx context.Context, cursor string, limit int) (*PullResponse, error)
}
