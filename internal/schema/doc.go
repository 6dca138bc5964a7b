// Package schema defines the data model of the offline synchronization engine.
//
// # Operations
//
// An Operation is a single client-side mutation waiting to reach the origin.
// Collaborators create operations; from then on they are owned by the queue
// and the operation log store until they reach a terminal status.
//
//	{
//	  "id": "01JA4Q8N1W3V7ZK4M1D6G2R5TB",
//	  "kind": "update",
//	  "entity_type": "card",
//	  "entity_id": "card-42",
//	  "payload": {"title": "Ship it"},
//	  "base_version": 7,
//	  "priority": "high",
//	  "status": "pending",
//	  "retry_count": 0,
//	  "max_retries": 3,
//	  "dependencies": ["01JA4Q8KZ3XQ0M5V8T2B6N1C9D"],
//	  "created_at": "2026-10-14T09:12:44Z",
//	  "updated_at": "2026-10-14T09:12:44Z"
//	}
//
// # State Machine
//
//	pending     -> in_progress            dequeued for send
//	in_progress -> completed              acknowledged by the origin
//	in_progress -> retrying               transient failure, retry_count < max_retries
//	retrying    -> pending                backoff elapsed
//	in_progress -> failed                 retries exhausted or permanent failure
//	in_progress -> pending                conflict resolved with a new payload
//	pending     -> failed                 cancelled
//	retrying    -> failed                 cancelled
//	failed      -> pending                explicit retry
//
// completed and failed are terminal for the sync engine. Only an explicit
// retry moves a failed operation back to pending.
//
// # Priorities
//
// Priority tiers strictly order dequeue candidates:
//   - critical
//   - high
//   - medium
//   - low
package schema
