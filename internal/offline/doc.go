// Package offline provides the offline manager, the public face of the
// synchronization engine.
//
// The manager wires the operation queue, the conflict resolver, the sync
// engine and a resource monitor together. It is the only writer of the
// process-wide OfflineStatus and OfflineStats, and the only subscriber to
// the events of its collaborators, which it translates into the outbound
// event stream (see package events).
//
// # Lifecycle
//
//	m, err := offline.New(offline.DefaultConfig(), st, mon, q, resolver, eng)
//	if err != nil {
//	    return err
//	}
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Destroy()
//
// Start replays the persisted state: queued operations, open conflicts and
// the options saved by earlier Configure calls. It then begins two
// background loops, a sync timer and a health-check timer.
//
// # Background loops
//
// The sync loop runs a full sync every syncInterval, and immediately when
// the monitor reports the origin reachable again. It only runs while
// offline mode and background sync are enabled and the battery is not
// critical. The health-check loop reassesses storage, battery and
// connection quality every healthCheckInterval, prunes retained failures
// past failedRetention, and publishes healthCheckComplete.
//
// Disabling offline mode pauses both loops. Operations can still be
// enqueued and ManualSync still works while the origin is reachable.
//
// # Resource policy
//
// A critical battery suspends the sync loop; ManualSync stays available.
// Critical storage rejects Enqueue with ErrStorageFull until pressure drops.
// Neither condition touches operations already in flight.
package offline
