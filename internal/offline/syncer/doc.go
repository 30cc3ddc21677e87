// Package syncer drains the mutation queue against the remote gateway.
//
// Overview
//
// The Coordinator is the only writer of queue status transitions after
// enqueue and the only component that flips a record's synced flag. Drains are
// safe to trigger from several places at once: concurrent calls collapse into
// one run, and the Syncing lease on each item keeps a late trigger from
// sending an item that is already in flight.
//
// Ordering
//
// Items are walked in creation order. Once an item of an entity cannot go
// now (backing off, leased, or Failed), every later item of that entity waits,
// so the gateway always sees an entity's mutations in the order they were
// made. Other entities are not held up.
//
// Failures
//
// Transient errors consume a retry and back off; permanent and corrupt errors
// move the item straight to Failed. None of them abort the drain or reach the
// caller: they are recorded on the item and reported in the Summary.
//
// Usage
//
//	q := queue.New(db)
//	records := record.NewStore(db)
//	coord := syncer.New(q, records, gw, conn, syncer.Options{})
//
//	summary := coord.DrainAll(ctx)
//	fmt.Printf("%d synced, %d failed\n", summary.Succeeded, summary.Failed)
package syncer
