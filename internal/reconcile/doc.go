// Package reconcile turns mirror changes into view refreshes.
//
// # Overview
//
// Views register with a [Reconciler] and receive two kinds of calls:
// FullRender with the whole filtered list, or PatchNode with one record.
// A change to a field that decides filtering or grouping (status, day,
// urgency) needs a full render because the record may enter or leave the
// list or move between groups. Anything else is patched in place so the
// list does not flicker or lose its scroll position. See [Decide].
//
// # Coalescing
//
// Remote changes often arrive in bursts (bulk import, several clients
// editing at once). Refresh work is queued in a [Coalescer] per target
// ("tickets:full", "tickets:node:-Nabc") and runs once the target has been
// quiet for its window. Additions use a shorter window than changes so a
// freshly created ticket shows up quickly.
//
// # Usage
//
//	co := reconcile.NewCoalescer(reconcile.DefaultCoalescerConfig())
//	co.Start(ctx)
//	defer co.Stop()
//
//	rc := reconcile.New(m, co, reconcile.DefaultConfig())
//	rc.Register(view)
//	rc.SetFilter(reconcile.Filter{Statuses: []string{schema.StatusWaiting}})
package reconcile
