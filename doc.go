// Package quarry is the client-side session layer for a Quarry database: a
// single logical connection abstraction hiding whether the backend runs
// in-process, behind a named peer, or across an authenticated TCP/TLS byte
// stream.
//
// A Dialer, assembled through the Builder, opens Sessions. Each Session is
// an independent single-threaded control loop: client calls, inbound frames,
// timer firings, and liveness notices merge into one mailbox and are handled
// strictly sequentially, so the session needs no internal locking. Calls
// look synchronous to the caller; on byte-stream transports the reply is
// matched to its call later by correlation reference, and the loop keeps
// processing other traffic in between.
//
//	dialer, err := quarry.New().
//		WithConfig(cfg).
//		WithBackend(backend.NewMemory(backend.MemoryConfig{})).
//		Build()
//	if err != nil { ... }
//	sess, err := dialer.Open(ctx, "inventory")
//	if err != nil { ... }
//	defer sess.Close()
//
//	buf := rows.NewBuffer()
//	st, err := sess.Execute(ctx, "select * from parts", buf)
//	if err != nil { ... }
//	if err := sess.Fetch(ctx, st); err != nil { ... }
package quarry
