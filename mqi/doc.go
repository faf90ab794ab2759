// Package mqi is a client for the Machine Query Interface: it embeds a
// logic-programming engine as a child process and lets host code issue
// queries and consume structured answers over a loopback connection.
//
// The typical flow:
//
//	engine, err := mqi.Launch(mqi.Options{})
//	if err != nil { ... }
//	defer engine.Close()
//
//	session, err := engine.OpenSession()
//	if err != nil { ... }
//	defer session.Close()
//
//	result, err := session.Run(ctx, "member(X, [1, 2, 3])", mqi.NoTimeout)
//	for _, solution := range result.Solutions {
//	    x, _ := solution.Get("X")
//	    ...
//	}
//
// Asynchronous queries start with RunAsync and stream results through
// Poll; Cancel aborts them cooperatively.
//
// # Concurrency
//
// The library is thread-safe across sessions but not within one: a
// session is a single-owner, half-duplex request/response channel. A
// Run or RunAsync started while another query is outstanding fails
// with InvalidState; Poll and Cancel carry no such guard, and
// concurrent Poll or Cancel calls on one session are not detected.
// The engine handle may be shared freely; each
// OpenSession call yields an independent session with its own
// server-side worker thread.
//
// # Resource release
//
// Engine.Close terminates the child on every host exit path — call it
// from a defer so panics and early returns still reap the process. It
// asks the engine to quit over a control session first and escalates
// to signals only when that fails. Session.Close is likewise safe to
// defer: on an already-broken transport it closes silently.
package mqi
