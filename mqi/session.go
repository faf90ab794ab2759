package mqi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/prolog-mqi/logger"
	"github.com/zhubert/prolog-mqi/protocol"
	"github.com/zhubert/prolog-mqi/term"
	"github.com/zhubert/prolog-mqi/transport"
)

// heartbeatInterval is how often the engine emits heartbeat bytes
// while a synchronous query runs.
const heartbeatInterval = protocol.HeartbeatInterval * time.Second

// closeAckTimeout bounds the wait for the engine's close/quit reply.
const closeAckTimeout = 2 * time.Second

// handshakeTimeout bounds the password exchange after connect.
const handshakeTimeout = 5 * time.Second

// State is a session's position in its lifecycle. Transitions follow
// the request/response protocol: one outstanding request at most, and
// any transport or protocol failure is terminal for the session (but
// not for the engine — the host may open a new session).
type State int

const (
	// StateHandshaking: connected, password not yet accepted.
	StateHandshaking State = iota

	// StateIdle: ready for a query.
	StateIdle

	// StateSyncPending: a synchronous query is outstanding.
	StateSyncPending

	// StateAsyncRunning: an asynchronous query is running; more
	// results may be produced.
	StateAsyncRunning

	// StateAsyncDraining: the engine has delivered answers and only a
	// terminal exception remains to be drained.
	StateAsyncDraining

	// StateClosed: the session ended cleanly.
	StateClosed

	// StateBroken: a transport or protocol failure invalidated the
	// session.
	StateBroken
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateSyncPending:
		return "sync-pending"
	case StateAsyncRunning:
		return "async-running"
	case StateAsyncDraining:
		return "async-draining"
	case StateClosed:
		return "closed"
	case StateBroken:
		return "broken"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one connection to the engine with its own dedicated
// server-side worker thread. A session is a single-owner, half-duplex
// request/response channel: it is not safe for concurrent use. A Run
// or RunAsync started while another query is outstanding fails with
// InvalidState rather than queueing; Poll and Cancel are not guarded
// this way, so concurrent calls to them are not detected. Sessions on
// the same engine are
// independent and may run in parallel.
type Session struct {
	id     string
	engine *Engine // non-owning back-link, anchors the child's lifetime
	stream transport.Stream
	reader *bufio.Reader
	log    *slog.Logger

	mu      sync.Mutex
	state   State
	findAll bool // mode of the running async query

	// Protocol version reported by the engine during the handshake,
	// zero for engines that predate version reporting.
	versionMajor int
	versionMinor int
}

// frameResult carries a blocking read's outcome to the waiting caller.
type frameResult struct {
	payload string
	err     error
}

// newSession wraps a connected stream and performs the password
// handshake. On failure the stream is closed.
func newSession(engine *Engine, stream transport.Stream, password string) (*Session, error) {
	s := &Session{
		id:     uuid.NewString(),
		engine: engine,
		stream: stream,
		reader: bufio.NewReader(stream),
		state:  StateHandshaking,
	}
	s.log = logger.WithSession(s.id)

	if err := s.handshake(password); err != nil {
		stream.Close()
		return nil, err
	}
	return s, nil
}

// ID returns the session's client-side identifier (used in logs).
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion returns the MQI protocol version the engine reported
// during the handshake, or 0.0 for engines that predate reporting.
func (s *Session) ProtocolVersion() (major, minor int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionMajor, s.versionMinor
}

// handshake sends the shared secret and validates the engine's first
// reply, which is true([[threads(Comm, Goal), version(Major, Minor)]])
// on modern engines (older ones send a bare true([[]])). The thread
// identifiers are informational and discarded; the version is recorded.
// Anything other than a true reply is an authentication failure.
func (s *Session) handshake(password string) error {
	if err := s.writeFrame("handshake", password); err != nil {
		return err
	}

	raw, err := s.readRawTerm(context.Background(), "handshake", handshakeTimeout)
	if err != nil {
		return err
	}
	if _, ok := raw.Match("true", 1); !ok {
		s.setState(StateBroken)
		s.log.Warn("handshake rejected", "reply", raw.Functor)
		return errKind("handshake", AuthenticationFailed)
	}

	_, _, major, minor := parseHandshakeTerm(raw)
	s.mu.Lock()
	s.versionMajor, s.versionMinor = major, minor
	s.mu.Unlock()

	s.setState(StateIdle)
	s.log.Debug("handshake complete", "versionMajor", major, "versionMinor", minor)
	return nil
}

// Run executes a goal synchronously and waits for all of its solutions,
// like findall/3. Heartbeats emitted while the query runs are absorbed
// by the frame decoder. The timeout is enforced by the engine; the
// client adds a read deadline with heartbeat slack on top of it.
func (s *Session) Run(ctx context.Context, goal string, timeout Timeout) (QueryResult, error) {
	if err := s.beginRequest("run", StateSyncPending); err != nil {
		return QueryResult{}, err
	}

	command := fmt.Sprintf("run((%s), %s).", cleanGoal(goal), timeout.Wire())
	if err := s.writeFrame("run", command); err != nil {
		s.endRequest(StateBroken)
		return QueryResult{}, err
	}

	deadline := time.Duration(0)
	if slack, ok := timeout.readSlack(); ok {
		deadline = slack
	}
	reply, err := s.readReply(ctx, "run", deadline)
	if err != nil {
		s.endRequest(StateBroken)
		return QueryResult{}, err
	}

	switch reply.kind {
	case replyTrue:
		s.endRequest(StateIdle)
		return QueryResult{Solutions: reply.solutions}, nil
	case replyFalse:
		s.endRequest(StateIdle)
		return QueryResult{Failed: true}, nil
	default:
		return QueryResult{}, s.exceptionError("run", reply, StateIdle)
	}
}

// RunAsync starts a goal asynchronously. The engine acknowledges the
// start immediately; results are retrieved with Poll. With findAll set
// the engine runs the goal to completion and delivers every solution in
// one batch; otherwise solutions arrive one at a time.
func (s *Session) RunAsync(ctx context.Context, goal string, timeout Timeout, findAll bool) error {
	if err := s.beginRequest("run_async", StateAsyncRunning); err != nil {
		return err
	}

	command := fmt.Sprintf("run_async((%s), %s, %t).", cleanGoal(goal), timeout.Wire(), findAll)
	if err := s.writeFrame("run_async", command); err != nil {
		s.endRequest(StateBroken)
		return err
	}

	// The ack is prompt — the engine does not wait for the query.
	reply, err := s.readReply(ctx, "run_async", handshakeTimeout)
	if err != nil {
		s.endRequest(StateBroken)
		return err
	}

	switch reply.kind {
	case replyTrue:
		s.mu.Lock()
		s.findAll = findAll
		s.state = StateAsyncRunning
		s.mu.Unlock()
		return nil
	case replyException:
		// A goal that does not parse is rejected at start.
		return s.exceptionError("run_async", reply, StateIdle)
	default:
		s.endRequest(StateBroken)
		return errKind("run_async", ProtocolViolation)
	}
}

// Poll retrieves the next result of an asynchronous query, waiting up
// to wait. NoTimeout blocks until a result exists; Seconds(0) returns
// immediately. Solutions are delivered in the exact order the engine
// produced them. A PollNotReady outcome leaves the query running; a
// PollNoMore outcome (or a terminal error) returns the session to Idle.
func (s *Session) Poll(ctx context.Context, wait Timeout) (PollResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed, StateBroken:
		s.mu.Unlock()
		return PollResult{}, errKind("poll", SessionUnavailable)
	case StateIdle, StateAsyncRunning, StateAsyncDraining:
		// Idle is allowed: the engine answers no_query.
	default:
		s.mu.Unlock()
		return PollResult{}, errKind("poll", InvalidState)
	}
	findAll := s.findAll
	s.mu.Unlock()

	command := fmt.Sprintf("async_result(%s).", wait.Wire())
	if err := s.writeFrame("poll", command); err != nil {
		return PollResult{}, err
	}

	deadline := time.Duration(0)
	if slack, ok := wait.readSlack(); ok {
		deadline = slack
	}
	reply, err := s.readReply(ctx, "poll", deadline)
	if err != nil {
		return PollResult{}, err
	}

	switch reply.kind {
	case replyTrue:
		// One answer in one-at-a-time mode keeps the query running;
		// a find-all batch means only the terminal exception remains.
		if findAll {
			s.setState(StateAsyncDraining)
		}
		return PollResult{Kind: PollSolutions, Solutions: reply.solutions}, nil

	case replyFalse:
		s.setState(StateAsyncDraining)
		return PollResult{Kind: PollFailed}, nil

	default:
		name, _ := reply.exceptionAtom()
		switch name {
		case "result_not_available":
			// Not ready yet; the query keeps running.
			return PollResult{Kind: PollNotReady}, nil
		case "no_more_results":
			s.setState(StateIdle)
			return PollResult{Kind: PollNoMore}, nil
		case "no_query":
			return PollResult{}, errKind("poll", NoQuery)
		default:
			return PollResult{}, s.exceptionError("poll", reply, StateIdle)
		}
	}
}

// Cancel asks the engine to abort the running asynchronous query by
// injecting an exception into it. Cancellation is cooperative: the
// outcome is observed through subsequent Poll calls, which eventually
// return a Cancelled (or other terminal) error. Cancel itself does not
// change the session state.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed, StateBroken:
		s.mu.Unlock()
		return errKind("cancel", SessionUnavailable)
	case StateIdle, StateAsyncRunning, StateAsyncDraining:
	default:
		s.mu.Unlock()
		return errKind("cancel", InvalidState)
	}
	s.mu.Unlock()

	if err := s.writeFrame("cancel", "cancel_async."); err != nil {
		return err
	}
	reply, err := s.readReply(ctx, "cancel", handshakeTimeout)
	if err != nil {
		return err
	}

	switch reply.kind {
	case replyTrue:
		return nil
	case replyException:
		if name, _ := reply.exceptionAtom(); name == "no_query" {
			return errKind("cancel", NoQuery)
		}
		return s.exceptionError("cancel", reply, StateIdle)
	default:
		s.setState(StateBroken)
		return errKind("cancel", ProtocolViolation)
	}
}

// Close ends the session. The engine aborts any running query and
// tears down the session's worker thread; the engine process itself
// stays up. Close never fails on an already-broken transport — scope
// exit is silent — and is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateBroken:
		s.state = StateClosed
		s.mu.Unlock()
		s.stream.Close()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	// Best effort: tell the engine, wait briefly for the ack, then
	// release the transport either way.
	if err := protocol.WriteFrame(s.stream, "close."); err == nil {
		s.stream.SetReadDeadline(time.Now().Add(closeAckTimeout))
		if _, err := protocol.ReadFrame(s.reader); err != nil {
			s.log.Debug("no close acknowledgment", "error", err)
		}
	}
	err := s.stream.Close()
	s.log.Debug("session closed")
	if err != nil {
		return errWrap("close", TransportError, err)
	}
	return nil
}

// beginRequest validates that a new query may start and moves the
// session into pending. Requests never queue: a second request while
// one is outstanding is an InvalidState error.
func (s *Session) beginRequest(op string, pending State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		s.state = pending
		return nil
	case StateClosed, StateBroken:
		return errKind(op, SessionUnavailable)
	default:
		return errKind(op, InvalidState)
	}
}

// endRequest moves the session out of pending.
func (s *Session) endRequest(next State) {
	s.setState(next)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Broken and Closed are terminal.
	if s.state == StateBroken || s.state == StateClosed {
		return
	}
	s.state = next
}

// exceptionError maps a decoded exception reply onto the error kinds
// the host sees, applying the documented state transition. Recoverable
// kinds (timeouts, host exceptions) move to next; connection_failed
// breaks the session.
func (s *Session) exceptionError(op string, reply engineReply, next State) error {
	name, _ := reply.exceptionAtom()
	switch name {
	case "time_limit_exceeded":
		s.setState(next)
		return errKind(op, TimeoutExceeded)
	case "connection_failed":
		s.setState(StateBroken)
		return errKind(op, TransportError)
	case "cancel_goal":
		s.setState(next)
		return errKind(op, Cancelled)
	case "no_query":
		s.setState(next)
		return errKind(op, NoQuery)
	case "no_more_results":
		s.setState(next)
		return errKind(op, NoMoreResults)
	default:
		s.setState(next)
		return errException(op, reply.exception)
	}
}

// writeFrame sends one framed payload. A write failure breaks the
// session: the frame may have been partially transmitted and the
// request/response pairing can no longer be trusted.
func (s *Session) writeFrame(op, payload string) error {
	s.stream.SetWriteDeadline(time.Now().Add(closeAckTimeout + heartbeatInterval))
	if err := protocol.WriteFrame(s.stream, payload); err != nil {
		s.setState(StateBroken)
		s.log.Warn("write failed", "op", op, "error", err)
		return errWrap(op, TransportError, err)
	}
	return nil
}

// readRawTerm reads one reply frame and decodes its JSON payload into
// a term. timeout zero means no read deadline (the caller is waiting on
// an unlimited query and relies on heartbeats plus ctx for liveness).
// The blocking read runs in its own goroutine so a cancelled ctx can
// abort it; an aborted read breaks the session because a half-read
// frame cannot be resynchronized.
func (s *Session) readRawTerm(ctx context.Context, op string, timeout time.Duration) (term.Term, error) {
	if timeout > 0 {
		s.stream.SetReadDeadline(time.Now().Add(timeout))
	} else {
		s.stream.SetReadDeadline(time.Time{})
	}

	resultCh := make(chan frameResult, 1)
	go func() {
		payload, err := protocol.ReadFrame(s.reader)
		// Buffered channel: the send succeeds even if the waiter left
		// after a ctx cancel, so the goroutine never leaks.
		resultCh <- frameResult{payload: payload, err: err}
	}()

	var res frameResult
	select {
	case <-ctx.Done():
		// Force the pending read to fail, then reap it.
		s.stream.SetReadDeadline(time.Now())
		<-resultCh
		s.setState(StateBroken)
		s.log.Warn("read aborted by host", "op", op)
		return term.Term{}, errWrap(op, TransportError, ctx.Err())
	case res = <-resultCh:
	}

	if res.err != nil {
		s.setState(StateBroken)
		s.log.Warn("read failed", "op", op, "error", res.err)
		if errors.Is(res.err, protocol.ErrMalformedFrame) {
			return term.Term{}, errWrap(op, MalformedFrame, res.err)
		}
		return term.Term{}, errWrap(op, TransportError, res.err)
	}

	t, err := term.DecodeJSON([]byte(res.payload))
	if err != nil {
		s.setState(StateBroken)
		s.log.Warn("undecodable reply", "op", op, "error", err)
		return term.Term{}, errWrap(op, ProtocolViolation, err)
	}
	return t, nil
}

// readReply reads one reply frame and classifies it as true, false, or
// exception. A parseable frame whose payload does not follow the
// protocol breaks the session.
func (s *Session) readReply(ctx context.Context, op string, timeout time.Duration) (engineReply, error) {
	raw, err := s.readRawTerm(ctx, op, timeout)
	if err != nil {
		return engineReply{}, err
	}

	reply, err := classifyReply(raw)
	if err != nil {
		s.setState(StateBroken)
		s.log.Warn("unparseable reply", "op", op, "error", err)
		return engineReply{}, errWrap(op, ProtocolViolation, err)
	}
	return reply, nil
}

// cleanGoal trims whitespace and the goal-terminating period a caller
// may have included out of habit; the command syntax adds its own.
func cleanGoal(goal string) string {
	goal = strings.TrimSpace(goal)
	goal = strings.TrimSuffix(goal, ".")
	return strings.TrimSpace(goal)
}

// parseHandshakeTerm pulls the optional threads/2 and version/2 info
// out of a raw handshake reply term. Exposed for the engine's control
// session and for tests.
func parseHandshakeTerm(t term.Term) (commThread, goalThread string, major, minor int) {
	args, ok := t.Match("true", 1)
	if !ok {
		return
	}
	answers, ok := args[0].ListItems()
	if !ok || len(answers) == 0 {
		return
	}
	items, ok := answers[0].ListItems()
	if !ok {
		return
	}
	for _, item := range items {
		if ta, ok := item.Match("threads", 2); ok {
			if name, ok := ta[0].Name(); ok {
				commThread = name
			}
			if name, ok := ta[1].Name(); ok {
				goalThread = name
			}
		}
		if va, ok := item.Match("version", 2); ok {
			if v, ok := va[0].Int64(); ok {
				major = int(v)
			}
			if v, ok := va[1].Int64(); ok {
				minor = int(v)
			}
		}
	}
	return
}
