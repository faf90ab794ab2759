package mqi

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/prolog-mqi/protocol"
)

// mockEngine speaks the server side of the wire protocol over an
// in-process connection, so session tests exercise the real framing,
// handshake, and state machine without a running engine.
type mockEngine struct {
	t        *testing.T
	ln       net.Listener
	password string

	mu      sync.Mutex
	scripts []scriptStep

	// heartbeatsBefore injects this many heartbeat bytes before every
	// scripted reply, exercising mid-wait absorption.
	heartbeatsBefore int

	wg sync.WaitGroup
}

// scriptStep pairs an expected request payload with the reply to send.
// An empty expect accepts any request.
type scriptStep struct {
	expect string
	reply  string

	// delay postpones the reply, for exercising waits and timeouts.
	delay time.Duration

	// dropConnection closes the connection instead of replying.
	dropConnection bool

	// rawReply is written verbatim (unframed) when set, for
	// malformed-stream tests.
	rawReply string
}

// newMockEngine starts a loopback listener that serves one session at
// a time using the scripted replies.
func newMockEngine(t *testing.T, password string) *mockEngine {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mock engine listen failed: %v", err)
	}
	m := &mockEngine{t: t, ln: ln, password: password}
	m.wg.Add(1)
	go m.serve()
	t.Cleanup(m.stop)
	return m
}

func (m *mockEngine) port() int {
	return m.ln.Addr().(*net.TCPAddr).Port
}

func (m *mockEngine) stop() {
	m.ln.Close()
	m.wg.Wait()
}

// script appends steps to the reply script.
func (m *mockEngine) script(steps ...scriptStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, steps...)
}

// setHeartbeats makes the mock emit n heartbeat bytes before each
// scripted reply.
func (m *mockEngine) setHeartbeats(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatsBefore = n
}

// handshakeReply is the standard successful handshake payload.
const handshakeReply = `{"functor":"true","args":[[[{"functor":"threads","args":["comm1","goal1"]},{"functor":"version","args":[1,0]}]]]}`

// ackReply is the bare acknowledgment true([[]]).
const ackReply = `{"functor":"true","args":[[[]]]}`

func exceptionReply(kind string) string {
	return `{"functor":"exception","args":["` + kind + `"]}`
}

func (m *mockEngine) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.handleConn(conn)
	}
}

func (m *mockEngine) handleConn(conn net.Conn) {
	defer conn.Close()

	// Password handshake first.
	got, err := protocol.ReadFrame(conn)
	if err != nil {
		return
	}
	if got != m.password {
		protocol.WriteFrame(conn, exceptionReply("password_mismatch"))
		return
	}
	protocol.WriteFrame(conn, handshakeReply)

	for {
		got, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}

		m.mu.Lock()
		var step scriptStep
		if len(m.scripts) > 0 {
			step = m.scripts[0]
			m.scripts = m.scripts[1:]
		}
		heartbeats := m.heartbeatsBefore
		m.mu.Unlock()

		if step.expect != "" && got != step.expect {
			m.t.Errorf("mock engine got request %q, want %q", got, step.expect)
		}
		if step.delay > 0 {
			time.Sleep(step.delay)
		}
		if step.dropConnection {
			return
		}
		for i := 0; i < heartbeats; i++ {
			conn.Write([]byte("."))
		}
		if step.rawReply != "" {
			conn.Write([]byte(step.rawReply))
			continue
		}
		if step.reply == "" {
			// Unscripted request: acknowledge so close/quit complete.
			step.reply = ackReply
		}
		protocol.WriteFrame(conn, step.reply)
	}
}

// dialMock opens a session against the mock engine through the real
// facade path (standalone attachment).
func dialMock(t *testing.T, m *mockEngine) (*Engine, *Session) {
	t.Helper()
	engine, err := Connect(Options{Port: m.port(), Password: m.password})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	session, err := engine.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	t.Cleanup(func() {
		session.Close()
		engine.Close()
	})
	return engine, session
}
