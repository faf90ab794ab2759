package mqi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	execpkg "github.com/zhubert/prolog-mqi/exec"
	"github.com/zhubert/prolog-mqi/logger"
	"github.com/zhubert/prolog-mqi/paths"
	"github.com/zhubert/prolog-mqi/transport"
)

// shutdownGrace is how long each stage of termination (quit, then the
// terminate signal) is given before escalating.
const shutdownGrace = 2 * time.Second

// startupGoal starts the MQI inside the engine and halts on any
// startup error, after writing the connection values to stdout.
const startupGoal = "mqi_start"

// endpoint describes where a launched or attached engine listens.
type endpoint struct {
	port     int    // TCP loopback port, 0 when using a socket path
	unixPath string // Unix domain socket path, empty for TCP
}

func (e endpoint) String() string {
	if e.unixPath != "" {
		return e.unixPath
	}
	return fmt.Sprintf("127.0.0.1:%d", e.port)
}

// Engine owns one logic-engine child process and the connection details
// sessions need to reach it. It is safe to share across goroutines:
// sessions are opened against it concurrently and it serializes its own
// lifecycle transitions.
//
// An Engine must be released with Close (safe under defer, idempotent,
// panic-tolerant). Close guarantees the child is not left running on
// any exit path of the host.
type Engine struct {
	id       string
	opts     Options
	endpoint endpoint
	password string
	log      *slog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	closed     bool
	ownsSocket bool // we generated the socket path, so we unlink it

	// waitDone is closed when cmd.Wait() returns. The reaper goroutine
	// started by launch is the sole caller of Wait; Close coordinates
	// through this channel.
	waitDone chan struct{}

	// wg tracks the output drain and exit monitor goroutines.
	wg sync.WaitGroup
}

// Launch starts the engine child process, reads the connection values
// it writes to stdout, and returns a handle that owns it. The child is
// killed before Launch returns an error on any failure path.
func Launch(opts Options) (*Engine, error) {
	return launch(opts, execpkg.GetDefaultExecutor())
}

// launch is Launch with an injectable executor for discovery.
func launch(opts Options, executor execpkg.CommandExecutor) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	exePath, err := discoverEngine(opts, executor)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:       uuid.NewString(),
		opts:     opts,
		password: opts.Password,
	}
	e.log = logger.WithComponent("engine").With("engineID", e.id)
	if e.password == "" {
		e.password = uuid.NewString()
	}

	if opts.wantsUnixSocket() {
		path := opts.UnixSocketPath
		if path == "" {
			generated, err := generateSocketPath()
			if err != nil {
				return nil, errWrap("launch", LaunchFailed, err)
			}
			path = generated
			e.ownsSocket = true
		}
		e.endpoint = endpoint{unixPath: path}
	} else {
		e.endpoint = endpoint{port: opts.Port}
	}

	args := BuildEngineArgs(opts, e.password, e.endpoint.unixPath)
	e.log.Debug("starting engine", "command", exePath+" "+strings.Join(args, " "))

	cmd := exec.Command(exePath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errWrap("launch", LaunchFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, errWrap("launch", LaunchFailed, err)
	}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		e.log.Error("failed to start engine", "error", err)
		return nil, errWrap("launch", LaunchFailed, err)
	}
	e.cmd = cmd
	e.waitDone = make(chan struct{})
	e.log.Info("engine started", "pid", cmd.Process.Pid, "elapsed", time.Since(startTime))

	// Reap the child exactly once, whatever happens next. Closing
	// waitDone lets the handshake reader notice an early exit.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		cmd.Wait()
		close(e.waitDone)
	}()

	stdoutReader := bufio.NewReader(stdout)
	hs, err := readHandshake(stdoutReader, opts.startupTimeout(), e.waitDone)
	if err != nil {
		e.log.Error("engine handshake failed", "error", err)
		cmd.Process.Kill()
		e.wg.Wait()
		e.removeSocketFile()
		return nil, errWrap("launch", LaunchFailed, err)
	}

	if err := e.applyHandshake(hs); err != nil {
		cmd.Process.Kill()
		e.wg.Wait()
		e.removeSocketFile()
		return nil, err
	}

	// Keep draining both pipes for the life of the child, tagging each
	// line with its stream of origin.
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.drainOutput(stdoutReader, "stdout")
	}()
	go func() {
		defer e.wg.Done()
		e.drainOutput(bufio.NewReader(stderr), "stderr")
	}()

	e.log.Info("engine ready", "endpoint", e.endpoint.String())
	return e, nil
}

// Connect attaches to an MQI server that is already running in
// standalone mode. The returned Engine does not own a child process:
// Close releases nothing besides refusing new sessions, and Shutdown
// does the same: neither stops the remote server.
func Connect(opts Options) (*Engine, error) {
	if err := opts.validateStandalone(); err != nil {
		return nil, err
	}
	e := &Engine{
		id:       uuid.NewString(),
		opts:     opts,
		password: opts.Password,
	}
	e.log = logger.WithComponent("engine").With("engineID", e.id, "standalone", true)
	if opts.UnixSocketPath != "" {
		e.endpoint = endpoint{unixPath: opts.UnixSocketPath}
	} else {
		e.endpoint = endpoint{port: opts.Port}
	}
	e.log.Info("attached to running engine", "endpoint", e.endpoint.String())
	return e, nil
}

// ID returns the engine handle's identifier (used in logs).
func (e *Engine) ID() string {
	return e.id
}

// Pid returns the child's process id, or 0 for a standalone attachment.
func (e *Engine) Pid() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.cmd.Process == nil {
		return 0
	}
	return e.cmd.Process.Pid
}

// OpenSession connects a new session to the engine and performs the
// password handshake. Sessions are independent: each gets its own
// server-side worker thread and they may run queries in parallel.
func (e *Engine) OpenSession() (*Session, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errKind("open_session", SessionUnavailable)
	}

	stream, err := e.dial()
	if err != nil {
		return nil, err
	}
	return newSession(e, stream, e.password)
}

// dial opens a byte stream to the engine's endpoint.
func (e *Engine) dial() (transport.Stream, error) {
	if e.endpoint.unixPath != "" {
		stream, err := transport.DialUnix(e.endpoint.unixPath)
		if err != nil {
			return nil, errWrap("open_session", TransportError, err)
		}
		return stream, nil
	}
	stream, err := transport.DialTCP(e.endpoint.port)
	if err != nil {
		return nil, errWrap("open_session", TransportError, err)
	}
	return stream, nil
}

// Shutdown asks the engine to exit through a dedicated control session
// and waits for the child. It falls back to signals when the engine is
// unreachable. Safe to call instead of, or before, Close.
func (e *Engine) Shutdown() error {
	return e.stop(false)
}

// Close releases the engine handle: terminates the child (gracefully
// first, then forcefully), and removes the Unix socket file if this
// process created it. Idempotent; always safe under defer.
func (e *Engine) Close() error {
	return e.stop(true)
}

// stop implements both shutdown paths. quiet suppresses errors from
// the graceful attempt; Close never fails because the engine was
// already gone.
func (e *Engine) stop(quiet bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cmd := e.cmd
	waitDone := e.waitDone
	e.mu.Unlock()

	defer e.removeSocketFile()

	if cmd == nil {
		// Standalone attachment: nothing to terminate.
		return nil
	}

	// Graceful: ask the engine to exit over a throw-away control
	// session, then wait for the child to go away on its own.
	gracefulErr := e.sendQuit()
	if gracefulErr == nil {
		select {
		case <-waitDone:
			e.log.Info("engine exited after quit")
			e.wg.Wait()
			return nil
		case <-time.After(shutdownGrace):
			e.log.Warn("engine ignored quit, signaling")
		}
	} else {
		e.log.Warn("graceful shutdown unavailable", "error", gracefulErr)
	}

	// Signal, then kill.
	if err := terminateProcess(cmd.Process); err != nil {
		e.log.Debug("terminate signal failed", "error", err)
	}
	select {
	case <-waitDone:
		e.log.Info("engine exited after signal")
		e.wg.Wait()
		return nil
	case <-time.After(shutdownGrace):
	}

	e.log.Warn("killing engine")
	cmd.Process.Kill()
	<-waitDone
	e.wg.Wait()

	if quiet || gracefulErr == nil {
		return nil
	}
	return errWrap("shutdown", TransportError, gracefulErr)
}

// sendQuit opens a control session and issues the quit command,
// expecting the bare acknowledgment before the engine halts.
func (e *Engine) sendQuit() error {
	stream, err := e.dial()
	if err != nil {
		return err
	}
	session, err := newSession(e, stream, e.password)
	if err != nil {
		return err
	}
	defer session.stream.Close()

	if err := session.writeFrame("quit", "quit."); err != nil {
		return err
	}
	reply, err := session.readReply(context.Background(), "quit", shutdownGrace)
	if err != nil {
		return err
	}
	if reply.kind != replyTrue || !isAck(reply.solutions) {
		return fmt.Errorf("unexpected quit reply")
	}
	e.log.Debug("engine acknowledged quit")
	return nil
}

// removeSocketFile unlinks a generated Unix socket file. Pinned socket
// paths belong to the caller and are left alone.
func (e *Engine) removeSocketFile() {
	e.mu.Lock()
	owns := e.ownsSocket
	path := e.endpoint.unixPath
	e.mu.Unlock()
	if !owns || path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.log.Debug("socket file cleanup failed", "path", path, "error", err)
	}
}

// applyHandshake records the endpoint and secret the child reported.
// The engine echoes the effective values, which matter when it chose
// the port itself.
func (e *Engine) applyHandshake(hs handshake) error {
	if e.endpoint.unixPath != "" {
		// Socket path was chosen by us; the engine echoes it back.
		if hs.endpoint != e.endpoint.unixPath {
			e.log.Debug("engine reported socket path", "path", hs.endpoint)
			e.endpoint.unixPath = hs.endpoint
		}
	} else {
		port, err := strconv.Atoi(hs.endpoint)
		if err != nil || port <= 0 || port > 65535 {
			return errWrap("launch", LaunchFailed,
				fmt.Errorf("engine reported invalid port %q", hs.endpoint))
		}
		e.endpoint.port = port
	}
	e.password = hs.password
	return nil
}

// drainOutput logs every remaining line of a child pipe, tagged with
// its stream of origin so interleaving stays attributable.
func (e *Engine) drainOutput(r *bufio.Reader, stream string) {
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			e.log.Debug("engine output", "stream", stream, "line", line)
		}
		if err != nil {
			if err != io.EOF {
				e.log.Debug("engine output read error", "stream", stream, "error", err)
			}
			return
		}
	}
}

// handshake is the connection information the engine prints on stdout.
type handshake struct {
	endpoint string // decimal port, or socket path for UDS
	password string
}

// handshakeResult carries the collected connection values (or the
// failure) to the deadline selector.
type handshakeResult struct {
	hs  handshake
	err error
}

// readHandshake consumes the child's stdout until two non-empty lines
// arrive: the endpoint and the secret. It fails when the startup
// window elapses or the child exits first. The collector goroutine
// stops reading once it has both lines, so the caller may hand the
// reader to another goroutine afterwards; on failure the caller kills
// the child, which closes the pipe and unblocks the collector.
func readHandshake(r *bufio.Reader, window time.Duration, exited <-chan struct{}) (handshake, error) {
	resultCh := make(chan handshakeResult, 1)
	go func() {
		var fields []string
		for len(fields) < 2 {
			line, err := r.ReadString('\n')
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				fields = append(fields, trimmed)
			}
			if err != nil {
				resultCh <- handshakeResult{err: fmt.Errorf("engine output ended before connection values were complete: %w", err)}
				return
			}
		}
		resultCh <- handshakeResult{hs: handshake{endpoint: fields[0], password: fields[1]}}
	}()

	select {
	case res := <-resultCh:
		return res.hs, res.err
	case <-time.After(window):
		return handshake{}, fmt.Errorf("engine did not report connection values within %s", window)
	case <-exited:
		return handshake{}, fmt.Errorf("engine exited before reporting connection values")
	}
}

// BuildEngineArgs builds the command line for the engine based on the
// options. Exported for testing purposes to verify correct argument
// construction.
func BuildEngineArgs(opts Options, password, unixSocketPath string) []string {
	var args []string
	args = append(args, opts.EngineArgs...)
	if extra := os.Getenv("PROLOG_ARGS"); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}

	args = append(args,
		"--quiet",
		"-g", startupGoal,
		"-t", "halt",
		"--",
		"--write_connection_values=true",
	)

	if opts.Port > 0 {
		args = append(args, fmt.Sprintf("--port=%d", opts.Port))
	}
	if password != "" {
		args = append(args, fmt.Sprintf("--password=%s", password))
	}
	if unixSocketPath != "" {
		args = append(args, fmt.Sprintf("--unix_domain_socket=%s", unixSocketPath))
	}
	if opts.QueryTimeout != nil {
		args = append(args, fmt.Sprintf("--query_timeout=%g", *opts.QueryTimeout))
	}
	if opts.PendingConnections > 0 {
		args = append(args, fmt.Sprintf("--pending_connections=%d", opts.PendingConnections))
	}
	if opts.OutputFileName != "" {
		args = append(args, fmt.Sprintf("--write_output_to_file=%s", opts.OutputFileName))
	}
	if opts.Traces != "" {
		args = append(args, fmt.Sprintf("--mqi_traces=%s", opts.Traces))
	}

	return args
}

// discoverEngine locates the engine executable: an explicit option
// first, then the PROLOG_PATH environment variable, then "swipl" on
// PATH.
func discoverEngine(opts Options, executor execpkg.CommandExecutor) (string, error) {
	if opts.EnginePath != "" {
		return opts.EnginePath, nil
	}
	if env := os.Getenv("PROLOG_PATH"); env != "" {
		return env, nil
	}
	path, err := executor.LookPath("swipl")
	if err != nil {
		return "", errWrap("launch", LaunchFailed,
			fmt.Errorf("no engine executable found: set EnginePath, PROLOG_PATH, or install swipl: %w", err))
	}
	return path, nil
}

// EngineVersion probes the discovered engine executable and returns
// its version banner. Useful for diagnostics before launching.
func EngineVersion(ctx context.Context, opts Options) (string, error) {
	executor := execpkg.GetDefaultExecutor()
	exePath, err := discoverEngine(opts, executor)
	if err != nil {
		return "", err
	}
	out, err := executor.Output(ctx, "", exePath, "--version")
	if err != nil {
		return "", errWrap("version", LaunchFailed, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// generateSocketPath creates a fresh, collision-free socket path in a
// user-private directory. The engine creates the socket file itself;
// the path just has to be short enough for sockaddr_un.
func generateSocketPath() (string, error) {
	dir, err := paths.SocketDir()
	if err != nil {
		return "", err
	}
	// Socket paths have a ~100 byte OS limit; keep the name tight.
	name := fmt.Sprintf("mqi-%s.sock", uuid.NewString()[:8])
	return filepath.Join(dir, name), nil
}
