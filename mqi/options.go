package mqi

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zhubert/prolog-mqi/config"
	"github.com/zhubert/prolog-mqi/transport"
)

// Options configures how an engine is launched (or, for Connect, how an
// already-running MQI server is reached). The zero value launches a
// discovered engine on a free loopback port with a generated password.
type Options struct {
	// EnginePath overrides discovery of the engine executable. When
	// empty, discovery tries the PROLOG_PATH environment variable and
	// then "swipl" on PATH.
	EnginePath string

	// EngineArgs are extra arguments placed before the MQI startup
	// goal, e.g. optimization flags. The PROLOG_ARGS environment
	// variable appends to these.
	EngineArgs []string

	// Port pins an explicit loopback port. Zero lets the engine pick a
	// free one.
	Port int

	// Password pins the shared secret. Empty generates one.
	Password string

	// UseUnixSocket selects Unix domain socket transport. Requires
	// platform support.
	UseUnixSocket bool

	// UnixSocketPath overrides the generated socket path. Implies
	// UseUnixSocket.
	UnixSocketPath string

	// QueryTimeout is the default per-query timeout the engine applies
	// when a query passes the default token. Nil keeps the engine's own
	// default; a negative value means unlimited.
	QueryTimeout *float64

	// PendingConnections is the maximum number of sessions the engine
	// will accept concurrently. Zero keeps the engine default.
	PendingConnections int

	// OutputFileName redirects engine stdout/stderr to this file. When
	// empty, output is captured and logged line by line.
	OutputFileName string

	// StartupTimeout bounds the wait for the engine's handshake output.
	// Zero means the 5 second default.
	StartupTimeout time.Duration

	// Traces enables engine-side MQI tracing output at the given level
	// (e.g. "protocol"). Empty disables tracing.
	Traces string
}

// DefaultStartupTimeout is how long Launch waits for the engine to
// write its connection values before giving up.
const DefaultStartupTimeout = 5 * time.Second

// startupTimeout returns the effective handshake window.
func (o *Options) startupTimeout() time.Duration {
	if o.StartupTimeout > 0 {
		return o.StartupTimeout
	}
	return DefaultStartupTimeout
}

// wantsUnixSocket reports whether either socket option selects UDS.
func (o *Options) wantsUnixSocket() bool {
	return o.UseUnixSocket || o.UnixSocketPath != ""
}

// validate rejects option combinations no launch could satisfy.
func (o *Options) validate() error {
	if o.wantsUnixSocket() {
		if !transport.UnixSocketsSupported() {
			return errWrap("launch", LaunchFailed,
				fmt.Errorf("unix domain sockets are not supported on this platform"))
		}
		if o.Port != 0 {
			return errWrap("launch", LaunchFailed,
				fmt.Errorf("cannot specify both a port and a unix domain socket"))
		}
	}
	if o.Port < 0 || o.Port > 65535 {
		return errWrap("launch", LaunchFailed, fmt.Errorf("invalid port %d", o.Port))
	}
	return nil
}

// validateStandalone checks the extra requirements of Connect: with no
// child to interrogate, the endpoint and secret must be explicit.
func (o *Options) validateStandalone() error {
	if o.Port == 0 && o.UnixSocketPath == "" {
		return errWrap("connect", LaunchFailed,
			fmt.Errorf("standalone mode requires a port or unix socket path"))
	}
	if o.Password == "" {
		return errWrap("connect", LaunchFailed,
			fmt.Errorf("standalone mode requires a password"))
	}
	return o.validate()
}

// ApplyDefaults fills unset fields from a loaded configuration file.
// Explicit fields always win. A nil Defaults is a no-op.
func (o *Options) ApplyDefaults(d *config.Defaults) {
	if d == nil {
		return
	}
	if o.EnginePath == "" {
		o.EnginePath = d.EnginePath
	}
	if len(o.EngineArgs) == 0 {
		o.EngineArgs = append([]string(nil), d.EngineArgs...)
	}
	if o.QueryTimeout == nil && d.QueryTimeoutSeconds != nil {
		v := *d.QueryTimeoutSeconds
		o.QueryTimeout = &v
	}
	if o.StartupTimeout == 0 && d.StartupTimeoutSeconds != nil {
		o.StartupTimeout = time.Duration(*d.StartupTimeoutSeconds * float64(time.Second))
	}
	if o.PendingConnections == 0 && d.PendingConnections != nil {
		o.PendingConnections = *d.PendingConnections
	}
	if !o.UseUnixSocket && d.UseUnixSocket != nil {
		o.UseUnixSocket = *d.UseUnixSocket
	}
	if o.OutputFileName == "" {
		o.OutputFileName = d.OutputFileName
	}
}

// Timeout is a per-query time limit in the form the wire protocol
// expects. The default token and the unlimited marker pass through
// unchanged; the engine treats them differently, so the client never
// normalizes one into the other.
type Timeout struct {
	wire string
}

// DefaultTimeout asks the engine to apply its configured default.
var DefaultTimeout = Timeout{wire: "_"}

// NoTimeout runs the query without a time limit.
var NoTimeout = Timeout{wire: "-1"}

// Seconds limits the query to the given number of seconds.
func Seconds(s float64) Timeout {
	return Timeout{wire: strconv.FormatFloat(s, 'g', -1, 64)}
}

// Wire returns the protocol token for this timeout.
func (t Timeout) Wire() string {
	if t.wire == "" {
		return "_"
	}
	return t.wire
}

// readSlack returns the read deadline the client allows on the socket
// before declaring the engine unresponsive: the query timeout plus a
// slack of two heartbeat intervals. The engine heartbeats every ~2
// seconds during long queries, so twice that is a comfortable margin.
// The second result is false for the default and unlimited tokens,
// which get no deadline.
func (t Timeout) readSlack() (time.Duration, bool) {
	w := t.Wire()
	if w == "_" || w == "-1" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(w, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs*float64(time.Second)) + 2*heartbeatInterval, true
}
