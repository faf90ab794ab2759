package mqi

import (
	"bufio"
	"strings"
	"testing"
	"time"

	execpkg "github.com/zhubert/prolog-mqi/exec"
)

func TestBuildEngineArgs(t *testing.T) {
	timeout := 30.0
	tests := []struct {
		name     string
		opts     Options
		password string
		unixPath string
		want     []string
	}{
		{
			name:     "defaults",
			opts:     Options{},
			password: "pw",
			want: []string{
				"--quiet", "-g", "mqi_start", "-t", "halt", "--",
				"--write_connection_values=true",
				"--password=pw",
			},
		},
		{
			name:     "pinned port",
			opts:     Options{Port: 4242},
			password: "pw",
			want: []string{
				"--quiet", "-g", "mqi_start", "-t", "halt", "--",
				"--write_connection_values=true",
				"--port=4242",
				"--password=pw",
			},
		},
		{
			name:     "unix socket",
			opts:     Options{UseUnixSocket: true},
			password: "pw",
			unixPath: "/tmp/mqi-ab.sock",
			want: []string{
				"--quiet", "-g", "mqi_start", "-t", "halt", "--",
				"--write_connection_values=true",
				"--password=pw",
				"--unix_domain_socket=/tmp/mqi-ab.sock",
			},
		},
		{
			name: "all engine flags",
			opts: Options{
				Port:               8000,
				QueryTimeout:       &timeout,
				PendingConnections: 8,
				OutputFileName:     "/tmp/engine.out",
				Traces:             "protocol",
			},
			password: "s3cret",
			want: []string{
				"--quiet", "-g", "mqi_start", "-t", "halt", "--",
				"--write_connection_values=true",
				"--port=8000",
				"--password=s3cret",
				"--query_timeout=30",
				"--pending_connections=8",
				"--write_output_to_file=/tmp/engine.out",
				"--mqi_traces=protocol",
			},
		},
		{
			name:     "extra engine args lead",
			opts:     Options{EngineArgs: []string{"-O"}},
			password: "pw",
			want: []string{
				"-O",
				"--quiet", "-g", "mqi_start", "-t", "halt", "--",
				"--write_connection_values=true",
				"--password=pw",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PROLOG_ARGS", "")
			got := BuildEngineArgs(tt.opts, tt.password, tt.unixPath)
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Errorf("BuildEngineArgs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildEngineArgsPrologArgsEnv(t *testing.T) {
	t.Setenv("PROLOG_ARGS", "--stack-limit=2g -O")

	got := BuildEngineArgs(Options{}, "pw", "")
	joined := strings.Join(got, " ")
	if !strings.HasPrefix(joined, "--stack-limit=2g -O --quiet") {
		t.Errorf("PROLOG_ARGS should lead the argument list, got %v", got)
	}
}

func TestDiscoverEngine(t *testing.T) {
	t.Run("explicit option wins", func(t *testing.T) {
		t.Setenv("PROLOG_PATH", "/env/swipl")
		mock := execpkg.NewMockExecutor()

		path, err := discoverEngine(Options{EnginePath: "/opt/swipl"}, mock)
		if err != nil {
			t.Fatalf("discoverEngine failed: %v", err)
		}
		if path != "/opt/swipl" {
			t.Errorf("path = %q, want /opt/swipl", path)
		}
	})

	t.Run("environment variable second", func(t *testing.T) {
		t.Setenv("PROLOG_PATH", "/env/swipl")
		mock := execpkg.NewMockExecutor()

		path, err := discoverEngine(Options{}, mock)
		if err != nil {
			t.Fatalf("discoverEngine failed: %v", err)
		}
		if path != "/env/swipl" {
			t.Errorf("path = %q, want /env/swipl", path)
		}
	})

	t.Run("PATH lookup last", func(t *testing.T) {
		t.Setenv("PROLOG_PATH", "")
		mock := execpkg.NewMockExecutor()
		mock.Paths["swipl"] = "/usr/bin/swipl"

		path, err := discoverEngine(Options{}, mock)
		if err != nil {
			t.Fatalf("discoverEngine failed: %v", err)
		}
		if path != "/usr/bin/swipl" {
			t.Errorf("path = %q, want /usr/bin/swipl", path)
		}
	})

	t.Run("nothing found", func(t *testing.T) {
		t.Setenv("PROLOG_PATH", "")
		mock := execpkg.NewMockExecutor()

		_, err := discoverEngine(Options{}, mock)
		if !IsKind(err, LaunchFailed) {
			t.Errorf("discoverEngine = %v, want LaunchFailed", err)
		}
	})
}

func TestReadHandshake(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantPoint  string
		wantSecret string
		wantErr    bool
	}{
		{
			name:       "port and password",
			output:     "43065\nbd26fdbd-2a2c-44fa-aa28-a9a8d58f0b53\n",
			wantPoint:  "43065",
			wantSecret: "bd26fdbd-2a2c-44fa-aa28-a9a8d58f0b53",
		},
		{
			name:       "blank lines skipped",
			output:     "\n\n43065\n\nsecret\n",
			wantPoint:  "43065",
			wantSecret: "secret",
		},
		{
			name:       "socket path endpoint",
			output:     "/run/user/1000/prolog-mqi/mqi-ab.sock\nsecret\n",
			wantPoint:  "/run/user/1000/prolog-mqi/mqi-ab.sock",
			wantSecret: "secret",
		},
		{
			name:    "output ends early",
			output:  "43065\n",
			wantErr: true,
		},
		{
			name:    "no output at all",
			output:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tt.output))
			hs, err := readHandshake(r, time.Second, make(chan struct{}))
			if tt.wantErr {
				if err == nil {
					t.Fatal("readHandshake succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("readHandshake failed: %v", err)
			}
			if hs.endpoint != tt.wantPoint || hs.password != tt.wantSecret {
				t.Errorf("handshake = %q, %q; want %q, %q", hs.endpoint, hs.password, tt.wantPoint, tt.wantSecret)
			}
		})
	}
}

func TestReadHandshakeTimesOut(t *testing.T) {
	// A reader that produces nothing and never closes.
	blocked := make(chan struct{})
	defer close(blocked)
	r := bufio.NewReader(blockingReader{unblock: blocked})

	start := time.Now()
	_, err := readHandshake(r, 50*time.Millisecond, make(chan struct{}))
	if err == nil {
		t.Fatal("readHandshake succeeded, want timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %s, want the startup window", elapsed)
	}
}

func TestReadHandshakeStopsOnExit(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	r := bufio.NewReader(blockingReader{unblock: blocked})

	exited := make(chan struct{})
	close(exited)

	_, err := readHandshake(r, time.Minute, exited)
	if err == nil {
		t.Fatal("readHandshake succeeded, want early-exit error")
	}
}

// blockingReader blocks every Read until unblock is closed.
type blockingReader struct {
	unblock <-chan struct{}
}

func (b blockingReader) Read(p []byte) (int, error) {
	<-b.unblock
	return 0, nil
}

func TestConnectRequiresEndpointAndPassword(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no endpoint", Options{Password: "pw"}},
		{"no password", Options{Port: 4242}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Connect(tt.opts); !IsKind(err, LaunchFailed) {
				t.Errorf("Connect = %v, want LaunchFailed", err)
			}
		})
	}
}

func TestLaunchRejectsPortWithUnixSocket(t *testing.T) {
	_, err := Launch(Options{Port: 4242, UseUnixSocket: true})
	if !IsKind(err, LaunchFailed) {
		t.Errorf("Launch = %v, want LaunchFailed", err)
	}
}

func TestTimeoutWire(t *testing.T) {
	tests := []struct {
		name string
		t    Timeout
		want string
	}{
		{"default token", DefaultTimeout, "_"},
		{"unlimited", NoTimeout, "-1"},
		{"seconds", Seconds(5), "5"},
		{"fractional seconds", Seconds(0.5), "0.5"},
		{"zero value means default", Timeout{}, "_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.t.Wire(); got != tt.want {
				t.Errorf("Wire() = %q, want %q", got, tt.want)
			}
		})
	}
}
