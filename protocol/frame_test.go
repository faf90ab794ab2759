package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{
			name:    "simple goal",
			payload: "run(true, -1).",
			want:    "16.\nrun(true, -1)..\n",
		},
		{
			name:    "empty payload",
			payload: "",
			want:    "2.\n.\n",
		},
		{
			name:    "multibyte utf8 counted in bytes",
			payload: "atom('héllo')",
			want:    "16.\natom('héllo').\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(Encode(tt.payload))
			if got != tt.want {
				t.Errorf("Encode(%q) = %q, want %q", tt.payload, got, tt.want)
			}
		})
	}
}

func TestEncodeLengthCountsTerminator(t *testing.T) {
	payload := "member(X,[1,2,3])"
	enc := Encode(payload)

	// The decimal prefix must equal len(payload + ".\n").
	idx := bytes.Index(enc, []byte(".\n"))
	if idx < 0 {
		t.Fatalf("no length terminator in %q", enc)
	}
	want := fmt.Sprintf("%d", len(payload)+2)
	if string(enc[:idx]) != want {
		t.Errorf("length prefix = %q, want %q", enc[:idx], want)
	}
}

func TestReadFrameRoundTrip(t *testing.T) {
	payloads := []string{
		"run(member(X,[1,2,3]), -1).",
		"",
		"true([[]])",
		"atom with spaces and . periods .",
		"日本語のペイロード",
	}

	for _, payload := range payloads {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("WriteFrame(%q) failed: %v", payload, err)
		}
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame after WriteFrame(%q) failed: %v", payload, err)
		}
		if got != payload {
			t.Errorf("round trip = %q, want %q", got, payload)
		}
	}
}

func TestReadFrameAbsorbsHeartbeats(t *testing.T) {
	tests := []struct {
		name  string
		wire  string
		want  []string
	}{
		{
			name: "heartbeats before frame",
			wire: "..." + string(Encode("false")),
			want: []string{"false"},
		},
		{
			name: "heartbeats between frames",
			wire: string(Encode("one")) + "....." + string(Encode("two")),
			want: []string{"one", "two"},
		},
		{
			name: "single heartbeat then frame",
			wire: "." + string(Encode("true([[]])")),
			want: []string{"true([[]])"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := strings.NewReader(tt.wire)
			for i, want := range tt.want {
				got, err := ReadFrame(r)
				if err != nil {
					t.Fatalf("frame %d: ReadFrame failed: %v", i, err)
				}
				if got != want {
					t.Errorf("frame %d = %q, want %q", i, got, want)
				}
			}
			// No spurious frames after the stream is drained.
			if _, err := ReadFrame(r); !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("trailing read error = %v, want ErrConnectionClosed", err)
			}
		})
	}
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		wire string
		want error
	}{
		{
			name: "garbage before length",
			wire: "x12.\nhi.\n",
			want: ErrMalformedFrame,
		},
		{
			name: "garbage inside length",
			wire: "1x2.\nhi.\n",
			want: ErrMalformedFrame,
		},
		{
			name: "length without newline",
			wire: "4.xab.\n",
			want: ErrMalformedFrame,
		},
		{
			name: "truncated payload",
			wire: "10.\nabc",
			want: ErrConnectionClosed,
		},
		{
			name: "payload missing terminator",
			wire: "4.\nabcd",
			want: ErrMalformedFrame,
		},
		{
			name: "length shorter than terminator",
			wire: "1.\nx",
			want: ErrMalformedFrame,
		},
		{
			name: "invalid utf8 payload",
			wire: "5.\n\xff\xfe\xfd.\n",
			want: ErrMalformedFrame,
		},
		{
			name: "empty stream",
			wire: "",
			want: ErrConnectionClosed,
		},
		{
			name: "only heartbeats",
			wire: "....",
			want: ErrConnectionClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(strings.NewReader(tt.wire))
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadFrame(%q) error = %v, want %v", tt.wire, err, tt.want)
			}
		})
	}
}
