package testsupport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
)

// FakeGRBL emulates a GRBL controller on the far end of net.Pipe connections.
// Every Opener call gets a fresh connection sharing the same controller state.
type FakeGRBL struct {
	// Port is a host-side connection for tests that drive a streamer directly.
	Port net.Conn

	mu        sync.Mutex
	conns     []net.Conn
	received  []string
	resets    int
	polls     int
	replies   map[string]string
	busyPolls int
	silent    bool
	opened    int
}

// FakeGRBLOption customises the fake controller.
type FakeGRBLOption func(*FakeGRBL)

// WithReply makes the fake answer a specific command with reply instead of "ok".
func WithReply(command, reply string) FakeGRBLOption {
	return func(f *FakeGRBL) {
		f.replies[strings.ToUpper(command)] = reply
	}
}

// WithBusyPolls reports "Run" for the first n status queries before "Idle".
func WithBusyPolls(n int) FakeGRBLOption {
	return func(f *FakeGRBL) {
		f.busyPolls = n
	}
}

// WithSilence makes the fake swallow commands without acknowledging them.
func WithSilence() FakeGRBLOption {
	return func(f *FakeGRBL) {
		f.silent = true
	}
}

// NewFakeGRBL starts the fake controller and closes it when the test ends.
func NewFakeGRBL(t testing.TB, opts ...FakeGRBLOption) *FakeGRBL {
	t.Helper()

	f := &FakeGRBL{replies: map[string]string{}}
	for _, opt := range opts {
		opt(f)
	}
	f.Port = f.connect()
	t.Cleanup(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, conn := range f.conns {
			_ = conn.Close()
		}
	})
	return f
}

func (f *FakeGRBL) connect() net.Conn {
	host, device := net.Pipe()
	f.mu.Lock()
	f.conns = append(f.conns, host, device)
	f.mu.Unlock()
	go f.serve(device)
	return host
}

// Opener returns a grbl-compatible opener that hands out the fake port.
func (f *FakeGRBL) Opener() func(path string, baud int) (io.ReadWriteCloser, error) {
	return func(string, int) (io.ReadWriteCloser, error) {
		f.mu.Lock()
		f.opened++
		f.mu.Unlock()
		return f.connect(), nil
	}
}

// Received returns the commands the fake has seen, in order.
func (f *FakeGRBL) Received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	copy(out, f.received)
	return out
}

// Resets returns how many soft resets were received.
func (f *FakeGRBL) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// Opened returns how many times the port was handed out.
func (f *FakeGRBL) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *FakeGRBL) serve(device net.Conn) {
	reader := bufio.NewReader(device)
	var line strings.Builder
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case '?':
			f.reply(device, f.statusReport())
		case 0x18:
			f.mu.Lock()
			f.resets++
			f.mu.Unlock()
			f.reply(device, "Grbl 1.1h ['$' for help]")
		case '\r':
		case '\n':
			cmd := strings.TrimSpace(line.String())
			line.Reset()
			if cmd == "" {
				continue
			}
			f.mu.Lock()
			f.received = append(f.received, cmd)
			reply, scripted := f.replies[strings.ToUpper(cmd)]
			silent := f.silent
			f.mu.Unlock()
			if silent {
				continue
			}
			if !scripted {
				reply = "ok"
			}
			f.reply(device, reply)
		default:
			line.WriteByte(b)
		}
	}
}

func (f *FakeGRBL) statusReport() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	state := "Idle"
	if f.polls <= f.busyPolls {
		state = "Run"
	}
	return fmt.Sprintf("<%s|MPos:0.000,0.000,0.000|FS:0,0>", state)
}

func (f *FakeGRBL) reply(device net.Conn, line string) {
	_, _ = device.Write([]byte(line + "\r\n"))
}
