package plotter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"photo-plotter/internal/motion"
)

// fakePort scripts firmware responses per written command: "ok" acks,
// "timeout" stays silent, "error:..." reports a device fault.
type fakePort struct {
	mu      sync.Mutex
	script  []string
	writes  []string
	readBuf []byte
	closes  int
	onWrite func(writeCount int)
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, strings.TrimRight(string(p), "\r\n"))
	idx := len(f.writes) - 1
	resp := "ok"
	if idx < len(f.script) {
		resp = f.script[idx]
	}
	if resp != "timeout" {
		f.readBuf = append(f.readBuf, []byte(resp+"\n")...)
	}
	hook := f.onWrite
	count := len(f.writes)
	f.mu.Unlock()
	if hook != nil {
		hook(count)
	}
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readBuf) == 0 {
		// Emulate a serial read timeout slice.
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, f.readBuf)
	f.readBuf = f.readBuf[n:]
	return n, nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) ResetInputBuffer() error            { return nil }

func (f *fakePort) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

func serialTestLink(port Port, retries int) *Link {
	return &Link{
		cfg: Config{
			ReadTimeout: 50 * time.Millisecond,
			MaxRetries:  retries,
		},
		port: port,
	}
}

func twoStrokeProgram() *motion.Program {
	return &motion.Program{Commands: []motion.Command{
		motion.MoveTo(0, 0),
		motion.PenDown(),
		motion.DrawTo(10, 10),
		motion.PenUp(),
		motion.MoveTo(5, 5),
		motion.PenDown(),
		motion.DrawTo(15, 5),
		motion.PenUp(),
	}}
}

func TestDryRunCapturesCommandsInOrder(t *testing.T) {
	sinkPath := filepath.Join(t.TempDir(), "dryrun.txt")
	link, err := Open(Config{DryRun: true, DryRunPath: sinkPath})
	if err != nil {
		t.Fatalf("open dry-run link: %v", err)
	}
	if err := link.Stream(context.Background(), twoStrokeProgram()); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(sinkPath)
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	want := strings.Join([]string{
		"G0 X0.00 Y0.00",
		"M3 S90",
		"G1 X10.00 Y10.00",
		"M5",
		"G0 X5.00 Y5.00",
		"M3 S90",
		"G1 X15.00 Y5.00",
		"M5",
		"",
	}, "\n")
	if string(data) != want {
		t.Fatalf("dry-run sink mismatch:\ngot:\n%swant:\n%s", data, want)
	}
	if link.Sent() != 8 {
		t.Fatalf("sent count: got %d want 8", link.Sent())
	}
}

func TestInvertZSwapsPenLines(t *testing.T) {
	sinkPath := filepath.Join(t.TempDir(), "dryrun.txt")
	link, err := Open(Config{DryRun: true, DryRunPath: sinkPath, InvertZ: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	program := &motion.Program{Commands: []motion.Command{motion.PenDown(), motion.PenUp()}}
	if err := link.Stream(context.Background(), program); err != nil {
		t.Fatalf("stream: %v", err)
	}
	_ = link.Close()

	data, _ := os.ReadFile(sinkPath)
	if string(data) != "M5\nM3 S90\n" {
		t.Fatalf("inverted pen lines wrong:\n%s", data)
	}
}

func TestCloseIdempotent(t *testing.T) {
	port := &fakePort{}
	link := serialTestLink(port, 0)
	if err := link.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if port.closes != 1 {
		t.Fatalf("underlying port closed %d times, want 1", port.closes)
	}
}

func TestStreamAcknowledgmentPacing(t *testing.T) {
	port := &fakePort{}
	link := serialTestLink(port, 0)
	program := &motion.Program{Commands: []motion.Command{
		motion.SetFeed(8000),
		motion.MoveTo(1, 1),
		motion.DrawTo(2, 2),
	}}
	if err := link.Stream(context.Background(), program); err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{"F8000", "G0 X1.00 Y1.00", "G1 X2.00 Y2.00"}
	got := port.written()
	if len(got) != len(want) {
		t.Fatalf("wrote %d commands, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command %d: got %q want %q", i, got[i], want[i])
		}
	}
	if link.Sent() != 3 {
		t.Fatalf("sent: got %d want 3", link.Sent())
	}
}

func TestStreamRetriesTransientTimeout(t *testing.T) {
	port := &fakePort{script: []string{"timeout", "ok"}}
	link := serialTestLink(port, 2)
	program := &motion.Program{Commands: []motion.Command{motion.MoveTo(3, 4)}}

	if err := link.Stream(context.Background(), program); err != nil {
		t.Fatalf("stream should recover from one timeout: %v", err)
	}
	got := port.written()
	// The in-flight command is re-sent, never skipped.
	if len(got) != 2 || got[0] != got[1] {
		t.Fatalf("expected same command sent twice, got %v", got)
	}
	if link.Retries() != 1 {
		t.Fatalf("retries: got %d want 1", link.Retries())
	}
	if link.Sent() != 1 {
		t.Fatalf("sent: got %d want 1 (no duplicate past acknowledgment)", link.Sent())
	}
}

func TestStreamExhaustsRetryBudget(t *testing.T) {
	port := &fakePort{script: []string{"timeout", "timeout", "timeout"}}
	link := serialTestLink(port, 2)
	program := &motion.Program{Commands: []motion.Command{motion.MoveTo(3, 4)}}

	err := link.Stream(context.Background(), program)
	var linkErr *LinkError
	if !errors.As(err, &linkErr) {
		t.Fatalf("expected LinkError, got %v", err)
	}
	if linkErr.Line != 1 {
		t.Fatalf("failing line: got %d want 1", linkErr.Line)
	}
	if got := len(port.written()); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestStreamDeviceFaultNotRetried(t *testing.T) {
	port := &fakePort{script: []string{"error:9"}}
	link := serialTestLink(port, 3)
	program := &motion.Program{Commands: []motion.Command{motion.MoveTo(3, 4)}}

	err := link.Stream(context.Background(), program)
	var linkErr *LinkError
	if !errors.As(err, &linkErr) {
		t.Fatalf("expected LinkError, got %v", err)
	}
	if got := len(port.written()); got != 1 {
		t.Fatalf("device fault must not be retried, got %d attempts", got)
	}
}

func TestStreamCancelAtCommandBoundary(t *testing.T) {
	port := &fakePort{}
	link := serialTestLink(port, 0)
	port.onWrite = func(count int) {
		if count == 1 {
			link.RequestCancel()
		}
	}
	err := link.Stream(context.Background(), twoStrokeProgram())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	// The first command completes; nothing after the boundary is sent.
	if got := len(port.written()); got != 1 {
		t.Fatalf("expected exactly 1 command before cancel, got %d", got)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("close after cancel: %v", err)
	}
	if port.closes != 1 {
		t.Fatalf("port closed %d times, want exactly 1", port.closes)
	}
}

func TestStreamIgnoresStatusChatter(t *testing.T) {
	port := &fakePort{}
	// Firmware echoes the command before acking.
	port.script = []string{"echo:g0"}
	port.readBuf = nil
	link := serialTestLink(port, 0)

	// Prime the response with chatter then an ok.
	origOnWrite := port.onWrite
	port.onWrite = func(count int) {
		port.mu.Lock()
		port.readBuf = append(port.readBuf, []byte("ok\n")...)
		port.mu.Unlock()
		if origOnWrite != nil {
			origOnWrite(count)
		}
	}

	program := &motion.Program{Commands: []motion.Command{motion.MoveTo(0, 0)}}
	if err := link.Stream(context.Background(), program); err != nil {
		t.Fatalf("chatter before ok should be ignored: %v", err)
	}
}
