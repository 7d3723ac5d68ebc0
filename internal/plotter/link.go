package plotter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"photo-plotter/internal/motion"
)

// Config holds the immutable link settings supplied at process start.
type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	LineDelay   time.Duration
	MaxRetries  int
	DryRun      bool
	DryRunPath  string
	InvertZ     bool
}

// LinkError reports a serial failure that survived the retry budget. The
// owning job is marked failed when it surfaces.
type LinkError struct {
	Line int
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("serial link failed at line %d: %v", e.Line, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// ErrCancelled is returned when streaming stops at a command boundary after
// a cancel request. It is not a failure.
var ErrCancelled = errors.New("streaming cancelled")

var (
	errAckTimeout   = errors.New("timed out waiting for ok")
	errPartialWrite = errors.New("partial write")
)

// deviceFault is a non-transient error response from the firmware; it is
// never retried.
type deviceFault struct {
	response string
}

func (e *deviceFault) Error() string {
	return "device responded with " + e.response
}

// Port abstracts the physical serial device.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Link owns one open connection to the plotter, or a dry-run capture sink.
// It is held only by the print worker for the duration of one streaming
// attempt and is never persisted.
type Link struct {
	cfg  Config
	port Port
	sink *os.File

	sent    int64
	retries int64
	cancel  atomic.Bool

	mu     sync.Mutex
	closed bool
}

// Open establishes the link. In dry-run mode no physical port is opened;
// commands are captured to the configured sink file instead.
func Open(cfg Config) (*Link, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DryRun {
		if err := os.MkdirAll(filepath.Dir(cfg.DryRunPath), 0o755); err != nil {
			return nil, fmt.Errorf("create dry-run dir: %w", err)
		}
		sink, err := os.Create(cfg.DryRunPath)
		if err != nil {
			return nil, fmt.Errorf("create dry-run sink: %w", err)
		}
		return &Link{cfg: cfg, sink: sink}, nil
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	// Drop any startup banner the controller printed while booting.
	_ = port.ResetInputBuffer()
	return &Link{cfg: cfg, port: port}, nil
}

// RequestCancel asks the current Stream call to stop at the next command
// boundary. Safe to call from any goroutine.
func (l *Link) RequestCancel() {
	l.cancel.Store(true)
}

// Sent returns the number of commands acknowledged so far.
func (l *Link) Sent() int {
	return int(atomic.LoadInt64(&l.sent))
}

// Retries returns the number of transient resends performed so far.
func (l *Link) Retries() int {
	return int(atomic.LoadInt64(&l.retries))
}

// Stream sends the program one command at a time, waiting for an
// acknowledgment (or the read timeout) before each next command. Transient
// failures re-send the in-flight command from the last acknowledged
// position, bounded by the retry budget. Cancellation is honored between
// commands, never mid-command.
func (l *Link) Stream(ctx context.Context, program *motion.Program) error {
	for i, cmd := range program.Commands {
		if l.cancel.Load() {
			return ErrCancelled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := deviceLine(cmd, l.cfg.InvertZ)
		if line == "" {
			continue
		}

		if l.sink != nil {
			// Dry run: capture the command and simulate an immediate ack.
			if _, err := l.sink.WriteString(line + "\n"); err != nil {
				return &LinkError{Line: i + 1, Err: err}
			}
			atomic.AddInt64(&l.sent, 1)
			continue
		}

		if err := l.sendWithRetry(line, i+1); err != nil {
			return err
		}
		atomic.AddInt64(&l.sent, 1)

		if l.cfg.LineDelay > 0 {
			time.Sleep(l.cfg.LineDelay)
		}
	}
	return nil
}

// Close releases the underlying handle. Idempotent: the second and later
// calls are no-ops.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.sink != nil {
		return l.sink.Close()
	}
	if l.port != nil {
		return l.port.Close()
	}
	return nil
}

func (l *Link) sendWithRetry(line string, lineNo int) error {
	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&l.retries, 1)
		}
		if err := l.writeLine(line); err != nil {
			lastErr = err
			continue
		}
		err := l.awaitAck()
		if err == nil {
			return nil
		}
		var fault *deviceFault
		if errors.As(err, &fault) {
			return &LinkError{Line: lineNo, Err: err}
		}
		lastErr = err
	}
	return &LinkError{Line: lineNo, Err: lastErr}
}

func (l *Link) writeLine(line string) error {
	payload := []byte(line + "\r\n")
	n, err := l.port.Write(payload)
	if err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	if n < len(payload) {
		return errPartialWrite
	}
	return nil
}

// awaitAck reads response lines until the firmware acknowledges with "ok",
// reports an error, or the read timeout elapses. Echoes and status chatter
// are ignored.
func (l *Link) awaitAck() error {
	deadline := time.Now().Add(l.cfg.ReadTimeout)
	var line []byte
	buf := make([]byte, 1)
	for {
		if time.Now().After(deadline) {
			return errAckTimeout
		}
		n, err := l.port.Read(buf)
		if err != nil {
			return fmt.Errorf("read ack: %w", err)
		}
		if n == 0 {
			continue
		}
		if buf[0] != '\n' {
			line = append(line, buf[0])
			continue
		}
		resp := strings.ToLower(strings.TrimSpace(string(line)))
		line = line[:0]
		switch {
		case resp == "ok":
			return nil
		case strings.HasPrefix(resp, "error"):
			return &deviceFault{response: resp}
		}
	}
}
