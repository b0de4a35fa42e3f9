package serialbuf

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
)

var stopJoinTimeout = 2 * time.Second

type bufferedLine struct {
	at   time.Time
	text string
}

// Buffer drains a serial console into a bounded in-memory line buffer.
// A background goroutine owns the device handle exclusively; consumers only
// ever see copies of buffered lines through the read methods. Consecutive
// identical lines are collapsed into the first occurrence plus a synthetic
// repeat marker, which keeps watchdog spam from flushing real information
// out of the buffer.
type Buffer struct {
	devicePath string
	baudRate   int
	capacity   int
	mirrorPath string

	mu       sync.Mutex
	lines    []bufferedLine
	base     uint64 // absolute index of lines[0]
	cursor   uint64 // next absolute index for since-last-call reads
	prevLine string
	repeats  int
	running  bool

	// the reader goroutine holds its own reference; this field exists only
	// so Stop can close the device to unblock a pending Read
	port   io.ReadCloser
	mirror *os.File
	done   chan struct{}
	joined chan struct{}
}

// New creates a Buffer for the given device. An empty devicePath is legal:
// Start will report that serial monitoring is unavailable and every read
// method will behave as an empty buffer. mirrorPath, if non-empty, receives
// a flushed-per-line copy of everything accepted into the buffer.
func New(devicePath string, baudRate, capacity int, mirrorPath string) *Buffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Buffer{
		devicePath: devicePath,
		baudRate:   baudRate,
		capacity:   capacity,
		mirrorPath: mirrorPath,
	}
}

// Start opens the serial device and spawns the reader goroutine. It returns
// false when the device is not configured or cannot be opened; callers must
// treat that as "no serial diagnostics", never as a test failure.
func (b *Buffer) Start() bool {
	if b.devicePath == "" {
		logger.Debug("no serial device configured, serial monitoring disabled")
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return true
	}

	mode := &serial.Mode{
		BaudRate: b.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(b.devicePath, mode)
	if err != nil {
		logger.Errorf("open serial device, monitoring disabled",
			zap.String("device", b.devicePath), zap.Error(err))
		return false
	}
	b.port = port

	if b.mirrorPath != "" {
		mirror, err := os.OpenFile(b.mirrorPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			logger.Errorf("open serial mirror log",
				zap.String("path", b.mirrorPath), zap.Error(err))
		} else {
			b.mirror = mirror
		}
	}

	b.running = true
	b.done = make(chan struct{})
	b.joined = make(chan struct{})
	go b.readLoop(port)

	logger.Info("serial monitoring started",
		zap.String("device", b.devicePath), zap.Int("baud", b.baudRate))
	return true
}

// Stop signals the reader to exit, joins it with a short bound, flushes any
// pending repeat summary and closes the device and mirror log. Safe to call
// repeatedly or on a buffer that never started.
func (b *Buffer) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.done)
	port := b.port
	joined := b.joined
	b.mu.Unlock()

	// closing the port unblocks a reader stuck in Read
	if port != nil {
		port.Close()
	}

	select {
	case <-joined:
	case <-time.After(stopJoinTimeout):
		logger.Debug("serial reader did not exit in time")
	}

	b.mu.Lock()
	b.flushRepeatsLocked()
	if b.mirror != nil {
		b.mirror.Close()
		b.mirror = nil
	}
	b.port = nil
	b.mu.Unlock()
}

// IsRunning reports whether the reader goroutine is active.
func (b *Buffer) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// BufferSize returns the number of lines currently held.
func (b *Buffer) BufferSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Append accepts a decoded line into the buffer, applying run-length dedup.
// The serial reader is the normal producer; it is exported so that line
// sources other than a local device (and tests) can feed the same buffer.
func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingestLocked(text)
}

// GetRecent returns up to n buffered lines, oldest first. With sinceLastCall
// set, only lines appended since the previous since-last-call read are
// returned and the internal cursor advances, so two consecutive calls never
// overlap.
func (b *Buffer) GetRecent(n int, sinceLastCall bool) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := b.base + uint64(len(b.lines))
	var from uint64
	if sinceLastCall {
		from = b.cursor
		if from < b.base {
			from = b.base
		}
		b.cursor = end
	} else {
		from = b.base
	}

	out := make([]string, 0, end-from)
	for i := from; i < end; i++ {
		out = append(out, b.lines[i-b.base].text)
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// SearchRecent reports whether pattern appears in the lines appended since
// the last since-last-call read, capped at maxLines.
func (b *Buffer) SearchRecent(pattern string, maxLines int, isRegex bool) bool {
	matcher, err := compileMatcher(pattern, isRegex)
	if err != nil {
		logger.Error(errors.Wrapf(err, "compile serial pattern %q", pattern))
		return false
	}
	for _, line := range b.GetRecent(maxLines, true) {
		if matcher(line) {
			return true
		}
	}
	return false
}

// WaitForPattern polls the buffer until pattern appears or timeout elapses.
// Each poll only examines lines not seen by a previous poll of this call, so
// a long wait never re-scans the whole buffer. It does not disturb the
// since-last-call cursor used by SearchRecent.
func (b *Buffer) WaitForPattern(pattern string, timeout time.Duration, isRegex bool, pollInterval time.Duration) (bool, string) {
	matcher, err := compileMatcher(pattern, isRegex)
	if err != nil {
		logger.Error(errors.Wrapf(err, "compile serial pattern %q", pattern))
		return false, ""
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	b.mu.Lock()
	next := b.base // existing content counts
	b.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		var chunk []string
		b.mu.Lock()
		end := b.base + uint64(len(b.lines))
		if next < b.base {
			next = b.base
		}
		for i := next; i < end; i++ {
			chunk = append(chunk, b.lines[i-b.base].text)
		}
		next = end
		b.mu.Unlock()

		for _, line := range chunk {
			if matcher(line) {
				return true, line
			}
		}
		if time.Now().After(deadline) {
			return false, ""
		}
		time.Sleep(pollInterval)
	}
}

// SaveToFile dumps the full buffer contents, best effort. Used for
// post-mortem capture when a test fails.
func (b *Buffer) SaveToFile(path string) bool {
	b.mu.Lock()
	lines := make([]bufferedLine, len(b.lines))
	copy(lines, b.lines)
	b.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		logger.Error(errors.Wrap(err, "create serial dump"))
		return false
	}
	defer f.Close()

	for _, line := range lines {
		fmt.Fprintf(f, "%s %s\n", line.at.Format(time.RFC3339), line.text)
	}
	return true
}

func (b *Buffer) readLoop(port io.ReadCloser) {
	defer close(b.joined)

	buf := make([]byte, 1024)
	var partial string
	for {
		select {
		case <-b.done:
			b.mu.Lock()
			b.flushRepeatsLocked()
			b.mu.Unlock()
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			// a closed or failing device ends monitoring, not the test
			b.mu.Lock()
			if b.running {
				logger.Debug("serial read ended", zap.Error(err))
			}
			b.flushRepeatsLocked()
			b.running = false
			b.mu.Unlock()
			return
		}
		if n == 0 {
			continue
		}

		partial += strings.ToValidUTF8(string(buf[:n]), "�")
		for {
			idx := strings.IndexByte(partial, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(partial[:idx], "\r")
			partial = partial[idx+1:]
			if strings.TrimSpace(line) == "" {
				continue
			}
			b.mu.Lock()
			b.ingestLocked(line)
			b.mu.Unlock()
		}
	}
}

func (b *Buffer) ingestLocked(text string) {
	if text == b.prevLine {
		b.repeats++
		return
	}
	b.flushRepeatsLocked()
	b.storeLocked(text)
	b.prevLine = text
}

// flushRepeatsLocked emits the pending repeat marker, if any.
func (b *Buffer) flushRepeatsLocked() {
	if b.repeats == 0 {
		return
	}
	marker := fmt.Sprintf("[previous line repeated %d times]", b.repeats)
	b.repeats = 0
	b.storeLocked(marker)
}

func (b *Buffer) storeLocked(text string) {
	line := bufferedLine{at: time.Now(), text: text}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.capacity {
		drop := len(b.lines) - b.capacity
		b.lines = b.lines[drop:]
		b.base += uint64(drop)
	}
	if b.mirror != nil {
		fmt.Fprintf(b.mirror, "%s %s\n", line.at.Format(time.RFC3339), text)
		b.mirror.Sync()
	}
}

func compileMatcher(pattern string, isRegex bool) (func(string) bool, error) {
	if isRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil
	}
	return func(line string) bool {
		return strings.Contains(line, pattern)
	}, nil
}
