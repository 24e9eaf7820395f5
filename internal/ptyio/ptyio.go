// Package ptyio exposes a pseudo-terminal pair for line-oriented bridges.
// Bytes written to the master are queued in a ring buffer and flushed by a
// background loop; bytes typed on the slave side are split into lines.
//
// Writes never block: when the ring buffer is full the excess is dropped and
// counted in Stats.
package ptyio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/myolink/internal/groutine"
)

// Options configures a PTY.
type Options struct {
	WriteCap    int           `default:"65536"`
	LineBuffer  int           `default:"64"`
	MaxLine     int           `default:"1024"`
	PollTimeout time.Duration `default:"50ms"`
	Logger      *logrus.Logger
}

// Stats provides runtime counters useful for monitoring/backpressure.
type Stats struct {
	WriteQueueLen     int
	WriteQueueCap     int
	DroppedWriteCount uint64
	DroppedLineCount  uint64
	WriteBytesTotal   uint64
	ReadBytesTotal    uint64
}

// PTY is the master side of a pseudo-terminal.
type PTY struct {
	logger  *logrus.Logger
	opts    Options
	master  *os.File
	slave   *os.File
	ttyName string

	writeBuf *ringbuffer.RingBuffer
	lines    chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite atomic.Uint64
	droppedLines atomic.Uint64
	writeBytes   atomic.Uint64
	readBytes    atomic.Uint64
}

// Open allocates a PTY pair and starts its I/O loops.
func Open(opts Options) (*PTY, error) {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:   opts.Logger,
		opts:     opts,
		master:   master,
		slave:    slave,
		ttyName:  slave.Name(),
		writeBuf: ringbuffer.New(opts.WriteCap),
		lines:    make(chan string, opts.LineBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-write-loop", func(context.Context) {
		defer p.wg.Done()
		p.writeLoop()
	})
	groutine.Go(ctx, "pty-read-loop", func(context.Context) {
		defer p.wg.Done()
		defer close(p.lines)
		p.readLoop()
	})

	p.logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

// TTYName returns the filesystem path of the slave, e.g. /dev/pts/5.
func (p *PTY) TTYName() string {
	return p.ttyName
}

// Lines delivers lines typed on the slave side, without the terminator.
// The channel is closed when the PTY closes.
func (p *PTY) Lines() <-chan string {
	return p.lines
}

// Write queues data for the slave. It never blocks; the returned count is
// less than len(data) when the buffer overflowed.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	written, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return 0, err
	}
	if written < len(data) {
		dropped := len(data) - written
		p.droppedWrite.Add(uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"queued":  written,
		}).Warn("PTY write buffer overflow")
	}
	return written, nil
}

// WriteLine queues s followed by CRLF.
func (p *PTY) WriteLine(s string) error {
	line := s + "\r\n"
	n, err := p.Write([]byte(line))
	if err != nil {
		return err
	}
	if n < len(line) {
		return fmt.Errorf("pty buffer full: queued %d of %d bytes", n, len(line))
	}
	return nil
}

// Stats returns instantaneous counters.
func (p *PTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.writeBuf.Length(),
		WriteQueueCap:     p.writeBuf.Capacity(),
		DroppedWriteCount: p.droppedWrite.Load(),
		DroppedLineCount:  p.droppedLines.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
	}
}

// Close stops the loops and closes both ends.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-wait-close", func(context.Context) {
		p.wg.Wait()
		close(done)
	})
	timeout := 3*p.opts.PollTimeout + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.WithField("tty", p.ttyName).Errorf("PTY loops did not exit within %s", timeout)
	}
	return errors.Join(errs...)
}

func (p *PTY) pollMs() int {
	return int(p.opts.PollTimeout / time.Millisecond)
}

func (p *PTY) writeLoop() {
	fd := int32(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: fd, Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		if p.writeBuf.IsEmpty() {
			// idle; wake up periodically to notice Close
			time.Sleep(p.opts.PollTimeout / 5)
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithField("error", err).Warn("PTY ring read failed")
			continue
		}

		for offset := 0; offset < n; {
			written, err := p.master.Write(buf[offset:n])
			if written > 0 {
				offset += written
				p.writeBytes.Add(uint64(written))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.pollMs()); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithField("error", perr).Warn("PTY poll failed")
				}
				if p.ctx.Err() != nil {
					return
				}
			default:
				if p.ctx.Err() == nil {
					p.logger.WithField("error", err).Warn("PTY write loop exiting")
				}
				return
			}
		}
	}
}

func (p *PTY) readLoop() {
	fd := int32(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
	buf := make([]byte, 1024)
	var pending []byte

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollMs())
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithField("error", err).Warn("PTY poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			p.readBytes.Add(uint64(n))
			pending = p.splitLines(append(pending, buf[:n]...))
		}
		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
			case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
				// no slave open; poll reports hangup until someone opens it
				time.Sleep(p.opts.PollTimeout)
			default:
				if p.ctx.Err() == nil {
					p.logger.WithField("error", err).Warn("PTY read loop exiting")
				}
				return
			}
		}
	}
}

// splitLines emits every complete line in data and returns the remainder.
func (p *PTY) splitLines(data []byte) []byte {
	for {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		if line := string(bytes.TrimSpace(data[:i])); line != "" {
			p.emit(line)
		}
		data = data[i+1:]
	}
	if len(data) > p.opts.MaxLine {
		p.logger.WithField("bytes", len(data)).Warn("Discarding overlong PTY line")
		return nil
	}
	return data
}

func (p *PTY) emit(line string) {
	select {
	case p.lines <- line:
	default:
		p.droppedLines.Add(1)
		p.logger.WithField("line", line).Warn("PTY line buffer full, dropping line")
	}
}

// createPTY opens a pair, puts the slave in raw mode and the master in
// non-blocking mode.
func createPTY() (master *os.File, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		return errors.Join(cause, master.Close(), slave.Close())
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set PTY master to nonblocking mode: %w", err))
	}
	return master, slave, nil
}
