package myo

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/myolink/internal/groutine"
)

// commandJob is one command write handled by the command worker.
type commandJob struct {
	ctx      context.Context
	cmd      Command
	attempts int
	reply    chan error // nil for fire-and-forget
}

// worker performs command writes one at a time, off the event loop, so that
// blocking writes and retry backoff never delay transport events.
func (m *Machine) worker(ctx context.Context) {
	log := m.log().WithField("goroutine", groutine.GetName(ctx))
	for {
		select {
		case <-ctx.Done():
			log.Debug("Command worker stopped")
			return
		case job := <-m.jobs:
			err := m.writeCommand(job)
			if err != nil {
				m.notify(CommandWriteFailed, nil, err)
			}
			if job.reply != nil {
				job.reply <- err
			}
		}
	}
}

func (m *Machine) writeCommand(job commandJob) error {
	var lastErr error
	for attempt := 1; attempt <= job.attempts; attempt++ {
		if err := job.ctx.Err(); err != nil {
			return fmt.Errorf("%w: %s cancelled after %d attempts: %w", ErrCommandWriteFailed, job.cmd, attempt-1, context.Cause(job.ctx))
		}

		lastErr = m.transport.WriteCharacteristic(job.ctx, ControlServiceUUID, CommandCharacteristicUUID, job.cmd.Bytes())
		if lastErr == nil {
			m.log().WithFields(logrus.Fields{
				"command": job.cmd.String(),
				"attempt": attempt,
			}).Debug("Command sent")
			return nil
		}

		m.log().WithFields(logrus.Fields{
			"command": job.cmd.String(),
			"attempt": attempt,
			"error":   lastErr,
		}).Warn("Command write failed")

		if attempt < job.attempts {
			timer := time.NewTimer(m.opts.RetryBackoff)
			select {
			case <-timer.C:
			case <-job.ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %s cancelled after %d attempts: %w", ErrCommandWriteFailed, job.cmd, attempt, context.Cause(job.ctx))
			}
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrCommandWriteFailed, job.cmd, job.attempts, lastErr)
}

// enqueueCommand hands a fire-and-forget command to the worker from the event
// loop. It never blocks; when the worker is saturated the command is dropped.
func (m *Machine) enqueueCommand(cmd Command) {
	job := commandJob{ctx: m.sessionCtx, cmd: cmd, attempts: 1}
	select {
	case m.jobs <- job:
	default:
		m.log().WithField("command", cmd.String()).Warn("Command worker busy, dropping command")
	}
}

// SendCommand writes cmd once to the command characteristic.
func (m *Machine) SendCommand(ctx context.Context, cmd Command) error {
	return m.sendCommand(ctx, cmd, 1)
}

// SendCommandWithRetry writes cmd up to the configured attempt bound
// (3 by default) with a fixed backoff between attempts. It stops early when
// ctx is done or the connection ends. Exhausting the attempts does not
// disconnect.
func (m *Machine) SendCommandWithRetry(ctx context.Context, cmd Command) error {
	return m.sendCommand(ctx, cmd, m.opts.RetryAttempts)
}

func (m *Machine) sendCommand(ctx context.Context, cmd Command, attempts int) error {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := snap.requireReady(); err != nil {
		return err
	}
	return m.submit(ctx, snap, cmd, attempts)
}

// submit runs cmd on the worker, bound to both ctx and the snapshot's session.
func (m *Machine) submit(ctx context.Context, snap snapshot, cmd Command, attempts int) error {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(snap.ctx, func() {
		cancel(context.Cause(snap.ctx))
	})
	defer stop()

	job := commandJob{ctx: jobCtx, cmd: cmd, attempts: attempts, reply: make(chan error, 1)}
	select {
	case m.jobs <- job:
	case <-jobCtx.Done():
		return context.Cause(jobCtx)
	case <-m.ctx.Done():
		return ErrMachineClosed
	}

	select {
	case err := <-job.reply:
		return err
	case <-m.ctx.Done():
		return ErrMachineClosed
	}
}
