package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrStop ends Runner.Run without error when returned by a handler.
var ErrStop = errors.New("scan: stop")

// Handler processes one decoded payload.
type Handler func(ctx context.Context, payload string) error

// ControlFunc inspects a line before the guard. Returning handled=true
// consumes the line, so operator commands are never dropped by the cooldown.
type ControlFunc func(ctx context.Context, line string) (handled bool, err error)

// Runner feeds a Source through a Guard into a Handler.
type Runner struct {
	guard   *Guard
	logger  *slog.Logger
	control ControlFunc
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithControl installs a control hook.
func WithControl(fn ControlFunc) RunnerOption {
	return func(r *Runner) {
		r.control = fn
	}
}

// NewRunner returns a Runner. A nil guard uses DefaultCooldown.
func NewRunner(guard *Guard, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if guard == nil {
		guard = NewGuard(DefaultCooldown)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{guard: guard, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes src until ctx is cancelled, the source ends or a handler
// returns ErrStop. The source is closed on every exit path. Handler errors
// other than ErrStop do not end the run.
func (r *Runner) Run(ctx context.Context, src Source, handle Handler) (err error) {
	defer func() {
		if cerr := src.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close source: %w", cerr))
		}
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	decoded := src.Decoded(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-decoded:
			if !ok {
				return ctx.Err()
			}
			if err := r.dispatch(ctx, line, handle); errors.Is(err, ErrStop) {
				return nil
			}
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, line string, handle Handler) error {
	if r.control != nil {
		handled, err := r.control(ctx, line)
		if handled {
			return err
		}
	}
	err := r.guard.Do(ctx, line, handle)
	switch {
	case err == nil, errors.Is(err, ErrStop):
	case errors.Is(err, ErrIgnored):
		r.logger.Debug("scan ignored", "payload", line)
	default:
		r.logger.Debug("scan rejected", "payload", line, "error", err)
	}
	return err
}
