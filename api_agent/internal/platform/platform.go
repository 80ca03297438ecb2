// Package platform performs host power actions for the lookout agent.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"devicemanager/pkg/logging"
)

// Action is a power action requested by an operator.
type Action string

const (
	Shutdown Action = "shutdown"
	Restart  Action = "restart"
)

// ErrUnsupported is returned by Check when the host cannot perform an action.
var ErrUnsupported = errors.New("power action not supported on this platform")

// Controller performs power actions. Check must be cheap; Do may never return
// on success because the host goes down.
type Controller interface {
	Check(action Action) error
	Do(ctx context.Context, action Action) error
}

// Runner executes an external command.
type Runner func(ctx context.Context, name string, args ...string) error

// Host runs the operating system's shutdown command.
type Host struct {
	goos   string
	dryRun bool
	delay  time.Duration
	run    Runner
	logger logging.Logger
}

// Option customizes a Host.
type Option func(*Host)

// WithRunner replaces the command runner.
func WithRunner(run Runner) Option {
	return func(h *Host) { h.run = run }
}

// WithOS overrides runtime.GOOS.
func WithOS(goos string) Option {
	return func(h *Host) { h.goos = goos }
}

// WithDelay waits before acting so the acknowledgment can leave the socket.
func WithDelay(d time.Duration) Option {
	return func(h *Host) { h.delay = d }
}

// NewHost returns a controller for the current host. In dry-run mode actions
// are logged instead of executed.
func NewHost(dryRun bool, logger logging.Logger, opts ...Option) *Host {
	h := &Host{
		goos:   runtime.GOOS,
		dryRun: dryRun,
		delay:  2 * time.Second,
		run:    execRunner,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Check reports whether action can be performed.
func (h *Host) Check(action Action) error {
	_, _, err := h.command(action)
	return err
}

// Do performs action after the configured delay.
func (h *Host) Do(ctx context.Context, action Action) error {
	name, args, err := h.command(action)
	if err != nil {
		return err
	}

	log := h.logger.WithFields(logging.Fields{
		"action":  action,
		"command": name,
		"args":    args,
		"dry_run": h.dryRun,
	})
	if h.dryRun {
		log.Warn("Dry run, not executing power action")
		return nil
	}

	if h.delay > 0 {
		timer := time.NewTimer(h.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Warn("Executing power action")
	if err := h.run(ctx, name, args...); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

func (h *Host) command(action Action) (string, []string, error) {
	switch h.goos {
	case "linux", "darwin", "freebsd":
		switch action {
		case Shutdown:
			return "shutdown", []string{"-h", "now"}, nil
		case Restart:
			return "shutdown", []string{"-r", "now"}, nil
		}
	case "windows":
		switch action {
		case Shutdown:
			return "shutdown", []string{"/s", "/t", "0"}, nil
		case Restart:
			return "shutdown", []string{"/r", "/t", "0"}, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s on %s", ErrUnsupported, action, h.goos)
}

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil && len(out) > 0 {
		return fmt.Errorf("%w: %s", err, out)
	}
	return err
}
