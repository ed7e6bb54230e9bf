// Package power puts the node to sleep between cycles.
package power

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Sleeper ends a cycle. DeepSleep returns once the node resumes or, for
// sleepers without hardware support, immediately.
type Sleeper interface {
	DeepSleep(ctx context.Context, d time.Duration) error
}

// Runner runs an external command.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// RTCWake arms the RTC alarm and suspends or powers off the board with
// rtcwake(8). Mode is one of "off", "mem", "standby" or "disk".
type RTCWake struct {
	Mode   string
	Logger *slog.Logger

	run Runner
}

// NewRTCWake creates an rtcwake sleeper.
func NewRTCWake(mode string, logger *slog.Logger) *RTCWake {
	return &RTCWake{Mode: mode, Logger: logger, run: execRunner}
}

// DeepSleep sleeps for d, rounded up to whole seconds.
func (r *RTCWake) DeepSleep(ctx context.Context, d time.Duration) error {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}

	r.Logger.Info("entering deep sleep", "mode", r.Mode, "seconds", secs)
	if err := r.run(ctx, "rtcwake", "-m", r.Mode, "-s", strconv.FormatInt(secs, 10)); err != nil {
		return fmt.Errorf("deep sleep: %w", err)
	}
	return nil
}

// Exit performs no hardware action. The process exits after the cycle and
// an external scheduler (a systemd timer) starts the next one after d.
type Exit struct {
	Logger *slog.Logger
}

// DeepSleep logs the requested interval and returns.
func (e Exit) DeepSleep(ctx context.Context, d time.Duration) error {
	e.Logger.Info("cycle finished, exiting", "next_in", d)
	return nil
}

// New returns the sleeper for mode: Exit for "none", RTCWake otherwise.
func New(mode string, logger *slog.Logger) Sleeper {
	if mode == "none" {
		return Exit{Logger: logger}
	}
	return NewRTCWake(mode, logger)
}
