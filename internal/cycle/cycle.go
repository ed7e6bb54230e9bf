// Package cycle runs one measure-publish-sleep cycle: read the previous
// outcome, sense, join WiFi, publish over MQTT, persist the new outcome and
// sleep. Failures short-circuit to the persist and sleep steps, which always
// run.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"thum/internal/config"
	"thum/internal/outcome"
	"thum/internal/power"
	"thum/internal/sensor"
)

// Step names a stage of the cycle in outcome messages.
type Step string

const (
	StepConfig  Step = "config"
	StepSensing Step = "sensing"
	StepWifi    Step = "wifi"
	StepMQTT    Step = "mqtt"
)

// OutcomeOK is persisted after a cycle without errors.
const OutcomeOK = "ok"

// ErrLinkDown is reported when the WiFi link drops before the last publish.
var ErrLinkDown = errors.New("link is down")

// StepError attributes a failure to a cycle step.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// OutcomeStore persists the outcome text across resets.
type OutcomeStore interface {
	ReadPrevious() (string, error)
	WriteOutcome(s string) error
}

// Link is an established network connection.
type Link interface {
	RSSI() (int, error)
	IsUp() (bool, error)
}

// Connector joins the network.
type Connector interface {
	Connect(ctx context.Context) (Link, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Link, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Link, error) { return f(ctx) }

// Publisher publishes the readings of one cycle.
type Publisher interface {
	PublishResult(ctx context.Context, previous string) error
	PublishMeasurement(ctx context.Context, m sensor.Measurement) error
	PublishRSSI(ctx context.Context, rssi int) error
	PublishVoltage(ctx context.Context, v sensor.VoltageReading) error
	Close(ctx context.Context) error
}

// Dialer opens a Publisher on a connected network.
type Dialer func(ctx context.Context) (Publisher, error)

// Deps are the collaborators of a cycle.
type Deps struct {
	Outcome   OutcomeStore
	Sensing   sensor.Sensing
	Connector Connector
	Dial      Dialer
	Sleeper   power.Sleeper
}

// Options tune a cycle.
type Options struct {
	Sleep         time.Duration
	PublishPolicy string // config.PolicyAbort or config.PolicyBestEffort
}

// Report summarizes a finished cycle.
type Report struct {
	Previous string // outcome of the previous cycle, as published
	Outcome  string // outcome persisted for the next cycle
	Err      error  // cycle error, nil on success
}

// Orchestrator sequences one cycle.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.PublishPolicy == "" {
		opts.PublishPolicy = config.PolicyAbort
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger,
	}
}

// Run executes one cycle. Persisting the outcome and sleeping happen on
// every path; their own failures are logged and do not change the outcome.
func (o *Orchestrator) Run(ctx context.Context) Report {
	previous := o.readPrevious()

	cycleErr := o.run(ctx, previous)
	if cycleErr != nil {
		o.logger.Error("cycle failed", "error", cycleErr)
	} else {
		o.logger.Info("cycle succeeded")
	}

	return o.finish(ctx, previous, cycleErr)
}

// Abort ends a cycle that could not start, for instance because the
// configuration is invalid. Only Outcome and Sleeper need to be set in Deps.
// The error is persisted as a config step failure and the node still sleeps.
func (o *Orchestrator) Abort(ctx context.Context, err error) Report {
	previous := o.readPrevious()

	cycleErr := &StepError{Step: StepConfig, Err: err}
	o.logger.Error("cycle aborted", "error", cycleErr)

	return o.finish(ctx, previous, cycleErr)
}

func (o *Orchestrator) readPrevious() string {
	previous, err := o.deps.Outcome.ReadPrevious()
	if err != nil {
		o.logger.Warn("failed to read previous outcome, using default", "error", err)
		previous = outcome.DefaultPrevious
	}
	o.logger.Info("previous outcome", "value", previous)
	return previous
}

// finish persists the outcome and sleeps. A cancelled ctx (SIGTERM) does not
// skip either step.
func (o *Orchestrator) finish(ctx context.Context, previous string, cycleErr error) Report {
	ctx = context.WithoutCancel(ctx)
	result := FormatOutcome(cycleErr)

	if err := o.deps.Outcome.WriteOutcome(result); err != nil {
		o.logger.Error("failed to persist outcome", "error", err)
	}

	if err := o.deps.Sleeper.DeepSleep(ctx, o.opts.Sleep); err != nil {
		o.logger.Error("failed to enter deep sleep", "error", err)
	}

	return Report{Previous: previous, Outcome: result, Err: cycleErr}
}

func (o *Orchestrator) run(ctx context.Context, previous string) error {
	m, err := o.deps.Sensing.ReadMeasurement(ctx)
	if err != nil {
		return &StepError{Step: StepSensing, Err: err}
	}
	v, err := o.deps.Sensing.ReadVoltage(ctx)
	if err != nil {
		return &StepError{Step: StepSensing, Err: err}
	}
	o.logger.Info("sensed",
		"temperature", m.Temperature,
		"humidity", m.Humidity,
		"millivolts", v.Millivolts)

	link, err := o.deps.Connector.Connect(ctx)
	if err != nil {
		return &StepError{Step: StepWifi, Err: err}
	}

	pub, err := o.deps.Dial(ctx)
	if err != nil {
		return &StepError{Step: StepMQTT, Err: err}
	}
	defer func() {
		if err := pub.Close(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("failed to close mqtt connection", "error", err)
		}
	}()

	return o.publish(ctx, pub, link, previous, m, v)
}

// publish runs the publish sequence under the configured policy.
func (o *Orchestrator) publish(ctx context.Context, pub Publisher, link Link, previous string, m sensor.Measurement, v sensor.VoltageReading) error {
	actions := []struct {
		name string
		step Step
		fn   func() error
	}{
		{"result", StepMQTT, func() error { return pub.PublishResult(ctx, previous) }},
		{"measurement", StepMQTT, func() error { return pub.PublishMeasurement(ctx, m) }},
		{"rssi", StepMQTT, func() error {
			rssi, err := link.RSSI()
			if err != nil {
				return fmt.Errorf("read rssi: %w", err)
			}
			return pub.PublishRSSI(ctx, rssi)
		}},
		{"link", StepWifi, func() error {
			up, err := link.IsUp()
			if err != nil {
				return fmt.Errorf("link check: %w", err)
			}
			if !up {
				return ErrLinkDown
			}
			return nil
		}},
		{"voltage", StepMQTT, func() error { return pub.PublishVoltage(ctx, v) }},
	}

	var errs []error
	for _, a := range actions {
		err := a.fn()
		if err == nil {
			continue
		}
		err = &StepError{Step: a.step, Err: err}
		if o.opts.PublishPolicy != config.PolicyBestEffort {
			return err
		}
		o.logger.Warn("publish step failed, continuing", "action", a.name, "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// FormatOutcome renders a cycle error as persisted text:
// "ok" or "error: <step>: <cause>".
func FormatOutcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	return "error: " + strings.ReplaceAll(err.Error(), "\n", "; ")
}
