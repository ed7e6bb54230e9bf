package cycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"thum/internal/config"
	"thum/internal/mqtt"
	"thum/internal/outcome"
	"thum/internal/sensor"
)

// recorder collects the calls made to every fake, in order.
type recorder struct {
	calls []string
}

func (r *recorder) add(call string) { r.calls = append(r.calls, call) }

type fakeOutcome struct {
	rec      *recorder
	previous string
	readErr  error
	writeErr error
	written  []string
}

func (f *fakeOutcome) ReadPrevious() (string, error) {
	f.rec.add("read")
	if f.readErr != nil {
		return outcome.DefaultPrevious, f.readErr
	}
	return f.previous, nil
}

func (f *fakeOutcome) WriteOutcome(s string) error {
	f.rec.add("write")
	f.written = append(f.written, s)
	return f.writeErr
}

type fakeSensing struct {
	rec        *recorder
	m          sensor.Measurement
	v          sensor.VoltageReading
	measureErr error
	voltageErr error
	onMeasure  func()
}

func (f *fakeSensing) ReadMeasurement(ctx context.Context) (sensor.Measurement, error) {
	f.rec.add("measure")
	if f.onMeasure != nil {
		f.onMeasure()
	}
	return f.m, f.measureErr
}

func (f *fakeSensing) ReadVoltage(ctx context.Context) (sensor.VoltageReading, error) {
	f.rec.add("voltage")
	return f.v, f.voltageErr
}

type fakeLink struct {
	rec  *recorder
	rssi int
	up   bool
}

func (f *fakeLink) RSSI() (int, error) {
	f.rec.add("rssi")
	return f.rssi, nil
}

func (f *fakeLink) IsUp() (bool, error) {
	f.rec.add("is_up")
	return f.up, nil
}

type fakePublisher struct {
	rec    *recorder
	fail   map[string]error
	values map[string]any
}

func (f *fakePublisher) do(name string, value any) error {
	f.rec.add("publish_" + name)
	f.values[name] = value
	return f.fail[name]
}

func (f *fakePublisher) PublishResult(ctx context.Context, previous string) error {
	return f.do("result", previous)
}

func (f *fakePublisher) PublishMeasurement(ctx context.Context, m sensor.Measurement) error {
	return f.do("measurement", m)
}

func (f *fakePublisher) PublishRSSI(ctx context.Context, rssi int) error {
	return f.do("rssi", rssi)
}

func (f *fakePublisher) PublishVoltage(ctx context.Context, v sensor.VoltageReading) error {
	return f.do("voltage", v)
}

func (f *fakePublisher) Close(ctx context.Context) error {
	f.rec.add("close")
	return nil
}

type fakeSleeper struct {
	rec    *recorder
	d      time.Duration
	ctxErr error
}

func (f *fakeSleeper) DeepSleep(ctx context.Context, d time.Duration) error {
	f.rec.add("sleep")
	f.d = d
	f.ctxErr = ctx.Err()
	return f.ctxErr
}

type harness struct {
	rec       *recorder
	outcome   *fakeOutcome
	sensing   *fakeSensing
	link      *fakeLink
	publisher *fakePublisher
	sleeper   *fakeSleeper
	dial      func(ctx context.Context) (Publisher, error)
	wifiErr   error
	dialErr   error
	policy    string
}

func newHarness() *harness {
	rec := &recorder{}
	return &harness{
		rec:     rec,
		outcome: &fakeOutcome{rec: rec, previous: "ok"},
		sensing: &fakeSensing{
			rec: rec,
			m:   sensor.Measurement{Temperature: 21.5, Humidity: 48.2},
			v:   sensor.VoltageReading{Millivolts: 1650},
		},
		link:      &fakeLink{rec: rec, rssi: -58, up: true},
		publisher: &fakePublisher{rec: rec, fail: map[string]error{}, values: map[string]any{}},
		sleeper:   &fakeSleeper{rec: rec},
	}
}

func (h *harness) run() Report {
	return h.runContext(context.Background())
}

func (h *harness) orchestrator() *Orchestrator {
	deps := Deps{
		Outcome: h.outcome,
		Sensing: h.sensing,
		Connector: ConnectorFunc(func(ctx context.Context) (Link, error) {
			h.rec.add("wifi")
			if h.wifiErr != nil {
				return nil, h.wifiErr
			}
			return h.link, nil
		}),
		Dial: func(ctx context.Context) (Publisher, error) {
			h.rec.add("dial")
			if h.dialErr != nil {
				return nil, h.dialErr
			}
			if h.dial != nil {
				return h.dial(ctx)
			}
			return h.publisher, nil
		},
		Sleeper: h.sleeper,
	}
	opts := Options{Sleep: 30 * time.Minute, PublishPolicy: h.policy}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(deps, opts, logger)
}

func (h *harness) runContext(ctx context.Context) Report {
	return h.orchestrator().Run(ctx)
}

func TestRunSuccess(t *testing.T) {
	h := newHarness()
	h.outcome.previous = "error: wifi: missing WiFi name"

	report := h.run()

	if report.Err != nil {
		t.Fatalf("Expected success, got %v", report.Err)
	}
	if report.Outcome != "ok" {
		t.Errorf("Expected outcome ok, got %q", report.Outcome)
	}

	want := []string{
		"read", "measure", "voltage", "wifi", "dial",
		"publish_result", "publish_measurement", "rssi", "publish_rssi", "is_up", "publish_voltage",
		"close", "write", "sleep",
	}
	if !reflect.DeepEqual(h.rec.calls, want) {
		t.Errorf("Expected calls\n%v\ngot\n%v", want, h.rec.calls)
	}

	if h.publisher.values["result"] != "error: wifi: missing WiFi name" {
		t.Errorf("Expected previous outcome to be published, got %v", h.publisher.values["result"])
	}
	if h.publisher.values["rssi"] != -58 {
		t.Errorf("Expected rssi -58, got %v", h.publisher.values["rssi"])
	}
	if h.sleeper.d != 30*time.Minute {
		t.Errorf("Expected 30m sleep, got %v", h.sleeper.d)
	}
}

func TestRunSensingFailureSkipsNetwork(t *testing.T) {
	h := newHarness()
	h.sensing.measureErr = &sensor.SensorError{Err: errors.New("sht3x: read: remote I/O error")}

	report := h.run()

	want := []string{"read", "measure", "write", "sleep"}
	if !reflect.DeepEqual(h.rec.calls, want) {
		t.Errorf("Expected calls %v, got %v", want, h.rec.calls)
	}

	var stepErr *StepError
	if !errors.As(report.Err, &stepErr) || stepErr.Step != StepSensing {
		t.Fatalf("Expected sensing StepError, got %v", report.Err)
	}
	if !strings.HasPrefix(h.outcome.written[0], "error: sensing: sht data error") {
		t.Errorf("Unexpected persisted outcome %q", h.outcome.written[0])
	}
}

func TestRunVoltageFailure(t *testing.T) {
	h := newHarness()
	h.sensing.voltageErr = &sensor.AdcError{Err: errors.New("conversion timeout")}

	report := h.run()

	var adcErr *sensor.AdcError
	if !errors.As(report.Err, &adcErr) {
		t.Fatalf("Expected AdcError, got %v", report.Err)
	}
	if contains(h.rec.calls, "wifi") {
		t.Error("Expected wifi to be skipped")
	}
}

func TestRunWifiFailure(t *testing.T) {
	h := newHarness()
	h.wifiErr = errors.New("missing WiFi name")

	report := h.run()

	if report.Outcome != "error: wifi: missing WiFi name" {
		t.Errorf("Unexpected outcome %q", report.Outcome)
	}
	if contains(h.rec.calls, "dial") {
		t.Error("Expected mqtt to be skipped")
	}
	if last := h.rec.calls[len(h.rec.calls)-1]; last != "sleep" {
		t.Errorf("Expected sleep last, got %s", last)
	}
}

func TestRunDialFailure(t *testing.T) {
	h := newHarness()
	h.dialErr = errors.New("mqtt client: connection refused")

	report := h.run()

	if report.Outcome != "error: mqtt: mqtt client: connection refused" {
		t.Errorf("Unexpected outcome %q", report.Outcome)
	}
	if contains(h.rec.calls, "close") {
		t.Error("Expected no close without a publisher")
	}
}

func TestRunPublishFailureAborts(t *testing.T) {
	h := newHarness()
	h.publisher.fail["measurement"] = errors.New("publish thum/sensor/temperature/state: connection lost")

	report := h.run()

	if report.Err == nil {
		t.Fatal("Expected cycle error")
	}
	if contains(h.rec.calls, "publish_rssi") || contains(h.rec.calls, "publish_voltage") {
		t.Errorf("Expected remaining publishes to be skipped, got %v", h.rec.calls)
	}
	if !contains(h.rec.calls, "close") || !contains(h.rec.calls, "sleep") {
		t.Errorf("Expected close and sleep, got %v", h.rec.calls)
	}
	if !strings.Contains(report.Outcome, "thum/sensor/temperature/state") {
		t.Errorf("Expected topic in outcome, got %q", report.Outcome)
	}
}

func TestRunVoltagePublishFailure(t *testing.T) {
	h := newHarness()
	h.publisher.fail["voltage"] = errors.New("publish thum/sensor/voltage/state: timeout")

	report := h.run()

	if report.Outcome != "error: mqtt: publish thum/sensor/voltage/state: timeout" {
		t.Errorf("Unexpected outcome %q", report.Outcome)
	}
	if h.outcome.written[0] != report.Outcome {
		t.Errorf("Expected persisted outcome %q, got %q", report.Outcome, h.outcome.written[0])
	}
	if !contains(h.rec.calls, "sleep") {
		t.Error("Expected sleep after publish failure")
	}
}

// failingTransport fails every publish to failTopic.
type failingTransport struct {
	failTopic string
	err       error
	topics    []string
	closed    bool
}

func (f *failingTransport) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	f.topics = append(f.topics, topic)
	if topic == f.failTopic {
		return f.err
	}
	return nil
}

func (f *failingTransport) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func TestRunPublisherErrorReachesOutcome(t *testing.T) {
	h := newHarness()
	transport := &failingTransport{
		failTopic: "thum/sensor/voltage/state",
		err:       errors.New("timeout"),
	}
	discovery := mqtt.NewDiscovery("", mqtt.NewDeviceInfo("6f1c2a8e-3b4d-4e5f-8a9b-0c1d2e3f4a5b", "thum", "rpi-sht3x"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.dial = func(ctx context.Context) (Publisher, error) {
		return mqtt.NewPublisher(transport, discovery, 2, logger), nil
	}

	report := h.run()

	var pubErr *mqtt.PublishError
	if !errors.As(report.Err, &pubErr) {
		t.Fatalf("Expected PublishError, got %v", report.Err)
	}
	if pubErr.Topic != "thum/sensor/voltage/state" {
		t.Errorf("Expected voltage state topic, got %s", pubErr.Topic)
	}
	if report.Outcome != "error: mqtt: publish thum/sensor/voltage/state: timeout" {
		t.Errorf("Unexpected outcome %q", report.Outcome)
	}
	if len(h.outcome.written) != 1 || h.outcome.written[0] != report.Outcome {
		t.Errorf("Expected persisted outcome %q, got %v", report.Outcome, h.outcome.written)
	}
	if last := transport.topics[len(transport.topics)-1]; last != "thum/sensor/voltage/state" {
		t.Errorf("Expected voltage state to be the last publish, got %s", last)
	}
	if !transport.closed {
		t.Error("Expected transport to be closed")
	}
	if !contains(h.rec.calls, "sleep") {
		t.Error("Expected sleep after publish failure")
	}
}

func TestRunCancelledStillPersistsAndSleeps(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sensing.onMeasure = cancel
	h.sensing.measureErr = context.Canceled

	report := h.runContext(ctx)

	if !errors.Is(report.Err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", report.Err)
	}
	want := []string{"read", "measure", "write", "sleep"}
	if !reflect.DeepEqual(h.rec.calls, want) {
		t.Errorf("Expected calls %v, got %v", want, h.rec.calls)
	}
	if h.sleeper.ctxErr != nil {
		t.Errorf("Expected sleep with a live context, got %v", h.sleeper.ctxErr)
	}
	if h.outcome.written[0] != "error: sensing: context canceled" {
		t.Errorf("Unexpected persisted outcome %q", h.outcome.written[0])
	}
}

func TestAbortPersistsAndSleeps(t *testing.T) {
	h := newHarness()
	h.outcome.previous = "ok"

	report := h.orchestrator().Abort(context.Background(), errors.New("THUM_SLEEP_SECONDS: invalid syntax"))

	want := []string{"read", "write", "sleep"}
	if !reflect.DeepEqual(h.rec.calls, want) {
		t.Errorf("Expected calls %v, got %v", want, h.rec.calls)
	}

	var stepErr *StepError
	if !errors.As(report.Err, &stepErr) || stepErr.Step != StepConfig {
		t.Fatalf("Expected config StepError, got %v", report.Err)
	}
	if report.Outcome != "error: config: THUM_SLEEP_SECONDS: invalid syntax" {
		t.Errorf("Unexpected outcome %q", report.Outcome)
	}
	if report.Previous != "ok" {
		t.Errorf("Expected previous ok, got %q", report.Previous)
	}
	if h.sleeper.d != 30*time.Minute {
		t.Errorf("Expected 30m sleep, got %v", h.sleeper.d)
	}
}

func TestRunBestEffortPolicy(t *testing.T) {
	h := newHarness()
	h.policy = config.PolicyBestEffort
	h.publisher.fail["result"] = errors.New("result failed")
	h.link.up = false

	report := h.run()

	for _, call := range []string{"publish_measurement", "publish_rssi", "publish_voltage"} {
		if !contains(h.rec.calls, call) {
			t.Errorf("Expected %s to be attempted, got %v", call, h.rec.calls)
		}
	}
	if !errors.Is(report.Err, ErrLinkDown) {
		t.Errorf("Expected ErrLinkDown in joined error, got %v", report.Err)
	}
	if strings.Contains(report.Outcome, "\n") {
		t.Errorf("Expected single-line outcome, got %q", report.Outcome)
	}
	if !strings.Contains(report.Outcome, "mqtt: result failed") || !strings.Contains(report.Outcome, "wifi: link is down") {
		t.Errorf("Unexpected outcome %q", report.Outcome)
	}
}

func TestRunLinkDownAborts(t *testing.T) {
	h := newHarness()
	h.link.up = false

	report := h.run()

	if !errors.Is(report.Err, ErrLinkDown) {
		t.Fatalf("Expected ErrLinkDown, got %v", report.Err)
	}
	if contains(h.rec.calls, "publish_voltage") {
		t.Error("Expected voltage publish to be skipped")
	}
}

func TestRunPreviousReadFailure(t *testing.T) {
	h := newHarness()
	h.outcome.readErr = &outcome.DecodeError{Size: 3, Err: errors.New("invalid UTF-8")}

	report := h.run()

	if report.Previous != outcome.DefaultPrevious {
		t.Errorf("Expected %q, got %q", outcome.DefaultPrevious, report.Previous)
	}
	if h.publisher.values["result"] != outcome.DefaultPrevious {
		t.Errorf("Expected default to be published, got %v", h.publisher.values["result"])
	}
	if report.Err != nil {
		t.Errorf("Expected read failure to be non-fatal, got %v", report.Err)
	}
}

func TestRunPersistFailureStillSleeps(t *testing.T) {
	h := newHarness()
	h.outcome.writeErr = &outcome.WriteError{Err: errors.New("read-only file system")}

	report := h.run()

	if report.Outcome != "ok" || report.Err != nil {
		t.Errorf("Expected persist failure not to change the outcome, got %q (%v)", report.Outcome, report.Err)
	}
	if !contains(h.rec.calls, "sleep") {
		t.Error("Expected sleep after persist failure")
	}
}

func TestFormatOutcome(t *testing.T) {
	if got := FormatOutcome(nil); got != "ok" {
		t.Errorf("Expected ok, got %q", got)
	}
	err := &StepError{Step: StepSensing, Err: &sensor.SensorError{Err: errors.New("crc mismatch")}}
	if got := FormatOutcome(err); got != "error: sensing: sht data error: crc mismatch" {
		t.Errorf("Unexpected outcome %q", got)
	}
}

func contains(calls []string, call string) bool {
	for _, c := range calls {
		if c == call {
			return true
		}
	}
	return false
}
