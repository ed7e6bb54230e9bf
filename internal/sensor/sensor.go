// Package sensor reads temperature, humidity and battery voltage from the
// I2C peripherals of the node: an SHT3x humidity sensor and an ADS1115 ADC.
package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Measurement is one temperature/humidity sample.
type Measurement struct {
	Temperature float64 // °C
	Humidity    float64 // %RH
}

// VoltageReading is a raw ADC voltage in millivolts, before the divider.
type VoltageReading struct {
	Millivolts int
}

// Volts returns the battery voltage behind a resistor divider of the given ratio.
func (v VoltageReading) Volts(divider float64) float64 {
	return float64(v.Millivolts) / 1000 * divider
}

// Sensing produces the readings of one cycle.
type Sensing interface {
	ReadMeasurement(ctx context.Context) (Measurement, error)
	ReadVoltage(ctx context.Context) (VoltageReading, error)
}

// Bus is the subset of an I2C bus used by the drivers.
// github.com/reef-pi/rpi/i2c.Bus satisfies it.
type Bus interface {
	ReadBytes(addr byte, num int) ([]byte, error)
	WriteBytes(addr byte, value []byte) error
	ReadFromReg(addr, reg byte, value []byte) error
	WriteToReg(addr, reg byte, value []byte) error
	Close() error
}

// SensorError is a failed temperature/humidity read.
type SensorError struct {
	Err error
}

func (e *SensorError) Error() string { return fmt.Sprintf("sht data error: %v", e.Err) }
func (e *SensorError) Unwrap() error { return e.Err }

// AdcError is a failed battery voltage read.
type AdcError struct {
	Err error
}

func (e *AdcError) Error() string { return fmt.Sprintf("adc error: %v", e.Err) }
func (e *AdcError) Unwrap() error { return e.Err }

// BoardConfig describes where the peripherals sit on the bus.
type BoardConfig struct {
	SHTAddress byte
	ADCAddress byte
	ADCChannel int
}

// Board owns the I2C bus and both peripherals for the duration of a cycle.
type Board struct {
	bus    Bus
	sht    *SHT3x
	adc    *ADS1115
	logger *slog.Logger
}

// NewBoard takes ownership of bus; Close releases it.
func NewBoard(bus Bus, cfg BoardConfig, logger *slog.Logger) *Board {
	return &Board{
		bus:    bus,
		sht:    NewSHT3x(bus, cfg.SHTAddress),
		adc:    NewADS1115(bus, cfg.ADCAddress, cfg.ADCChannel),
		logger: logger,
	}
}

// ReadMeasurement triggers a single-shot SHT3x measurement.
func (b *Board) ReadMeasurement(ctx context.Context) (Measurement, error) {
	m, err := b.sht.Measure(ctx)
	if err != nil {
		return Measurement{}, &SensorError{Err: err}
	}
	b.logger.Debug("measurement read",
		"temperature", m.Temperature,
		"humidity", m.Humidity)
	return m, nil
}

// ReadVoltage samples the battery divider on the ADS1115.
func (b *Board) ReadVoltage(ctx context.Context) (VoltageReading, error) {
	mv, err := b.adc.ReadMillivolts(ctx)
	if err != nil {
		return VoltageReading{}, &AdcError{Err: err}
	}
	b.logger.Debug("voltage read", "millivolts", mv)
	return VoltageReading{Millivolts: mv}, nil
}

// Close releases the bus.
func (b *Board) Close() error {
	return b.bus.Close()
}

// Unavailable is a Sensing whose reads fail with Err. It stands in for a
// bus that could not be opened.
type Unavailable struct {
	Err error
}

func (u Unavailable) ReadMeasurement(context.Context) (Measurement, error) {
	return Measurement{}, &SensorError{Err: u.Err}
}

func (u Unavailable) ReadVoltage(context.Context) (VoltageReading, error) {
	return VoltageReading{}, &AdcError{Err: u.Err}
}

// wait sleeps for d unless ctx ends first.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
