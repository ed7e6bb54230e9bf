package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// ADS1115 registers
	adsRegConversion = 0x00
	adsRegConfig     = 0x01

	adsConfigOsSingle    uint16 = 0x8000
	adsConfigMuxSingle0  uint16 = 0x4000 // AIN0 vs GND; AINn adds n<<12
	adsConfigGainOne     uint16 = 0x0200 // +/- 4.096V
	adsConfigModeSingle  uint16 = 0x0100
	adsConfigDataRate128 uint16 = 0x0080
	adsConfigQueueNone   uint16 = 0x0003

	adsFullScaleMillivolts = 4096

	// 128 SPS converts in ~8 ms
	adsConvTimeout  = 50 * time.Millisecond
	adsConvPollWait = time.Millisecond
)

// ADS1115 reads one single-ended channel of a TI ADS1115.
type ADS1115 struct {
	bus     Bus
	address byte
	channel int
}

// NewADS1115 creates a driver for the given channel (0-3).
func NewADS1115(bus Bus, address byte, channel int) *ADS1115 {
	return &ADS1115{bus: bus, address: address, channel: channel}
}

// config builds the config register for a single-shot conversion.
func (a *ADS1115) config() uint16 {
	return adsConfigOsSingle |
		(adsConfigMuxSingle0 + uint16(a.channel)<<12) |
		adsConfigGainOne |
		adsConfigModeSingle |
		adsConfigDataRate128 |
		adsConfigQueueNone
}

// ReadMillivolts starts a conversion, polls the OS bit and converts the
// result. Negative readings are clamped to zero.
func (a *ADS1115) ReadMillivolts(ctx context.Context) (int, error) {
	if a.channel < 0 || a.channel > 3 {
		return 0, fmt.Errorf("ads1115: no input channel %d", a.channel)
	}

	cfg := a.config()
	if err := a.bus.WriteToReg(a.address, adsRegConfig, []byte{byte(cfg >> 8), byte(cfg)}); err != nil {
		return 0, fmt.Errorf("ads1115: write config: %w", err)
	}

	deadline := time.Now().Add(adsConvTimeout)
	buf := make([]byte, 2)
	for {
		if err := a.bus.ReadFromReg(a.address, adsRegConfig, buf); err != nil {
			return 0, fmt.Errorf("ads1115: read config: %w", err)
		}
		status := binary.BigEndian.Uint16(buf)
		if status&adsConfigOsSingle != 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("ads1115: conversion timeout (last cfg=0x%04X)", status)
		}
		if err := wait(ctx, adsConvPollWait); err != nil {
			return 0, err
		}
	}

	if err := a.bus.ReadFromReg(a.address, adsRegConversion, buf); err != nil {
		return 0, fmt.Errorf("ads1115: read conversion: %w", err)
	}
	raw := int16(binary.BigEndian.Uint16(buf))

	return rawToMillivolts(raw), nil
}

// rawToMillivolts scales a conversion result at the +/-4.096V range.
func rawToMillivolts(raw int16) int {
	if raw < 0 {
		return 0
	}
	return int(raw) * adsFullScaleMillivolts / 32768
}
