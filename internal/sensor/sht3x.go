package sensor

import (
	"context"
	"fmt"
	"time"
)

const (
	// Single shot, medium repeatability, clock stretching disabled
	shtCmdMeasureMSB = 0x24
	shtCmdMeasureLSB = 0x0B

	// Max measurement duration for medium repeatability is 6 ms
	shtMeasureWait = 7 * time.Millisecond

	shtCRCPoly = 0x31
	shtCRCInit = 0xFF
)

// SHT3x is a Sensirion SHT30/31/35 on an I2C bus.
type SHT3x struct {
	bus     Bus
	address byte
}

// NewSHT3x creates a driver for the sensor at address.
func NewSHT3x(bus Bus, address byte) *SHT3x {
	return &SHT3x{bus: bus, address: address}
}

// Measure runs one single-shot measurement and validates both CRCs.
func (s *SHT3x) Measure(ctx context.Context) (Measurement, error) {
	if err := s.bus.WriteBytes(s.address, []byte{shtCmdMeasureMSB, shtCmdMeasureLSB}); err != nil {
		return Measurement{}, fmt.Errorf("sht3x: write command: %w", err)
	}

	if err := wait(ctx, shtMeasureWait); err != nil {
		return Measurement{}, err
	}

	data, err := s.bus.ReadBytes(s.address, 6)
	if err != nil {
		return Measurement{}, fmt.Errorf("sht3x: read: %w", err)
	}
	if len(data) != 6 {
		return Measurement{}, fmt.Errorf("sht3x: short read: %d bytes", len(data))
	}

	return decodeSHT3x(data)
}

// decodeSHT3x converts the 6-byte response: temperature word, CRC,
// humidity word, CRC.
func decodeSHT3x(data []byte) (Measurement, error) {
	if crc := crc8(data[0:2]); crc != data[2] {
		return Measurement{}, fmt.Errorf("sht3x: temperature crc mismatch: got 0x%02x, want 0x%02x", data[2], crc)
	}
	if crc := crc8(data[3:5]); crc != data[5] {
		return Measurement{}, fmt.Errorf("sht3x: humidity crc mismatch: got 0x%02x, want 0x%02x", data[5], crc)
	}

	rawT := uint16(data[0])<<8 | uint16(data[1])
	rawRH := uint16(data[3])<<8 | uint16(data[4])

	return Measurement{
		Temperature: -45 + 175*float64(rawT)/65535,
		Humidity:    100 * float64(rawRH) / 65535,
	}, nil
}

// crc8 is the Sensirion CRC-8 (polynomial 0x31, init 0xFF).
func crc8(data []byte) byte {
	crc := byte(shtCRCInit)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ shtCRCPoly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
