// Package ina219 implements a driver for the INA219 high-side
// current and power monitor, the shunt sensor wavedcc samples for
// track current and decoder acknowledgment pulses.
//
// Datasheet: https://www.ti.com/lit/ds/symlink/ina219.pdf
package ina219

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
)

// Registers.
const (
	regConfig      = 0x00
	regShunt       = 0x01
	regBus         = 0x02
	regPower       = 0x03
	regCurrent     = 0x04
	regCalibration = 0x05
)

// DefaultAddr is the sensor's address with A0/A1 grounded.
const DefaultAddr = 0x40

// Calibration for the 32 V range and the 0.1 Ω shunt of the common
// motor-shield breakout: current LSB of 0.1 mA.
const (
	configValue = 0x3EEF
	calibration = 0x8332
)

type Dev struct {
	c i2c.Dev
}

// New opens and configures the sensor on bus.
func New(bus i2c.Bus, addr uint16) (*Dev, error) {
	d := &Dev{c: i2c.Dev{Bus: bus, Addr: addr}}
	if err := d.writeReg(regConfig, configValue); err != nil {
		return nil, fmt.Errorf("ina219: configure: %w", err)
	}
	if err := d.writeReg(regCalibration, calibration); err != nil {
		return nil, fmt.Errorf("ina219: calibrate: %w", err)
	}
	return d, nil
}

// BusVoltage returns the bus voltage in millivolts. The register
// holds the voltage in 4 mV units, left-shifted past the status
// bits.
func (d *Dev) BusVoltage() (float64, error) {
	raw, err := d.readReg(regBus)
	if err != nil {
		return 0, err
	}
	return float64((raw & 0xFFF8) >> 1), nil
}

// ShuntVoltage returns the shunt drop in 10 µV units.
func (d *Dev) ShuntVoltage() (float64, error) {
	raw, err := d.readReg(regShunt)
	if err != nil {
		return 0, err
	}
	return float64(int16(raw)), nil
}

// Current returns the shunt current in milliamps.
func (d *Dev) Current() (float64, error) {
	raw, err := d.readReg(regCurrent)
	if err != nil {
		return 0, err
	}
	return float64(int16(raw)) / 10, nil
}

// Halt powers the sensor down.
func (d *Dev) Halt() error {
	return d.writeReg(regConfig, 0)
}

func (d *Dev) readReg(reg byte) (uint16, error) {
	var buf [2]byte
	if err := d.c.Tx([]byte{reg}, buf[:]); err != nil {
		return 0, fmt.Errorf("ina219: read reg %#x: %w", reg, err)
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (d *Dev) writeReg(reg byte, v uint16) error {
	if err := d.c.Tx([]byte{reg, byte(v >> 8), byte(v)}, nil); err != nil {
		return fmt.Errorf("ina219: write reg %#x: %w", reg, err)
	}
	return nil
}
