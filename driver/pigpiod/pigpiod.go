// Package pigpiod implements a client for the pigpio daemon's
// socket interface. wavedcc uses it as its waveform generator: the
// daemon's DMA-paced waves give the microsecond timing the DCC
// bitstream needs without a realtime kernel, and its GPIO and I²C
// commands cover the track enables and the current sensor.
//
// Every request is four little-endian uint32 words {cmd, p1, p2,
// p3} with p3 carrying the length of an optional extension payload;
// the reply echoes the first three words and returns the result in
// the fourth, negative on error.
package pigpiod

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"periph.io/x/conn/v3/physic"
	"wavedcc.org/dcc"
)

// Socket command codes, from pigpio's command.h.
const (
	cmdModes = 0
	cmdWrite = 4
	cmdHwVer = 17
	cmdWvClr = 27
	cmdWvAG  = 28
	cmdWvBsy = 32
	cmdWvHlt = 33
	cmdWvCre = 49
	cmdWvDel = 50
	cmdI2CO  = 54
	cmdI2CC  = 55
	cmdI2CRD = 56
	cmdI2CWD = 57
	cmdWvCha = 93
	cmdWvTxM = 100
	cmdWvTat = 101
	cmdWvCap = 118
)

// GPIO modes and wave transmission modes.
const (
	modeOutput = 1

	txOneShot     = 0
	txOneShotSync = 2
)

// Error is a negative pigpio status code.
type Error int32

func (e Error) Error() string {
	return fmt.Sprintf("pigpiod: status %d", int32(e))
}

// Conn is a connection to a pigpio daemon. Requests are serialized;
// a Conn is safe for concurrent use.
type Conn struct {
	mu sync.Mutex
	c  net.Conn
}

// Dial connects to a daemon, host:port.
func Dial(addr string) (*Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pigpiod: %w", err)
	}
	return &Conn{c: c}, nil
}

func (c *Conn) Close() error {
	return c.c.Close()
}

// cmd performs one request/reply exchange and returns the result
// word.
func (c *Conn) cmd(cmd, p1, p2 uint32, ext []byte) (int32, error) {
	res, _, err := c.cmdRead(cmd, p1, p2, ext, false)
	return res, err
}

// cmdRead is cmd for requests whose positive result is the length
// of a data payload to read.
func (c *Conn) cmdRead(cmd, p1, p2 uint32, ext []byte, data bool) (int32, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := make([]byte, 16, 16+len(ext))
	binary.LittleEndian.PutUint32(req[0:], cmd)
	binary.LittleEndian.PutUint32(req[4:], p1)
	binary.LittleEndian.PutUint32(req[8:], p2)
	binary.LittleEndian.PutUint32(req[12:], uint32(len(ext)))
	req = append(req, ext...)
	if _, err := c.c.Write(req); err != nil {
		return 0, nil, fmt.Errorf("pigpiod: %w", err)
	}
	var reply [16]byte
	if err := readFull(c.c, reply[:]); err != nil {
		return 0, nil, fmt.Errorf("pigpiod: %w", err)
	}
	res := int32(binary.LittleEndian.Uint32(reply[12:]))
	if res < 0 {
		return res, nil, Error(res)
	}
	if !data || res == 0 {
		return res, nil, nil
	}
	payload := make([]byte, res)
	if err := readFull(c.c, payload); err != nil {
		return 0, nil, fmt.Errorf("pigpiod: %w", err)
	}
	return res, payload, nil
}

func readFull(c net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := c.Read(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// SetOutput claims pin as a GPIO output.
func (c *Conn) SetOutput(pin uint) error {
	_, err := c.cmd(cmdModes, uint32(pin), modeOutput, nil)
	return err
}

// Write sets the level of an output pin.
func (c *Conn) Write(pin uint, level bool) error {
	l := uint32(0)
	if level {
		l = 1
	}
	_, err := c.cmd(cmdWrite, uint32(pin), l, nil)
	return err
}

// HardwareVersion returns the Pi's hardware revision word.
func (c *Conn) HardwareVersion() (uint32, error) {
	res, err := c.cmd(cmdHwVer, 0, 0, nil)
	return uint32(res), err
}

// WaveClear deletes every wave and empties the staging buffer.
func (c *Conn) WaveClear() error {
	_, err := c.cmd(cmdWvClr, 0, 0, nil)
	return err
}

// WaveAddGeneric appends pulses to the staging buffer. Each pulse
// is three words on the wire: set mask, clear mask, delay µs.
func (c *Conn) WaveAddGeneric(pulses []dcc.Pulse) error {
	ext := make([]byte, 12*len(pulses))
	for i, p := range pulses {
		binary.LittleEndian.PutUint32(ext[12*i:], p.On)
		binary.LittleEndian.PutUint32(ext[12*i+4:], p.Off)
		binary.LittleEndian.PutUint32(ext[12*i+8:], p.Dur)
	}
	_, err := c.cmd(cmdWvAG, 0, 0, ext)
	return err
}

// WaveCreate turns the staging buffer into a wave and returns its
// handle.
func (c *Conn) WaveCreate() (int, error) {
	res, err := c.cmd(cmdWvCre, 0, 0, nil)
	return int(res), err
}

// WaveCreatePad is WaveCreate with pad of headroom reserved so a
// following wave can be substituted seamlessly.
func (c *Conn) WaveCreatePad(pad int) (int, error) {
	res, err := c.cmd(cmdWvCap, uint32(pad), uint32(pad), nil)
	return int(res), err
}

// WaveSendOneShot transmits wave id once.
func (c *Conn) WaveSendOneShot(id int) error {
	_, err := c.cmd(cmdWvTxM, uint32(id), txOneShot, nil)
	return err
}

// WaveSendOneShotSync transmits wave id once, starting back-to-back
// with the currently transmitting wave.
func (c *Conn) WaveSendOneShotSync(id int) error {
	_, err := c.cmd(cmdWvTxM, uint32(id), txOneShotSync, nil)
	return err
}

// WaveTxAt returns the handle of the wave on the wire.
func (c *Conn) WaveTxAt() (int, error) {
	res, err := c.cmd(cmdWvTat, 0, 0, nil)
	return int(res), err
}

// WaveTxBusy reports whether a wave or chain is transmitting.
func (c *Conn) WaveTxBusy() (bool, error) {
	res, err := c.cmd(cmdWvBsy, 0, 0, nil)
	return res != 0, err
}

// WaveTxStop aborts the current transmission.
func (c *Conn) WaveTxStop() error {
	_, err := c.cmd(cmdWvHlt, 0, 0, nil)
	return err
}

// WaveChain transmits a list of waves in order. Handles fit in a
// byte; the chain opcodes above 251 are not needed here.
func (c *Conn) WaveChain(ids []int) error {
	ext := make([]byte, len(ids))
	for i, id := range ids {
		ext[i] = byte(id)
	}
	_, err := c.cmd(cmdWvCha, 0, 0, ext)
	return err
}

// WaveDelete releases a wave handle.
func (c *Conn) WaveDelete(id int) error {
	_, err := c.cmd(cmdWvDel, uint32(id), 0, nil)
	return err
}

// I2C returns a periph-compatible I²C bus backed by the daemon, so
// the same sensor drivers run locally and remotely. Device handles
// open lazily per address.
func (c *Conn) I2C(bus int) *I2C {
	return &I2C{conn: c, bus: uint32(bus), handles: make(map[uint16]uint32)}
}

// I2C implements i2c.Bus over the daemon's I²C commands.
type I2C struct {
	mu      sync.Mutex
	conn    *Conn
	bus     uint32
	handles map[uint16]uint32
}

func (b *I2C) String() string {
	return fmt.Sprintf("pigpiod-i2c%d", b.bus)
}

// SetSpeed is a no-op: the daemon's bus speed is fixed at boot.
func (b *I2C) SetSpeed(f physic.Frequency) error {
	return nil
}

func (b *I2C) handle(addr uint16) (uint32, error) {
	if h, ok := b.handles[addr]; ok {
		return h, nil
	}
	var flags [4]byte
	res, err := b.conn.cmd(cmdI2CO, b.bus, uint32(addr), flags[:])
	if err != nil {
		return 0, err
	}
	h := uint32(res)
	b.handles[addr] = h
	return h, nil
}

// Tx writes w to addr, then reads len(r) bytes back.
func (b *I2C) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, err := b.handle(addr)
	if err != nil {
		return err
	}
	if len(w) > 0 {
		if _, err := b.conn.cmd(cmdI2CWD, h, 0, w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		_, data, err := b.conn.cmdRead(cmdI2CRD, h, uint32(len(r)), nil, true)
		if err != nil {
			return err
		}
		if len(data) != len(r) {
			return fmt.Errorf("pigpiod: short i2c read: %d of %d", len(data), len(r))
		}
		copy(r, data)
	}
	return nil
}

// Close releases the bus's device handles.
func (b *I2C) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for _, h := range b.handles {
		if _, err := b.conn.cmd(cmdI2CC, h, 0, nil); err != nil && first == nil {
			first = err
		}
	}
	clear(b.handles)
	return first
}
