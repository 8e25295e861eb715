package engine

import (
	"errors"
	"sync"

	"wavedcc.org/dcc"
)

// Simulator implements Sink, Pins and Meter in memory, with a
// decoder model on the programming track that answers service-mode
// probes by raising the simulated current draw. It backs the engine
// tests and -sim runs of cmd/wavedcc.
type Simulator struct {
	mu     sync.Mutex
	staged []dcc.Pulse
	waves  map[int][]dcc.Pulse
	nextID int

	// One-shot playback: a submission takes over the wire on the
	// second query and a lone one-shot drains on the one after,
	// modelling the one busy-wait poll each costs on hardware.
	active       int
	activePolls  int
	pending      int
	pendingPolls int

	// Chain playback: one simulated current sample per
	// millisecond of transmission time.
	schedule []float64
	pos      int

	pins map[uint]bool

	base    float64
	volts   float64
	forced  float64
	cvs     [1025]byte
	decoder bool

	sent [][]byte
}

// Simulated electrical levels, in mA. The quiescent draw is that of
// a typical sound decoder; an acknowledgment pulse raises the draw
// well past quiescent + 60 mA.
const (
	simQuiescent = 80
	simAck       = 150
	simVolts     = 15000
)

// ackWindow is how many trailing samples of a chain carry the
// acknowledgment pulse. Generous relative to the 6 ms minimum so
// the published reading, which lags by up to one monitor period,
// still shows the burst.
const ackWindow = 12

func NewSimulator() *Simulator {
	return &Simulator{
		waves:   make(map[int][]dcc.Pulse),
		pins:    make(map[uint]bool),
		active:  -1,
		pending: -1,
		base:    simQuiescent,
		volts:   simVolts,
		decoder: true,
	}
}

// SetCV programs the simulated decoder.
func (s *Simulator) SetCV(cv int, value byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cvs[cv] = value
}

// CV reads back the simulated decoder.
func (s *Simulator) CV(cv int) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cvs[cv]
}

// SetDecoder controls whether a decoder is present on the
// programming track.
func (s *Simulator) SetDecoder(present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decoder = present
}

// ForceCurrent overrides the simulated current draw; zero restores
// normal behavior.
func (s *Simulator) ForceCurrent(ma float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = ma
}

// Pin returns the level of a simulated GPIO line.
func (s *Simulator) Pin(pin uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[pin]
}

// Sent returns the payload bytes of every transmitted wave in
// transmission order.
func (s *Simulator) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// ClearSent resets the transmission record.
func (s *Simulator) ClearSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func (s *Simulator) WaveAddGeneric(pulses []dcc.Pulse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, pulses...)
	return nil
}

func (s *Simulator) WaveCreate() (int, error) {
	return s.create()
}

func (s *Simulator) WaveCreatePad(pad int) (int, error) {
	return s.create()
}

func (s *Simulator) create() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.staged) == 0 {
		return 0, errors.New("sim: empty wave")
	}
	id := s.nextID
	s.nextID++
	s.waves[id] = s.staged
	s.staged = nil
	return id, nil
}

func (s *Simulator) WaveSendOneShot(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waves[id]; !ok {
		return errors.New("sim: unknown wave")
	}
	s.record(id)
	s.active = id
	s.activePolls = 1
	s.pending = -1
	return nil
}

func (s *Simulator) WaveSendOneShotSync(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waves[id]; !ok {
		return errors.New("sim: unknown wave")
	}
	s.record(id)
	s.pending = id
	s.pendingPolls = 1
	return nil
}

func (s *Simulator) WaveTxAt() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.pending != -1:
		if s.pendingPolls > 0 {
			s.pendingPolls--
			return s.active, nil
		}
		s.active = s.pending
		s.activePolls = 1
		s.pending = -1
	case s.activePolls > 0:
		s.activePolls--
	default:
		s.active = -1
	}
	return s.active, nil
}

func (s *Simulator) WaveTxBusy() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos < len(s.schedule) {
		s.pos++
		return true, nil
	}
	s.schedule = nil
	return false, nil
}

func (s *Simulator) WaveTxStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = -1
	s.pending = -1
	s.schedule = nil
	return nil
}

// WaveChain plays a handle sequence through the decoder model: the
// packets take effect in order, and if any probe earns an
// acknowledgment the tail of the chain's sample schedule carries
// the ack burst.
func (s *Simulator) WaveChain(ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	us := 0
	acked := false
	for _, id := range ids {
		w, ok := s.waves[id]
		if !ok {
			return errors.New("sim: unknown wave")
		}
		for _, p := range w {
			us += int(p.Dur)
		}
		s.record(id)
		if s.decoder && s.answer(decodePayload(w)) {
			acked = true
		}
	}
	n := us / 1000
	if n < 1 {
		n = 1
	}
	s.schedule = make([]float64, n)
	for i := range s.schedule {
		s.schedule[i] = s.base
		if acked && i >= n-ackWindow {
			s.schedule[i] = s.base + simAck
		}
	}
	s.pos = 0
	return nil
}

func (s *Simulator) WaveDelete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waves, id)
	return nil
}

func (s *Simulator) WaveClear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = nil
	clear(s.waves)
	s.active = -1
	s.pending = -1
	s.schedule = nil
	return nil
}

func (s *Simulator) SetOutput(pin uint) error {
	return nil
}

func (s *Simulator) Write(pin uint, level bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[pin] = level
	return nil
}

func (s *Simulator) BusVoltage() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volts, nil
}

func (s *Simulator) Current() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced != 0 {
		return s.forced, nil
	}
	if len(s.schedule) > 0 {
		i := s.pos
		if i >= len(s.schedule) {
			i = len(s.schedule) - 1
		}
		return s.schedule[i], nil
	}
	return s.base, nil
}

// record stores a wave's decoded payload. Callers hold mu.
func (s *Simulator) record(id int) {
	s.sent = append(s.sent, decodePayload(s.waves[id]))
}

// answer runs one packet through the decoder model and reports
// whether it acknowledges. Service-mode direct packets carry
// 0111KKVV in their first payload byte.
func (s *Simulator) answer(payload []byte) bool {
	if len(payload) < 4 || payload[0]&0xF0 != 0x70 {
		return false
	}
	cv := (int(payload[0]&0x03)<<8 | int(payload[1])) + 1
	data := payload[2]
	switch payload[0] >> 2 & 0x03 {
	case 0b11: // write byte
		s.cvs[cv] = data
		return true
	case 0b01: // verify byte
		return s.cvs[cv] == data
	case 0b10: // verify bit
		pos := int(data & 0x07)
		v := data >> 3 & 1
		return s.cvs[cv]>>pos&1 == v
	}
	return false
}

// decodePayload reverses the pulse encoding back into payload
// bytes: pulse pairs to bits, preamble skipped, delimited bytes
// collected until the final one bit.
func decodePayload(pulses []dcc.Pulse) []byte {
	var bits []byte
	for i := 0; i+1 < len(pulses); i += 2 {
		if pulses[i].Dur == 58 {
			bits = append(bits, 1)
		} else {
			bits = append(bits, 0)
		}
	}
	i := 0
	for i < len(bits) && bits[i] == 1 {
		i++
	}
	var payload []byte
	for i < len(bits) && bits[i] == 0 {
		i++
		if i+8 > len(bits) {
			break
		}
		var b byte
		for j := range 8 {
			b = b<<1 | bits[i+j]
		}
		i += 8
		payload = append(payload, b)
	}
	return payload
}
