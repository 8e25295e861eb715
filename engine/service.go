package engine

import (
	"fmt"
	"time"

	"wavedcc.org/dcc"
)

// Attempts at the bit-verify walk before a read gives up.
const readAttempts = 3

// serviceChain transmits handles on the programming track with
// PROGENABLE asserted, sampling the published current at millisecond
// cadence for the duration. The returned samples cover the whole
// transmission including the trailing reset frames that hold power
// through the decoder's acknowledgment window.
func (e *Engine) serviceChain(ids []int) ([]float64, error) {
	if err := e.pins.Write(e.cfg.ProgEnable, true); err != nil {
		return nil, err
	}
	defer e.pins.Write(e.cfg.ProgEnable, false)
	if err := e.sink.WaveChain(ids); err != nil {
		return nil, err
	}
	var samples []float64
	for {
		busy, err := e.sink.WaveTxBusy()
		if err != nil {
			return samples, err
		}
		if !busy {
			break
		}
		samples = append(samples, e.Current())
		time.Sleep(time.Millisecond)
	}
	return samples, nil
}

// ack decides whether a probe's sample vector contains a decoder
// acknowledgment: at least ackMin of the trailing sampleCount
// samples exceed the quiescent level by the ack limit (60 mA and
// 6 ± 1 ms per S-9.2.3).
func ack(samples []float64, quiescent, limit float64, sampleCount, ackMin int) bool {
	tail := samples
	if len(tail) > sampleCount {
		tail = tail[len(tail)-sampleCount:]
	}
	n := 0
	for _, s := range tail {
		if s > quiescent+limit {
			n++
		}
	}
	return n >= ackMin
}

// makeWave stages a packet and creates a wave for it.
func (e *Engine) makeWave(p *dcc.Packet) (int, error) {
	if err := e.sink.WaveAddGeneric(p.Pulses()); err != nil {
		return 0, err
	}
	return e.sink.WaveCreate()
}

// probeChain is the S-9.2.3 service packet sequence: 3 reset
// frames, 5 probe frames, and 6 trailing resets covering the 6 ms
// acknowledgment window.
func probeChain(r, p int) []int {
	return []int{r, r, r, p, p, p, p, p, r, r, r, r, r, r}
}

// writeCV performs a service-mode direct byte write on the
// programming track.
func (e *Engine) writeCV(cv int, value byte) error {
	e.setInterval(e.fastEvery)
	defer e.setInterval(e.slowEvery)

	if err := e.sink.WaveClear(); err != nil {
		return err
	}
	rid, err := e.makeWave(dcc.Reset(e.cfg.Prog1, e.cfg.Prog2))
	if err != nil {
		return err
	}
	defer e.sink.WaveDelete(rid)
	pid, err := e.makeWave(dcc.ServiceWriteByte(e.cfg.Prog1, e.cfg.Prog2, cv, value))
	if err != nil {
		return err
	}
	defer e.sink.WaveDelete(pid)
	_, err = e.serviceChain(probeChain(rid, pid))
	return err
}

// readCV recovers one CV byte with the bit-verify walk: probe each
// bit, assemble the accumulator, and confirm with a byte verify.
// It returns -1 after exhausting its attempts.
func (e *Engine) readCV(cv int) (int, error) {
	e.setInterval(e.fastEvery)
	defer e.setInterval(e.slowEvery)
	// Give the monitor a beat to pick up the fast cadence before
	// the power-up window starts.
	time.Sleep(e.fastEvery + minSleep)

	if err := e.sink.WaveClear(); err != nil {
		return -1, err
	}
	rid, err := e.makeWave(dcc.Reset(e.cfg.Prog1, e.cfg.Prog2))
	if err != nil {
		return -1, err
	}
	defer e.sink.WaveDelete(rid)

	// S-9.2.3 power-up sequence: 20 valid packets to stabilize the
	// decoder, sampled to establish the quiescent draw.
	powerup := make([]int, 20)
	for i := range powerup {
		powerup[i] = rid
	}
	samples, err := e.serviceChain(powerup)
	if err != nil {
		return -1, err
	}
	if len(samples) == 0 {
		return -1, fmt.Errorf("engine: no samples during power-up")
	}
	tail := samples
	if len(tail) > e.cfg.SampleCount {
		tail = tail[len(tail)-e.cfg.SampleCount:]
	}
	quiescent := 0.0
	for _, s := range tail {
		if s > quiescent {
			quiescent = s
		}
	}

	probe := func(p *dcc.Packet) (bool, error) {
		pid, err := e.makeWave(p)
		if err != nil {
			return false, err
		}
		defer e.sink.WaveDelete(pid)
		samples, err := e.serviceChain(probeChain(rid, pid))
		if err != nil {
			return false, err
		}
		return ack(samples, quiescent, e.cfg.AckLimit, e.cfg.SampleCount, e.cfg.AckMin), nil
	}
	verifyBit := func(pos, v int) (bool, error) {
		return probe(dcc.ServiceVerifyBit(e.cfg.Prog1, e.cfg.Prog2, cv, pos, v))
	}

	for range readAttempts {
		var value byte
		// Bit 0 is probed both ways; a decoder that answers
		// neither is not listening, so the attempt is abandoned.
		one, err := verifyBit(0, 1)
		if err != nil {
			return -1, err
		}
		if one {
			value |= 1
		} else {
			zero, err := verifyBit(0, 0)
			if err != nil {
				return -1, err
			}
			if !zero {
				continue
			}
		}
		for pos := 1; pos <= 7; pos++ {
			set, err := verifyBit(pos, 1)
			if err != nil {
				return -1, err
			}
			if set {
				value |= 1 << pos
			}
		}
		ok, err := probe(dcc.ServiceVerifyByte(e.cfg.Prog1, e.cfg.Prog2, cv, value))
		if err != nil {
			return -1, err
		}
		if ok {
			return int(value), nil
		}
	}
	return -1, nil
}
