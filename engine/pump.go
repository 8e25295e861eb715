package engine

import (
	"log"
	"sync"
	"time"

	"wavedcc.org/dcc"
)

// packetQueue is the multi-producer single-consumer FIFO between
// the dispatcher and the pump. The producer is human rate, so it is
// unbounded.
type packetQueue struct {
	mu      sync.Mutex
	packets []*dcc.Packet
}

func (q *packetQueue) push(p *dcc.Packet) {
	q.mu.Lock()
	q.packets = append(q.packets, p)
	q.mu.Unlock()
}

func (q *packetQueue) pop() (*dcc.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return nil, false
	}
	p := q.packets[0]
	q.packets = q.packets[1:]
	return p, true
}

// Pad every submission to 50 µs of headroom so the sync handoff to
// the next wave cannot underrun.
const wavePad = 50

// pump keeps the main track clocked while running is set. It
// double-buffers waves through the sink: while wave `current` is on
// the wire, the next packet is already queued back-to-back behind
// it. The busy-wait granularity bounds both handoff latency and
// cancellation latency to about a millisecond.
func (e *Engine) pump(done chan struct{}) {
	defer close(done)
	defer func() {
		e.sink.WaveTxStop()
		e.sink.WaveClear()
	}()

	idle := dcc.Idle(e.cfg.Main1, e.cfg.Main2)
	submit := func(p *dcc.Packet, sync bool) (int, error) {
		if err := e.sink.WaveAddGeneric(p.Pulses()); err != nil {
			return 0, err
		}
		id, err := e.sink.WaveCreatePad(wavePad)
		if err != nil {
			return 0, err
		}
		if sync {
			err = e.sink.WaveSendOneShotSync(id)
		} else {
			err = e.sink.WaveSendOneShot(id)
		}
		if err != nil {
			return 0, err
		}
		return id, nil
	}

	current, err := submit(idle, false)
	if err != nil {
		log.Printf("engine: pump: %v", err)
		return
	}
	for e.running.Load() {
		next, err := submit(e.nextPacket(idle), true)
		if err != nil {
			log.Printf("engine: pump: %v", err)
			return
		}
		for e.running.Load() {
			at, err := e.sink.WaveTxAt()
			if err != nil {
				log.Printf("engine: pump: %v", err)
				return
			}
			if at != current {
				break
			}
			time.Sleep(time.Millisecond)
		}
		e.sink.WaveDelete(current)
		current = next
	}
}

// nextPacket picks the next wave for the track: a queued command if
// one is pending, otherwise the next roster entry's speed packet,
// otherwise idle.
func (e *Engine) nextPacket(idle *dcc.Packet) *dcc.Packet {
	if p, ok := e.queue.pop(); ok {
		return p
	}
	it := e.roster.Next()
	if it.Address == 0 {
		return idle
	}
	var p *dcc.Packet
	var err error
	if e.steps28.Load() {
		p, err = dcc.SpeedDir28(e.cfg.Main1, e.cfg.Main2, it.Address, it.Speed, it.Direction)
	} else {
		p, err = dcc.SpeedDir128(e.cfg.Main1, e.cfg.Main2, it.Address, it.Speed, it.Direction)
	}
	if err != nil {
		return idle
	}
	return p
}
