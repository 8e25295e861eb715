// Package engine implements the wavedcc command station core: the
// mode state machine, the command queue and waveform pump for the
// main track, the current monitor, and the service-mode CV engine
// for the programming track.
//
// The engine owns no hardware directly. It drives a pulse sink (the
// waveform generator), a set of H-bridge pins and a current meter
// through the interfaces below; driver/pigpiod and driver/ina219
// provide them on real hardware, Simulator provides all three for
// tests and -sim runs.
package engine

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"wavedcc.org/config"
	"wavedcc.org/dcc"
	"wavedcc.org/roster"
	"wavedcc.org/udplog"
)

// Sink is the waveform generator. Waves are built from staged
// pulses, transmitted one-shot (optionally back-to-back with the
// wave on wire), or chained by handle.
type Sink interface {
	WaveAddGeneric(pulses []dcc.Pulse) error
	WaveCreate() (int, error)
	// WaveCreatePad pads the staged wave to at least pad µs of
	// headroom so back-to-back handoff does not underrun.
	WaveCreatePad(pad int) (int, error)
	WaveSendOneShot(id int) error
	// WaveSendOneShotSync schedules id to begin immediately after
	// the currently transmitting wave completes.
	WaveSendOneShotSync(id int) error
	WaveTxAt() (int, error)
	WaveTxBusy() (bool, error)
	WaveTxStop() error
	WaveChain(ids []int) error
	WaveDelete(id int) error
	WaveClear() error
}

// Pins drives the H-bridge direction and enable lines.
type Pins interface {
	SetOutput(pin uint) error
	Write(pin uint, level bool) error
}

// Meter samples the track power bus.
type Meter interface {
	// BusVoltage returns the bus voltage in millivolts.
	BusVoltage() (float64, error)
	// Current returns the shunt current in milliamps.
	Current() (float64, error)
}

// Monitor cadence. The slow rate covers idle operation; service
// mode operations elevate to the fast rate for millisecond ack
// resolution. The sampler never sleeps less than minSleep after
// subtracting its own duty cycle.
const (
	slowInterval = 500 * time.Millisecond
	fastInterval = time.Millisecond
	minSleep     = 2 * time.Millisecond
)

// Engine is a command station instance. All commands funnel through
// Command, which is the only mutator of the mode state apart from
// the current monitor's overload trip.
type Engine struct {
	cfg   config.Config
	sink  Sink
	pins  Pins
	meter Meter
	ulog  *udplog.Logger

	queue  packetQueue
	roster *roster.Roster

	// cmdMu serializes Command: the stdin REPL and a serial
	// throttle may dispatch concurrently, but mode transitions
	// must not interleave.
	cmdMu sync.Mutex

	running     atomic.Bool
	programming atomic.Bool
	overload    atomic.Bool
	currenting  atomic.Bool
	steps28     atomic.Bool

	// vc guards the published meter readings and the monitor
	// cadence.
	vc       sync.Mutex
	voltage  float64
	current  float64
	interval time.Duration

	pumpDone    chan struct{}
	monitorDone chan struct{}

	// Cadence values, adjustable in tests.
	slowEvery time.Duration
	fastEvery time.Duration
}

// New assembles an engine from its hardware collaborators. Call
// Start before issuing commands.
func New(cfg config.Config, sink Sink, pins Pins, meter Meter) *Engine {
	e := &Engine{
		cfg:       cfg,
		sink:      sink,
		pins:      pins,
		meter:     meter,
		roster:    roster.New(),
		slowEvery: slowInterval,
		fastEvery: fastInterval,
	}
	e.steps28.Store(true)
	return e
}

// Start claims the GPIO lines, drops both track enables, clears the
// sink and launches the current monitor.
func (e *Engine) Start() error {
	for _, pin := range []uint{
		e.cfg.Main1, e.cfg.Main2, e.cfg.MainEnable,
		e.cfg.Prog1, e.cfg.Prog2, e.cfg.ProgEnable,
	} {
		if err := e.pins.SetOutput(pin); err != nil {
			return fmt.Errorf("engine: claim pin %d: %w", pin, err)
		}
	}
	if err := e.pins.Write(e.cfg.MainEnable, false); err != nil {
		return err
	}
	if err := e.pins.Write(e.cfg.ProgEnable, false); err != nil {
		return err
	}
	if err := e.sink.WaveClear(); err != nil {
		return fmt.Errorf("engine: clear sink: %w", err)
	}
	if e.cfg.Logging {
		l, err := udplog.Dial()
		if err != nil {
			return fmt.Errorf("engine: log stream: %w", err)
		}
		e.ulog = l
	}
	e.interval = e.slowEvery
	e.currenting.Store(true)
	e.monitorDone = make(chan struct{})
	go e.monitor(e.monitorDone)
	return nil
}

// Close stops the pump and monitor, waits for both to exit, drops
// the enables and releases the sink.
func (e *Engine) Close() error {
	e.pins.Write(e.cfg.MainEnable, false)
	e.pins.Write(e.cfg.ProgEnable, false)
	if e.running.CompareAndSwap(true, false) {
		<-e.pumpDone
		e.pumpDone = nil
	}
	if e.currenting.CompareAndSwap(true, false) {
		<-e.monitorDone
		e.monitorDone = nil
	}
	if e.ulog != nil {
		e.ulog.Close()
		e.ulog = nil
	}
	return e.sink.WaveClear()
}

// Running reports whether the main track pump is active.
func (e *Engine) Running() bool { return e.running.Load() }

// Programming reports whether the programming track is active.
func (e *Engine) Programming() bool { return e.programming.Load() }

// Overload reports whether the overload trip is set.
func (e *Engine) Overload() bool { return e.overload.Load() }

// Voltage returns the last published bus voltage in millivolts.
func (e *Engine) Voltage() float64 {
	e.vc.Lock()
	defer e.vc.Unlock()
	return e.voltage
}

// Current returns the last published track current in milliamps.
func (e *Engine) Current() float64 {
	e.vc.Lock()
	defer e.vc.Unlock()
	return e.current
}

func (e *Engine) setInterval(d time.Duration) {
	e.vc.Lock()
	e.interval = d
	e.vc.Unlock()
}

func (e *Engine) logf(format string, args ...any) {
	if e.ulog == nil {
		return
	}
	e.ulog.Printf(format, args...)
}

// powerOnMain starts the pump and energizes the main track.
func (e *Engine) powerOnMain() string {
	if e.programming.Load() {
		return "<Error: programming mode active.>"
	}
	if e.overload.Load() {
		return "<Error: overload tripped.>"
	}
	if e.running.Load() {
		return "<Error: DCC pulsetrain already started.>"
	}
	e.setInterval(e.fastEvery)
	// Pause one fast period plus the sleep floor before power
	// reaches the rails. A monitor already in a slow-rate sleep is
	// not woken and picks up the fast rate when that sleep ends.
	time.Sleep(e.fastEvery + minSleep)
	e.running.Store(true)
	e.pumpDone = make(chan struct{})
	go e.pump(e.pumpDone)
	e.pins.Write(e.cfg.ProgEnable, false)
	e.pins.Write(e.cfg.MainEnable, true)
	// The monitor may have tripped between the checks above and the
	// enable write; do not leave a shorted track energized.
	if e.overload.Load() {
		e.pins.Write(e.cfg.MainEnable, false)
		return "<Error: overload tripped.>"
	}
	return "<p1 MAIN>"
}

// powerOffMain halts the pump, drops track power and writes the
// uptime file when configured.
func (e *Engine) powerOffMain() string {
	e.running.Store(false)
	e.pins.Write(e.cfg.MainEnable, false)
	if e.pumpDone != nil {
		<-e.pumpDone
		e.pumpDone = nil
	}
	e.setInterval(e.slowEvery)
	if e.cfg.UptimeLogging {
		if err := e.writeUptimes(); err != nil {
			log.Printf("engine: uptime file: %v", err)
		}
	}
	return "<p0 MAIN>"
}

func (e *Engine) powerOnProg() string {
	if e.running.Load() {
		return "<Error: run mode active.>"
	}
	if e.overload.Load() {
		return "<Error: overload tripped.>"
	}
	e.programming.Store(true)
	e.sink.WaveClear()
	e.pins.Write(e.cfg.MainEnable, false)
	return "<p1 PROG>"
}

func (e *Engine) powerOffProg() string {
	e.programming.Store(false)
	e.pins.Write(e.cfg.ProgEnable, false)
	return "<p0 PROG>"
}

func (e *Engine) writeUptimes() error {
	name := time.Now().Format("2006-01-02_15:04:05") + ".txt"
	return e.roster.WriteUptimes(filepath.Join(e.cfg.UptimeFilePath, name))
}
