package engine

import (
	"log"
	"time"
)

// Consecutive over-threshold samples before the trip asserts.
const overloadSamples = 3

// monitor samples the current sensor from Start until Close,
// publishes the readings, trips the overload latch, and feeds the
// UDP log stream. It self-adjusts its sleep by its own duty cycle
// so the sample cadence tracks the configured interval.
func (e *Engine) monitor(done chan struct{}) {
	defer close(done)
	over := 0
	for e.currenting.Load() {
		start := time.Now()
		v, verr := e.meter.BusVoltage()
		c, cerr := e.meter.Current()
		if verr != nil || cerr != nil {
			// Skip the sample; the last published values stand.
			log.Printf("engine: meter: %v", firstErr(verr, cerr))
		} else {
			e.vc.Lock()
			e.voltage, e.current = v, c
			e.vc.Unlock()
			if !e.overload.Load() {
				if c > e.cfg.OverloadThreshold {
					over++
					if over >= overloadSamples {
						e.trip(c)
					}
				} else {
					over = 0
				}
			}
			e.logf("current=%04.2f", c)
		}
		e.vc.Lock()
		target := e.interval
		e.vc.Unlock()
		sleep := target - time.Since(start)
		if sleep < minSleep {
			sleep = minSleep
		}
		time.Sleep(sleep)
	}
}

// trip latches the overload, cuts power to both tracks and forces
// the station out of whatever mode it was in. The pump observes
// running=false at the top of its next iteration.
func (e *Engine) trip(current float64) {
	e.pins.Write(e.cfg.MainEnable, false)
	e.pins.Write(e.cfg.ProgEnable, false)
	e.overload.Store(true)
	e.programming.Store(false)
	e.running.Store(false)
	log.Printf("engine: CURRENT OVERLOAD: %04.2f", current)
	e.logf("CURRENT OVERLOAD: %04.2f", current)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
