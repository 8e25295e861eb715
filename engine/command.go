package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"wavedcc.org/dcc"
)

const (
	errMalformed = "<Error: malformed command.>"
	// JMRI parses the DCC-EX status banner; keep its shape until it
	// grows a wavedcc regex.
	statusBanner = "<iDCC-EX V-0.0.0 / MEGA / STANDARD_MOTOR_SHIELD G-75ab2ab>"
)

// Command parses one line of the DCC-EX style command surface,
// routes it, and returns the reply text (empty for commands that
// answer nothing). Apart from the current monitor's overload trip,
// which only drops the station out of its mode, it is the sole
// mutator of the mode state: every transition between idle, ops,
// programming and overload recovery happens here, so the pulse sink
// never has two owners.
func (e *Engine) Command(line string) string {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	line = strings.TrimSpace(line)
	line = strings.ReplaceAll(line, "<", "")
	line = strings.ReplaceAll(line, ">", "")
	f := strings.Fields(line)
	if len(f) == 0 {
		return ""
	}
	switch f[0] {
	case "1":
		switch {
		case len(f) == 1, f[1] == "MAIN":
			return e.powerOnMain()
		case f[1] == "PROG":
			return e.powerOnProg()
		default:
			return "<Error: invalid mode.>"
		}

	case "0":
		defer e.overload.Store(false)
		switch {
		case len(f) == 1:
			if e.running.Load() {
				e.powerOffMain()
			} else if e.programming.Load() {
				e.powerOffProg()
			}
			return "<p0>"
		case f[1] == "MAIN":
			if e.programming.Load() {
				return "<Error: programming mode active.>"
			}
			return e.powerOffMain()
		case f[1] == "PROG":
			if e.running.Load() {
				return "<Error: run mode active.>"
			}
			return e.powerOffProg()
		default:
			return "<Error: invalid mode.>"
		}

	case "t":
		return e.throttle(f[1:])

	case "f":
		if len(f) != 3 {
			return errMalformed
		}
		addr, err1 := strconv.Atoi(f[1])
		value, err2 := strconv.Atoi(f[2])
		if err1 != nil || err2 != nil || value < 0 || value > 255 {
			return errMalformed
		}
		p, err := dcc.FunctionGroup(e.cfg.Main1, e.cfg.Main2, addr, byte(value))
		if err != nil {
			return errMalformed
		}
		e.queue.push(p)
		return ""

	case "F":
		return e.function(f[1:])

	case "w":
		if !e.running.Load() {
			return "<Error: can't run in programming mode.>"
		}
		if len(f) != 4 {
			return errMalformed
		}
		addr, err1 := strconv.Atoi(f[1])
		cv, err2 := strconv.Atoi(f[2])
		value, err3 := strconv.Atoi(f[3])
		if err1 != nil || err2 != nil || err3 != nil || cv < 1 || cv > 1024 || value < 0 || value > 255 {
			return errMalformed
		}
		p, err := dcc.WriteCVMain(e.cfg.Main1, e.cfg.Main2, addr, cv, byte(value))
		if err != nil {
			return errMalformed
		}
		// Ops-mode writes are blind; repeat the packet so a decoder
		// with a dirty pickup still hears it.
		for range 4 {
			e.queue.push(p)
		}
		return fmt.Sprintf("<W %d %d %d>", addr, cv, value)

	case "W":
		return e.serviceWrite(f[1:])

	case "R":
		return e.serviceRead(f[1:])

	case "D":
		if len(f) < 2 {
			return errMalformed
		}
		switch f[1] {
		case "CABS":
			return e.roster.List()
		case "SPEED28":
			e.steps28.Store(true)
		case "SPEED128":
			e.steps28.Store(false)
		}
		return ""

	case "-":
		if len(f) >= 2 {
			addr, err := strconv.Atoi(f[1])
			if err != nil {
				return errMalformed
			}
			e.roster.Forget(addr)
		} else {
			e.roster.ForgetAll()
		}
		return ""

	case "s":
		return e.powerStatus() + statusBanner

	case "sp":
		return e.powerStatus()

	case "c":
		c := e.Current()
		if e.overload.Load() {
			return fmt.Sprintf("<c \"CurrentMAIN %.2f C Milli 0 2000 1 1800 2 OVERLOAD >", c)
		}
		return fmt.Sprintf("<c \"CurrentMAIN %.2f C Milli 0 2000 1 1800 >", c)

	case "T", "Z", "S":
		return "<X>"

	case "#":
		return "<# 1000d>"

	case "l":
		return e.roster.List()

	case "ws":
		var b strings.Builder
		if e.steps28.Load() {
			b.WriteString("Speed step mode: 28\n")
		} else {
			b.WriteString("Speed step mode: 128\n")
		}
		if e.running.Load() {
			b.WriteString("DCC pulsetrain running\n")
		} else {
			b.WriteString("DCC pulsetrain stopped\n")
		}
		return b.String()

	case "test":
		return e.testPacket()

	default:
		return "Error: unrecognized command: " + f[0]
	}
}

func (e *Engine) powerStatus() string {
	switch {
	case e.running.Load():
		return "<p1 MAIN><p0 PROG>"
	case e.programming.Load():
		return "<p1 PROG><p0 MAIN>"
	default:
		return "<p0 MAIN><p0 PROG>"
	}
}

// throttle handles `t [reg] addr speed dir`. The optional leading
// register number is accepted for DCC++ compatibility and ignored.
func (e *Engine) throttle(f []string) string {
	if !e.running.Load() {
		return "<Error: can't run in programming mode.>"
	}
	if len(f) == 4 {
		f = f[1:]
	}
	if len(f) != 3 {
		return errMalformed
	}
	addr, err1 := strconv.Atoi(f[0])
	speed, err2 := strconv.Atoi(f[1])
	dir, err3 := strconv.Atoi(f[2])
	if err1 != nil || err2 != nil || err3 != nil || dir < 0 || dir > 1 || speed < 0 {
		return errMalformed
	}
	var p *dcc.Packet
	var err error
	if e.steps28.Load() {
		p, err = dcc.SpeedDir28(e.cfg.Main1, e.cfg.Main2, addr, speed, dir)
	} else {
		p, err = dcc.SpeedDir128(e.cfg.Main1, e.cfg.Main2, addr, speed, dir)
	}
	if err != nil {
		return errMalformed
	}
	e.queue.push(p)
	it := e.roster.Get(addr)
	e.roster.UpdateSpeed(addr, speed, dir, it.Headlight)
	return fmt.Sprintf("<T 1 %d %d>", speed, dir)
}

// function handles `F addr func 0|1` for F0…F12. F0 is the
// headlight, bit 4 of function group 1.
func (e *Engine) function(f []string) string {
	if len(f) != 3 {
		return errMalformed
	}
	addr, err1 := strconv.Atoi(f[0])
	fn, err2 := strconv.Atoi(f[1])
	if err1 != nil || err2 != nil || fn < 0 || fn > 12 {
		return errMalformed
	}
	on := f[2] != "0"
	it := e.roster.Get(addr)
	var group int
	var value byte
	switch {
	case fn <= 4:
		bit := fn - 1
		if fn == 0 {
			bit = 4
		}
		group, value = 1, setBit(it.Group1, bit, on)
	case fn <= 8:
		group, value = 2, setBit(it.Group2, fn-5, on)
	default:
		group, value = 3, setBit(it.Group3, fn-9, on)
	}
	p, err := dcc.FunctionGroup(e.cfg.Main1, e.cfg.Main2, addr, value)
	if err != nil {
		return errMalformed
	}
	e.roster.SetGroup(addr, group, value)
	if group == 1 {
		e.roster.UpdateSpeed(addr, it.Speed, it.Direction, value&(1<<4) != 0)
	}
	e.queue.push(p)
	return ""
}

func setBit(b byte, bit int, on bool) byte {
	if on {
		return b | 1<<bit
	}
	return b &^ (1 << bit)
}

// serviceWrite handles `W cv value` and the readdressing short form
// `W addr` (a write of CV 1).
func (e *Engine) serviceWrite(f []string) string {
	if !e.programming.Load() {
		return "<Error: can't program in ops mode.>"
	}
	var cv, value int
	var reply string
	switch len(f) {
	case 1:
		addr, err := strconv.Atoi(f[0])
		if err != nil || addr < 1 || addr > 127 {
			return errMalformed
		}
		cv, value = 1, addr
		reply = fmt.Sprintf("<W %d>", addr)
	case 2:
		var err1, err2 error
		cv, err1 = strconv.Atoi(f[0])
		value, err2 = strconv.Atoi(f[1])
		if err1 != nil || err2 != nil || cv < 1 || cv > 1024 || value < 0 || value > 255 {
			return errMalformed
		}
		reply = fmt.Sprintf("<W %d %d>", cv, value)
	default:
		return errMalformed
	}
	if err := e.writeCV(cv, byte(value)); err != nil {
		return fmt.Sprintf("<Error: %v>", err)
	}
	return reply
}

// serviceRead handles `R cv [cb cbsub]`.
func (e *Engine) serviceRead(f []string) string {
	if !e.programming.Load() {
		return "<Error: can't program in ops mode.>"
	}
	var cv, cb, cbsub int
	callback := false
	switch len(f) {
	case 1:
	case 3:
		var err1, err2 error
		cb, err1 = strconv.Atoi(f[1])
		cbsub, err2 = strconv.Atoi(f[2])
		if err1 != nil || err2 != nil {
			return errMalformed
		}
		callback = true
	default:
		return errMalformed
	}
	cv, err := strconv.Atoi(f[0])
	if err != nil || cv < 1 || cv > 1024 {
		return errMalformed
	}
	value, err := e.readCV(cv)
	if err != nil {
		value = -1
	}
	if callback {
		return fmt.Sprintf("<r %d|%d|%d>", cb, cbsub, value)
	}
	return fmt.Sprintf("<r CV%d=%d>", cv, value)
}

// testPacket transmits a single speed packet one-shot while the
// track is otherwise idle and echoes its bit string.
func (e *Engine) testPacket() string {
	if e.running.Load() {
		return "Error: can't send a test packet while the dcc pulse train is running."
	}
	p, err := dcc.SpeedDir28(e.cfg.Main1, e.cfg.Main2, 3, 1, 1)
	if err != nil {
		return fmt.Sprintf("<Error: %v>", err)
	}
	id, err := e.makeWave(p)
	if err != nil {
		return fmt.Sprintf("<Error: %v>", err)
	}
	defer e.sink.WaveDelete(id)
	if err := e.sink.WaveSendOneShot(id); err != nil {
		return fmt.Sprintf("<Error: %v>", err)
	}
	for {
		at, err := e.sink.WaveTxAt()
		if err != nil || at != id {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Sprintf("Test packet sent: %s  ones: %d  zeros: %d", p.Bits(), p.Ones(), p.Zeros())
}
