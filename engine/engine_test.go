package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wavedcc.org/config"
)

func testEngine(t *testing.T, cfg config.Config) (*Engine, *Simulator) {
	t.Helper()
	sim := NewSimulator()
	e := New(cfg, sim, sim, sim)
	// Tight cadence so mode changes and trips resolve quickly.
	e.slowEvery = 2 * time.Millisecond
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e, sim
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sentTo reports whether a payload for addr (one-byte addressing)
// with the given data byte has been transmitted.
func sentTo(sim *Simulator, addr int, data byte) bool {
	for _, p := range sim.Sent() {
		if len(p) >= 3 && p[0] == byte(addr) && p[1] == data {
			return true
		}
	}
	return false
}

func TestPowerModes(t *testing.T) {
	e, sim := testEngine(t, config.Default())
	if got := e.Command("1 MAIN"); got != "<p1 MAIN>" {
		t.Fatalf("1 MAIN = %q", got)
	}
	if !sim.Pin(config.Default().MainEnable) {
		t.Error("main enable low after power on")
	}
	if got := e.Command("1 PROG"); !strings.HasPrefix(got, "<Error") {
		t.Errorf("1 PROG while running = %q", got)
	}
	if got := e.Command("1 MAIN"); got != "<Error: DCC pulsetrain already started.>" {
		t.Errorf("second 1 MAIN = %q", got)
	}
	if got := e.Command("0 MAIN"); got != "<p0 MAIN>" {
		t.Fatalf("0 MAIN = %q", got)
	}
	if sim.Pin(config.Default().MainEnable) {
		t.Error("main enable high after power off")
	}
	if got := e.Command("1 PROG"); got != "<p1 PROG>" {
		t.Fatalf("1 PROG = %q", got)
	}
	if got := e.Command("1 MAIN"); !strings.HasPrefix(got, "<Error") {
		t.Errorf("1 MAIN while programming = %q", got)
	}
	if got := e.Command("0 PROG"); got != "<p0 PROG>" {
		t.Fatalf("0 PROG = %q", got)
	}
}

func TestThrottle(t *testing.T) {
	e, sim := testEngine(t, config.Default())
	if got := e.Command("t 1 3 14 1"); !strings.HasPrefix(got, "<Error") {
		t.Errorf("throttle while idle = %q", got)
	}
	e.Command("1 MAIN")
	if got := e.Command("t 1 3 14 1"); got != "<T 1 14 1>" {
		t.Fatalf("throttle reply %q", got)
	}
	// Raw 14 remaps to 17: 01DCSSSS = 01 1 1 1000.
	waitFor(t, "speed packet on wire", func() bool {
		return sentTo(sim, 3, 0x78)
	})
	if it := e.roster.Get(3); it.Speed != 14 || it.Direction != 1 {
		t.Errorf("roster entry %+v", it)
	}
}

func TestThrottleShortForm(t *testing.T) {
	e, _ := testEngine(t, config.Default())
	e.Command("1 MAIN")
	if got := e.Command("t 3 8 0"); got != "<T 1 8 0>" {
		t.Errorf("short throttle reply %q", got)
	}
	if got := e.Command("t 3 8"); got != errMalformed {
		t.Errorf("malformed throttle reply %q", got)
	}
	if got := e.Command("t 1 3 x 1"); got != errMalformed {
		t.Errorf("bad speed reply %q", got)
	}
}

func TestRefreshCoverage(t *testing.T) {
	e, sim := testEngine(t, config.Default())
	e.Command("1 MAIN")
	addrs := []int{3, 5, 7}
	for _, a := range addrs {
		e.Command(fmt.Sprintf("t 1 %d 10 1", a))
	}
	sim.ClearSent()
	waitFor(t, "refresh packets", func() bool {
		return len(sim.Sent()) >= 4*len(addrs)
	})
	sent := sim.Sent()
	// With an empty queue every address is refreshed once per
	// roster revolution.
	for _, a := range addrs {
		n := 0
		for _, p := range sent {
			if len(p) >= 3 && p[0] == byte(a) {
				n++
			}
		}
		if n < 2 {
			t.Errorf("address %d refreshed %d times in %d slots", a, n, len(sent))
		}
	}
}

func TestQueuedCommandPriority(t *testing.T) {
	e, sim := testEngine(t, config.Default())
	e.Command("1 MAIN")
	e.Command("t 1 3 10 1")
	e.Command("t 1 5 10 1")
	sim.ClearSent()
	// A function packet jumps ahead of the refresh rotation.
	e.Command("F 3 1 1")
	waitFor(t, "function packet", func() bool {
		return sentTo(sim, 3, 0x81)
	})
	if it := e.roster.Get(3); it.Group1 != 0x81 {
		t.Errorf("group1 %02x, want 81", it.Group1)
	}
}

func TestFunctionMapping(t *testing.T) {
	e, _ := testEngine(t, config.Default())
	e.Command("1 MAIN")
	e.Command("F 3 0 1")
	if it := e.roster.Get(3); it.Group1 != 0x90 || !it.Headlight {
		t.Errorf("F0 on: group1 %02x headlight %v", it.Group1, it.Headlight)
	}
	e.Command("F 3 0 0")
	if it := e.roster.Get(3); it.Group1 != 0x80 || it.Headlight {
		t.Errorf("F0 off: group1 %02x headlight %v", it.Group1, it.Headlight)
	}
	e.Command("F 3 6 1")
	if it := e.roster.Get(3); it.Group2 != 0xB2 {
		t.Errorf("F6 on: group2 %02x, want b2", it.Group2)
	}
	e.Command("F 3 12 1")
	if it := e.roster.Get(3); it.Group3 != 0xA8 {
		t.Errorf("F12 on: group3 %02x, want a8", it.Group3)
	}
	if got := e.Command("F 3 13 1"); got != errMalformed {
		t.Errorf("F13 = %q", got)
	}
}

func TestRawFunctionByte(t *testing.T) {
	e, sim := testEngine(t, config.Default())
	e.Command("1 MAIN")
	sim.ClearSent()
	if got := e.Command("f 3 144"); got != "" {
		t.Errorf("f reply %q", got)
	}
	waitFor(t, "raw function packet", func() bool {
		return sentTo(sim, 3, 144)
	})
}

func TestOpsWrite(t *testing.T) {
	e, sim := testEngine(t, config.Default())
	e.Command("1 MAIN")
	sim.ClearSent()
	if got := e.Command("w 3 8 4"); got != "<W 3 8 4>" {
		t.Fatalf("w reply %q", got)
	}
	waitFor(t, "cv write packets", func() bool {
		n := 0
		for _, p := range sim.Sent() {
			// addr, 111011VV, cv low (8-1=7), value.
			if len(p) == 5 && p[0] == 3 && p[1] == 0xEC && p[2] == 7 && p[3] == 4 {
				n++
			}
		}
		return n >= 4
	})
	if got := e.Command("w 3 8"); got != errMalformed {
		t.Errorf("short w reply %q", got)
	}
}

func TestStepMode128(t *testing.T) {
	e, sim := testEngine(t, config.Default())
	e.Command("D SPEED128")
	e.Command("1 MAIN")
	if got := e.Command("t 1 3 100 1"); got != "<T 1 100 1>" {
		t.Fatalf("throttle reply %q", got)
	}
	waitFor(t, "128-step packet", func() bool {
		for _, p := range sim.Sent() {
			if len(p) == 4 && p[0] == 3 && p[1] == 0x3F && p[2] == 0xE4 {
				return true
			}
		}
		return false
	})
	e.Command("D SPEED28")
}

func TestForget(t *testing.T) {
	e, _ := testEngine(t, config.Default())
	e.Command("1 MAIN")
	e.Command("t 1 3 10 1")
	e.Command("t 1 5 10 1")
	e.Command("- 3")
	if got := e.roster.Len(); got != 1 {
		t.Errorf("roster size %d after forget, want 1", got)
	}
	e.Command("-")
	if got := e.roster.Len(); got != 0 {
		t.Errorf("roster size %d after forget all, want 0", got)
	}
	if got := e.Command("D CABS"); !strings.Contains(got, "No entries.") {
		t.Errorf("D CABS = %q", got)
	}
}

func TestOverloadTrip(t *testing.T) {
	e, sim := testEngine(t, config.Default())
	sim.ForceCurrent(3500)
	waitFor(t, "overload trip", e.Overload)
	if e.Running() || e.Programming() {
		t.Error("mode flags survived the trip")
	}
	if sim.Pin(config.Default().MainEnable) || sim.Pin(config.Default().ProgEnable) {
		t.Error("track enables high after trip")
	}
	if got := e.Command("1 MAIN"); got != "<Error: overload tripped.>" {
		t.Errorf("1 MAIN while tripped = %q", got)
	}
	if got := e.Command("c"); !strings.Contains(got, "OVERLOAD") {
		t.Errorf("c while tripped = %q", got)
	}
	// Power-off is the explicit recovery.
	sim.ForceCurrent(0)
	if got := e.Command("0"); got != "<p0>" {
		t.Errorf("0 = %q", got)
	}
	if e.Overload() {
		t.Fatal("trip survived recovery")
	}
	if got := e.Command("1 MAIN"); got != "<p1 MAIN>" {
		t.Errorf("1 MAIN after recovery = %q", got)
	}
}

func TestPumpStopsOnPowerOff(t *testing.T) {
	e, sim := testEngine(t, config.Default())
	e.Command("1 MAIN")
	waitFor(t, "pump output", func() bool { return len(sim.Sent()) > 3 })
	e.Command("0 MAIN")
	n := len(sim.Sent())
	time.Sleep(20 * time.Millisecond)
	if got := len(sim.Sent()); got != n {
		t.Errorf("pump still transmitting after power off: %d -> %d", n, got)
	}
}

func TestUptimeFile(t *testing.T) {
	cfg := config.Default()
	cfg.UptimeLogging = true
	cfg.UptimeFilePath = t.TempDir()
	e, _ := testEngine(t, cfg)
	e.Command("1 MAIN")
	e.Command("t 1 3 8 1")
	time.Sleep(10 * time.Millisecond)
	e.Command("0 MAIN")
	files, err := os.ReadDir(cfg.UptimeFilePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("%d uptime files, want 1", len(files))
	}
	data, err := os.ReadFile(filepath.Join(cfg.UptimeFilePath, files[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "3:") {
		t.Errorf("uptime file %q, want 3:<secs>", data)
	}
}

func TestStatus(t *testing.T) {
	e, _ := testEngine(t, config.Default())
	if got := e.Command("s"); got != "<p0 MAIN><p0 PROG>"+statusBanner {
		t.Errorf("s = %q", got)
	}
	e.Command("1 MAIN")
	if got := e.Command("sp"); got != "<p1 MAIN><p0 PROG>" {
		t.Errorf("sp = %q", got)
	}
	if got := e.Command("c"); !strings.HasPrefix(got, "<c \"CurrentMAIN ") {
		t.Errorf("c = %q", got)
	}
	for _, cmd := range []string{"T", "Z", "S"} {
		if got := e.Command(cmd); got != "<X>" {
			t.Errorf("%s = %q", cmd, got)
		}
	}
	if got := e.Command("#"); got != "<# 1000d>" {
		t.Errorf("# = %q", got)
	}
	if got := e.Command("bogus 1 2"); !strings.HasPrefix(got, "Error: unrecognized") {
		t.Errorf("unknown = %q", got)
	}
	if got := e.Command("ws"); !strings.Contains(got, "Speed step mode: 28") {
		t.Errorf("ws = %q", got)
	}
}

func TestAngleBracketFraming(t *testing.T) {
	e, _ := testEngine(t, config.Default())
	if got := e.Command("<1 MAIN>"); got != "<p1 MAIN>" {
		t.Errorf("framed command = %q", got)
	}
	if got := e.Command("  "); got != "" {
		t.Errorf("blank line = %q", got)
	}
}

func TestTestPacket(t *testing.T) {
	e, _ := testEngine(t, config.Default())
	if got := e.Command("test"); !strings.HasPrefix(got, "Test packet sent: ") {
		t.Errorf("test = %q", got)
	}
	e.Command("1 MAIN")
	if got := e.Command("test"); !strings.HasPrefix(got, "Error") {
		t.Errorf("test while running = %q", got)
	}
}
