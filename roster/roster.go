// Package roster tracks the last commanded state of every known
// locomotive so the track pump can refresh speed and direction
// packets, and accounts per-locomotive running time.
package roster

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"wavedcc.org/dcc"
)

// Item is the last known state of one locomotive. An Address of
// zero is the sentinel returned by Next on an empty roster.
type Item struct {
	Address   int
	Speed     int
	Direction int
	Headlight bool
	// Function group instruction bytes, prefix included.
	Group1, Group2, Group3 byte
}

type entry struct {
	Item
	started time.Time // zero while stopped
	uptime  time.Duration
}

// Roster is a set of locomotives with an embedded round-robin
// cursor. The zero value is not usable; call New.
type Roster struct {
	mu      sync.Mutex
	entries map[int]*entry
	order   []int // sorted addresses, cursor's domain
	cursor  int

	now func() time.Time
}

func New() *Roster {
	return &Roster{
		entries: make(map[int]*entry),
		now:     time.Now,
	}
}

func defaultEntry(addr int) *entry {
	return &entry{Item: Item{
		Address: addr,
		Group1:  dcc.Group1Off,
		Group2:  dcc.Group2Off,
		Group3:  dcc.Group3Off,
	}}
}

// lookup returns the entry for addr, inserting a default one if the
// address is unknown. Callers hold mu.
func (r *Roster) lookup(addr int) *entry {
	e, ok := r.entries[addr]
	if !ok {
		e = defaultEntry(addr)
		r.entries[addr] = e
		i, _ := slices.BinarySearch(r.order, addr)
		r.order = slices.Insert(r.order, i, addr)
		if i < r.cursor {
			r.cursor++
		}
	}
	return e
}

// Get returns the state of addr, registering it with defaults if it
// is unknown.
func (r *Roster) Get(addr int) Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(addr).Item
}

// Set replaces the state of it.Address.
func (r *Roster) Set(it Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookup(it.Address).Item = it
}

// SetGroup replaces one function group byte.
func (r *Roster) SetGroup(addr, group int, value byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(addr)
	switch group {
	case 1:
		e.Group1 = value
	case 2:
		e.Group2 = value
	case 3:
		e.Group3 = value
	}
}

// UpdateSpeed records a throttle command and accounts uptime: a
// stopped locomotive starting begins an interval, a running one
// accumulates and re-stamps, and a stop closes the interval.
func (r *Roster) UpdateSpeed(addr, speed, direction int, headlight bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(addr)
	now := r.now()
	switch {
	case e.Speed == 0 && speed > 0:
		e.started = now
	case e.Speed > 0 && speed > 0:
		e.uptime += now.Sub(e.started)
		e.started = now
	case e.Speed > 0 && speed == 0:
		e.uptime += now.Sub(e.started)
		e.started = time.Time{}
	}
	e.Speed = speed
	e.Direction = direction
	e.Headlight = headlight
}

// Next returns the next locomotive in round-robin order, advancing
// the cursor exactly one step. An empty roster returns the zero
// sentinel.
func (r *Roster) Next() Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return Item{}
	}
	r.cursor %= len(r.order)
	it := r.entries[r.order[r.cursor]].Item
	r.cursor = (r.cursor + 1) % len(r.order)
	return it
}

// Forget drops addr and reports whether it was known. The cursor
// moves to the next surviving entry.
func (r *Roster) Forget(addr int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[addr]; !ok {
		return false
	}
	delete(r.entries, addr)
	i, _ := slices.BinarySearch(r.order, addr)
	r.order = slices.Delete(r.order, i, i+1)
	if i < r.cursor {
		r.cursor--
	}
	if len(r.order) > 0 {
		r.cursor %= len(r.order)
	} else {
		r.cursor = 0
	}
	return true
}

// ForgetAll empties the roster.
func (r *Roster) ForgetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
	r.order = r.order[:0]
	r.cursor = 0
}

// Len returns the number of known locomotives.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// List renders the roster for the D CABS and l commands.
func (r *Roster) List() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	b.WriteString("roster: \n")
	if len(r.order) == 0 {
		b.WriteString("No entries.\n")
		return b.String()
	}
	for _, addr := range r.order {
		e := r.entries[addr]
		fmt.Fprintf(&b, "%d: %d %d\n", addr, e.Speed, e.Direction)
	}
	return b.String()
}

// Uptimes returns the accumulated running time per address,
// including the open interval of any locomotive still under way.
func (r *Roster) Uptimes() map[int]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	up := make(map[int]time.Duration, len(r.entries))
	for addr, e := range r.entries {
		d := e.uptime
		if !e.started.IsZero() {
			d += now.Sub(e.started)
		}
		up[addr] = d
	}
	return up
}

// WriteUptimes writes one address:seconds line per locomotive to
// path and resets the accounting. Open intervals are closed at the
// current time and re-stamped.
func (r *Roster) WriteUptimes(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var b strings.Builder
	for _, addr := range r.order {
		e := r.entries[addr]
		d := e.uptime
		if !e.started.IsZero() {
			d += now.Sub(e.started)
			e.started = now
		}
		e.uptime = 0
		fmt.Fprintf(&b, "%d:%d\n", addr, int(d.Seconds()))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
