// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record describes one in-flight agent process.
type Record struct {
	PID        int       `json:"pid"`
	Name       string    `json:"name"`
	Command    string    `json:"command"`
	CallID     string    `json:"call_id"`
	Registered time.Time `json:"registered_at"`
}

// Age returns how long the record has been registered at now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.Registered)
}

// Table tracks live agent processes. It is shared by every adapter call and
// the monitor; all methods are safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	records map[int]Record
	now     func() time.Time
}

// NewTable creates an empty process table.
func NewTable() *Table {
	return &Table{records: make(map[int]Record), now: time.Now}
}

// Register adds a live process and returns its record.
// Registering a pid that is already present replaces the stale entry.
func (t *Table) Register(pid int, name, command string) Record {
	rec := Record{
		PID:        pid,
		Name:       name,
		Command:    command,
		CallID:     uuid.NewString(),
		Registered: t.now(),
	}
	t.mu.Lock()
	t.records[pid] = rec
	t.mu.Unlock()
	return rec
}

// Unregister removes pid. It reports whether an entry was removed and never
// fails on a pid that is already gone.
func (t *Table) Unregister(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[pid]; !ok {
		return false
	}
	delete(t.records, pid)
	return true
}

// Get returns the record for pid.
func (t *Table) Get(pid int) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[pid]
	return rec, ok
}

// List returns a snapshot ordered by registration time.
func (t *Table) List() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Registered.Equal(out[j].Registered) {
			return out[i].PID < out[j].PID
		}
		return out[i].Registered.Before(out[j].Registered)
	})
	return out
}

// Len returns the number of live records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Now returns the table clock.
func (t *Table) Now() time.Time {
	return t.now()
}
