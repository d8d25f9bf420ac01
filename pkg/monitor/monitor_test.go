package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/relay/pkg/process"
)

type fakeLister struct {
	mu    sync.Mutex
	procs []ProcessInfo
	err   error
	calls int64
}

func (f *fakeLister) List(_ context.Context, match func(pid int, name string) bool) ([]ProcessInfo, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []ProcessInfo
	for _, p := range f.procs {
		if match(p.PID, p.Name) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeTerminator struct {
	mu     sync.Mutex
	killed []int
	fail   map[int]error
}

func (f *fakeTerminator) Terminate(_ context.Context, pid int, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[pid]; err != nil {
		return false, err
	}
	f.killed = append(f.killed, pid)
	return pid%2 == 0, nil
}

func TestSweepKillsOverThreshold(t *testing.T) {
	table := process.NewTable()
	table.Register(100, "claude", "claude")
	table.Register(101, "codex", "codex")

	now := time.Now()
	lister := &fakeLister{procs: []ProcessInfo{
		{PID: 100, Name: "claude", CPUPercent: 95},
		{PID: 101, Name: "codex", CPUPercent: 5},
		{PID: 200, Name: "/usr/local/bin/gemini", CPUPercent: 1, CreateTime: now.Add(-2 * time.Hour)},
		{PID: 201, Name: "gemini", CPUPercent: 1, CreateTime: now.Add(-time.Minute)},
		{PID: 300, Name: "bash", CPUPercent: 99},
	}}
	term := &fakeTerminator{}
	m := New(table, []string{"claude", "codex", "gemini"}, Options{
		CPUThreshold: 80,
		MaxAge:       time.Hour,
		Lister:       lister,
		Terminate:    term.Terminate,
		Now:          func() time.Time { return now },
	})

	summary, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.Scanned != 4 {
		t.Fatalf("expected 4 scanned, got %d", summary.Scanned)
	}
	if len(summary.Killed) != 2 {
		t.Fatalf("expected 2 kills, got %+v", summary.Killed)
	}
	if k := summary.Killed[0]; k.PID != 100 || k.Reason != ReasonCPU || !k.Forced || !k.Tracked {
		t.Fatalf("unexpected first kill: %+v", k)
	}
	if k := summary.Killed[1]; k.PID != 200 || k.Reason != ReasonAge || k.Tracked {
		t.Fatalf("unexpected second kill: %+v", k)
	}
	if _, ok := table.Get(100); ok {
		t.Fatalf("expected killed pid to be unregistered")
	}
	if _, ok := table.Get(101); !ok {
		t.Fatalf("expected healthy pid to stay registered")
	}
}

func TestSweepUsesRegistrationAgeForTrackedProcesses(t *testing.T) {
	table := process.NewTable()
	table.Register(42, "claude", "claude")
	lister := &fakeLister{procs: []ProcessInfo{
		{PID: 42, Name: "claude", CreateTime: time.Now()},
	}}
	term := &fakeTerminator{}
	m := New(table, nil, Options{
		MaxAge:    time.Minute,
		Lister:    lister,
		Terminate: term.Terminate,
		Now:       func() time.Time { return time.Now().Add(5 * time.Minute) },
	})

	summary, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(summary.Killed) != 1 || summary.Killed[0].Reason != ReasonAge {
		t.Fatalf("expected age kill, got %+v", summary.Killed)
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table")
	}
}

func TestSweepDropsStaleRecords(t *testing.T) {
	table := process.NewTable()
	table.Register(7, "claude", "claude")
	table.Register(8, "codex", "codex")
	lister := &fakeLister{procs: []ProcessInfo{{PID: 8, Name: "codex"}}}
	m := New(table, nil, Options{Lister: lister, Terminate: (&fakeTerminator{}).Terminate})

	summary, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.Stale != 1 {
		t.Fatalf("expected 1 stale record, got %d", summary.Stale)
	}
	if _, ok := table.Get(7); ok {
		t.Fatalf("expected stale pid 7 to be removed")
	}
	if _, ok := table.Get(8); !ok {
		t.Fatalf("expected live pid 8 to remain")
	}
}

func TestSweepCountsTerminateErrors(t *testing.T) {
	table := process.NewTable()
	table.Register(5, "claude", "claude")
	lister := &fakeLister{procs: []ProcessInfo{{PID: 5, Name: "claude", CPUPercent: 100}}}
	term := &fakeTerminator{fail: map[int]error{5: errors.New("permission denied")}}
	m := New(table, nil, Options{Lister: lister, Terminate: term.Terminate})

	summary, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.Errors != 1 || len(summary.Killed) != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if _, ok := table.Get(5); !ok {
		t.Fatalf("expected pid to stay registered after failed kill")
	}
	st := m.Stats()
	if st.Totals.Errors != 1 || st.Totals.Sweeps != 1 {
		t.Fatalf("unexpected totals: %+v", st.Totals)
	}
}

func TestSweepListError(t *testing.T) {
	table := process.NewTable()
	m := New(table, nil, Options{Lister: &fakeLister{err: errors.New("boom")}})
	if _, err := m.Sweep(context.Background()); err == nil {
		t.Fatalf("expected list error")
	}
	st := m.Stats()
	if st.LastSweep == nil || st.LastSweep.Errors != 1 {
		t.Fatalf("expected last sweep to record the error: %+v", st.LastSweep)
	}
}

func TestStatsReportsActiveProcesses(t *testing.T) {
	table := process.NewTable()
	table.Register(1, "claude", "claude -p")
	table.Register(2, "codex", "codex exec")
	m := New(table, nil, Options{Lister: &fakeLister{}, Interval: time.Minute})

	st := m.Stats()
	if st.Running {
		t.Fatalf("expected monitor to be stopped")
	}
	if len(st.Active) != 2 || st.Active[0].PID != 1 || st.Active[1].Command != "codex exec" {
		t.Fatalf("unexpected active list: %+v", st.Active)
	}
	if st.Interval != time.Minute || st.LastSweep != nil {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestStartStop(t *testing.T) {
	lister := &fakeLister{}
	m := New(process.NewTable(), nil, Options{Interval: 10 * time.Millisecond, Lister: lister})
	m.Start(context.Background())
	if !m.Running() {
		t.Fatalf("expected running monitor")
	}

	deadline := time.After(time.Second)
	for atomic.LoadInt64(&lister.calls) == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected at least one sweep")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Stop()
	if m.Running() {
		t.Fatalf("expected stopped monitor")
	}
	m.Stop()
}

func TestBaseName(t *testing.T) {
	cases := map[string]string{
		"claude":                     "claude",
		"/usr/bin/Codex":             "codex",
		`C:\tools\gemini.exe`:        "gemini",
		"./node_modules/.bin/gemini": "gemini",
	}
	for in, want := range cases {
		if got := baseName(in); got != want {
			t.Errorf("baseName(%q) = %q, want %q", in, got, want)
		}
	}
}
