package monitor

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo is an OS process as seen by a sweep.
type ProcessInfo struct {
	PID        int
	Name       string
	CPUPercent float64
	CreateTime time.Time
}

// Lister enumerates OS processes. match is called with every pid and
// executable name; CPU and start time are only collected for matches.
type Lister interface {
	List(ctx context.Context, match func(pid int, name string) bool) ([]ProcessInfo, error)
}

// SystemLister lists processes with gopsutil.
type SystemLister struct{}

// List implements Lister. Processes whose name cannot be read are still
// reported (with an empty name) so tracked pids are never mistaken for gone.
func (SystemLister) List(ctx context.Context, match func(pid int, name string) bool) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []ProcessInfo
	for _, p := range procs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		pid := int(p.Pid)
		name, _ := p.NameWithContext(ctx)
		if !match(pid, name) {
			continue
		}
		info := ProcessInfo{PID: pid, Name: name}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			info.CPUPercent = cpu
		}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			info.CreateTime = time.UnixMilli(ms)
		}
		out = append(out, info)
	}
	return out, nil
}

// baseName strips directories and a Windows .exe suffix.
func baseName(cmd string) string {
	cmd = filepath.Base(strings.ReplaceAll(cmd, `\`, "/"))
	return strings.TrimSuffix(strings.ToLower(cmd), ".exe")
}
