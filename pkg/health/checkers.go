package health

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/cache"
	"github.com/jllopis/relay/pkg/resilience"
)

// Binaries reports whether registered agent executables resolve on PATH.
// All present is healthy, some missing is degraded, none present is unhealthy.
func Binaries(reg *agent.Registry, lookPath func(string) (string, error)) Checker {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return CheckerFunc(func(context.Context) Result {
		agents := reg.List()
		if len(agents) == 0 {
			return Result{Status: Unhealthy, Message: "no agents registered"}
		}
		var missing, details []string
		for _, d := range agents {
			path, err := lookPath(d.Command())
			if err != nil {
				missing = append(missing, d.Name)
				details = append(details, fmt.Sprintf("%s: %s not found", d.Name, d.Command()))
				continue
			}
			details = append(details, fmt.Sprintf("%s: %s", d.Name, path))
		}
		res := Result{Details: details}
		switch {
		case len(missing) == 0:
			res.Status = Healthy
			res.Message = fmt.Sprintf("%d agents available", len(agents))
		case len(missing) == len(agents):
			res.Status = Unhealthy
			res.Message = "no agent binaries found on PATH"
		default:
			res.Status = Degraded
			res.Message = "missing: " + strings.Join(missing, ", ")
		}
		return res
	})
}

// Runner is anything with a background loop.
type Runner interface {
	Running() bool
}

// Monitor reports whether the process monitor loop is active. A disabled
// monitor is healthy; an enabled one that is not running is degraded.
func Monitor(m Runner, enabled bool) Checker {
	return CheckerFunc(func(context.Context) Result {
		switch {
		case !enabled:
			return Result{Status: Healthy, Message: "disabled"}
		case m != nil && m.Running():
			return Result{Status: Healthy, Message: "running"}
		default:
			return Result{Status: Degraded, Message: "monitor not running"}
		}
	})
}

// StatsSource exposes cache counters.
type StatsSource interface {
	Stats() cache.Stats
}

// Cache reports cache utilisation. A full cache is degraded because every
// insert evicts a live entry.
func Cache(c StatsSource) Checker {
	return CheckerFunc(func(context.Context) Result {
		if c == nil {
			return Result{Status: Healthy, Message: "disabled"}
		}
		st := c.Stats()
		msg := fmt.Sprintf("%d/%d entries, hit rate %.0f%%", st.Size, st.MaxSize, st.HitRate*100)
		if st.MaxSize > 0 && st.Size >= st.MaxSize {
			return Result{Status: Degraded, Message: "full: " + msg}
		}
		return Result{Status: Healthy, Message: msg}
	})
}

// BreakerSource snapshots per-agent circuit breakers.
type BreakerSource interface {
	Breakers() []resilience.BreakerSnapshot
}

// Breakers reports open circuit breakers as degraded. Details carry the
// open breakers with their remaining wait.
func Breakers(b BreakerSource) Checker {
	return CheckerFunc(func(context.Context) Result {
		if b == nil {
			return Result{Status: Healthy, Message: "disabled"}
		}
		var names, open []string
		for _, s := range b.Breakers() {
			if s.State == resilience.StateOpen {
				names = append(names, s.Name)
				open = append(open, fmt.Sprintf("%s retry in %s", s.Name, s.RetryAfter.Round(time.Second)))
			}
		}
		if len(open) == 0 {
			return Result{Status: Healthy, Message: "all closed"}
		}
		return Result{Status: Degraded, Message: "open: " + strings.Join(names, ", "), Details: open}
	})
}
