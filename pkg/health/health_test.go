package health

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/cache"
	relayerrors "github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/process"
	"github.com/jllopis/relay/pkg/resilience"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status Status
		name   string
	}{
		{Healthy, "HEALTHY"},
		{Degraded, "DEGRADED"},
		{Unhealthy, "UNHEALTHY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.status) != tt.name {
				t.Errorf("expected %q, got %q", tt.name, string(tt.status))
			}
		})
	}
}

func TestCheckAllAggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, Healthy},
		{"all healthy", []Status{Healthy, Healthy}, Healthy},
		{"one degraded", []Status{Healthy, Degraded}, Degraded},
		{"unhealthy wins", []Status{Degraded, Unhealthy, Healthy}, Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider(0)
			for i, st := range tt.statuses {
				p.Register(string(rune('a'+i)), Static(st, "msg"))
			}
			report := p.CheckAll(context.Background())
			if report.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, report.Status)
			}
			if len(report.Components) != len(tt.statuses) {
				t.Fatalf("expected %d components, got %d", len(tt.statuses), len(report.Components))
			}
			for i, c := range report.Components {
				if c.Component != string(rune('a'+i)) {
					t.Fatalf("expected sorted components, got %q at %d", c.Component, i)
				}
				if c.LastCheck.IsZero() {
					t.Fatalf("expected LastCheck to be set")
				}
			}
		})
	}
}

func TestProviderCheckUnknown(t *testing.T) {
	p := NewProvider(0)
	_, err := p.Check(context.Background(), "missing")
	if !relayerrors.HasCode(err, relayerrors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestProviderCachesResults(t *testing.T) {
	calls := 0
	p := NewProvider(time.Minute)
	p.Register("counter", CheckerFunc(func(context.Context) Result {
		calls++
		return Result{Status: Healthy}
	}))
	for i := 0; i < 3; i++ {
		if _, err := p.Check(context.Background(), "counter"); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected cached result, checker called %d times", calls)
	}

	p.Register("counter", CheckerFunc(func(context.Context) Result {
		calls++
		return Result{Status: Degraded}
	}))
	res, _ := p.Check(context.Background(), "counter")
	if res.Status != Degraded || calls != 2 {
		t.Fatalf("expected re-registration to invalidate the cache, got %s after %d calls", res.Status, calls)
	}
}

func TestEmptyStatusIsUnhealthy(t *testing.T) {
	p := NewProvider(0)
	p.Register("blank", CheckerFunc(func(context.Context) Result { return Result{} }))
	if report := p.CheckAll(context.Background()); report.Status != Unhealthy {
		t.Fatalf("expected UNHEALTHY, got %s", report.Status)
	}
}

func newRegistry(t *testing.T, commands map[string]string) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry()
	for _, name := range []string{"claude", "codex", "gemini"} {
		cmd, ok := commands[name]
		if !ok {
			continue
		}
		if err := reg.Register(agent.Descriptor{Name: name, Spec: process.Spec{Command: cmd}}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return reg
}

func TestBinariesChecker(t *testing.T) {
	lookPath := func(found ...string) func(string) (string, error) {
		return func(cmd string) (string, error) {
			for _, f := range found {
				if f == cmd {
					return "/usr/bin/" + cmd, nil
				}
			}
			return "", errors.New("not found")
		}
	}
	all := map[string]string{"claude": "claude", "codex": "codex"}

	tests := []struct {
		name   string
		reg    *agent.Registry
		lookup func(string) (string, error)
		want   Status
	}{
		{"all present", newRegistry(t, all), lookPath("claude", "codex"), Healthy},
		{"one missing", newRegistry(t, all), lookPath("claude"), Degraded},
		{"none present", newRegistry(t, all), lookPath(), Unhealthy},
		{"no agents", agent.NewRegistry(), lookPath("claude"), Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Binaries(tt.reg, tt.lookup).Check(context.Background())
			if res.Status != tt.want {
				t.Fatalf("expected %s, got %s (%s)", tt.want, res.Status, res.Message)
			}
		})
	}
}

type fakeRunner bool

func (f fakeRunner) Running() bool { return bool(f) }

func TestMonitorChecker(t *testing.T) {
	if res := Monitor(fakeRunner(false), false).Check(context.Background()); res.Status != Healthy {
		t.Fatalf("disabled monitor should be healthy, got %s", res.Status)
	}
	if res := Monitor(fakeRunner(true), true).Check(context.Background()); res.Status != Healthy {
		t.Fatalf("running monitor should be healthy, got %s", res.Status)
	}
	if res := Monitor(fakeRunner(false), true).Check(context.Background()); res.Status != Degraded {
		t.Fatalf("stopped monitor should be degraded, got %s", res.Status)
	}
}

func TestCacheChecker(t *testing.T) {
	c := cache.New(cache.Options{TTL: time.Minute, MaxSize: 2})
	if res := Cache(c).Check(context.Background()); res.Status != Healthy {
		t.Fatalf("empty cache should be healthy, got %s", res.Status)
	}
	c.Set("a", "1")
	c.Set("b", "2")
	if res := Cache(c).Check(context.Background()); res.Status != Degraded {
		t.Fatalf("full cache should be degraded, got %s", res.Status)
	}
	if res := Cache(nil).Check(context.Background()); res.Status != Healthy {
		t.Fatalf("disabled cache should be healthy, got %s", res.Status)
	}
}

type fakeBreakers []resilience.BreakerSnapshot

func (f fakeBreakers) Breakers() []resilience.BreakerSnapshot { return f }

func TestBreakersChecker(t *testing.T) {
	closed := fakeBreakers{{Name: "claude", State: resilience.StateClosed}}
	if res := Breakers(closed).Check(context.Background()); res.Status != Healthy {
		t.Fatalf("closed breakers should be healthy, got %s", res.Status)
	}
	res := Breakers(append(closed, resilience.BreakerSnapshot{Name: "codex", State: resilience.StateOpen, RetryAfter: 90 * time.Second})).Check(context.Background())
	if res.Status != Degraded || res.Message != "open: codex" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Details) != 1 || res.Details[0] != "codex retry in 1m30s" {
		t.Fatalf("unexpected details: %v", res.Details)
	}
}

func TestGRPCServerPublishesStatus(t *testing.T) {
	p := NewProvider(0)
	p.Register("agents", Static(Healthy, "ok"))
	p.Register("monitor", Static(Degraded, "stopped"))
	p.Register("cache", Static(Unhealthy, "broken"))

	srv := NewGRPCServer(p, time.Hour)
	listener := bufconn.Listen(1024 * 1024)
	go func() {
		_ = srv.Server().Serve(listener)
	}()
	defer srv.Server().Stop()

	report := srv.Refresh(context.Background())
	if report.Status != Unhealthy {
		t.Fatalf("expected UNHEALTHY aggregate, got %s", report.Status)
	}

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(context.Background(), "bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("DialContext error: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	tests := []struct {
		service string
		want    healthpb.HealthCheckResponse_ServingStatus
	}{
		{"", healthpb.HealthCheckResponse_NOT_SERVING},
		{"agents", healthpb.HealthCheckResponse_SERVING},
		{"monitor", healthpb.HealthCheckResponse_SERVING},
		{"cache", healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: tt.service})
		if err != nil {
			t.Fatalf("check %q: %v", tt.service, err)
		}
		if resp.GetStatus() != tt.want {
			t.Fatalf("service %q: expected %s, got %s", tt.service, tt.want, resp.GetStatus())
		}
	}
}

func TestProbeReadsRemoteStatus(t *testing.T) {
	p := NewProvider(0)
	p.Register("agents", Static(Healthy, "ok"))
	p.Register("cache", Static(Degraded, "full"))

	srv := NewGRPCServer(p, time.Hour)
	srv.Refresh(context.Background())
	listener := bufconn.Listen(1024 * 1024)
	go func() {
		_ = srv.Server().Serve(listener)
	}()
	defer srv.Server().Stop()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	statuses, err := Probe(context.Background(), "passthrough:///bufnet", []string{"", "agents", "missing"},
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Probe error: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Serving() || !statuses[1].Serving() {
		t.Fatalf("degraded aggregate should still serve: %+v", statuses)
	}
	if !strings.Contains(string(statuses[1].Raw), "SERVING") {
		t.Errorf("expected protojson payload, got %s", statuses[1].Raw)
	}
	if statuses[2].Serving() || statuses[2].Error == "" {
		t.Errorf("unknown service should report an error: %+v", statuses[2])
	}
}
