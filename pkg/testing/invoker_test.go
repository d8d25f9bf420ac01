package testing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	rerrors "github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/process"
)

func TestScriptedInvokerQueueThenStanding(t *testing.T) {
	inv := NewScriptedInvoker().
		On("claude", Respond("first"), Fail(errors.New("second"))).
		Always("claude", Respond("again"))
	spec := process.Spec{Name: "claude"}

	out, err := inv.Invoke(context.Background(), spec, "a")
	if err != nil || out != "first" {
		t.Fatalf("unexpected first reply %q %v", out, err)
	}
	if _, err := inv.Invoke(context.Background(), spec, "b"); err == nil {
		t.Fatalf("expected scripted error")
	}
	out, _ = inv.Invoke(context.Background(), spec, "c")
	if out != "again" {
		t.Fatalf("expected standing reply, got %q", out)
	}
	if inv.CallCount("claude") != 3 || inv.Pending("claude") != 0 {
		t.Fatalf("unexpected bookkeeping")
	}
	if calls := inv.Calls(); calls[1].Input != "b" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestScriptedInvokerHandlerAndMissing(t *testing.T) {
	inv := NewScriptedInvoker()
	if _, err := inv.Invoke(context.Background(), process.Spec{Name: "x"}, "hi"); err == nil {
		t.Fatalf("expected error without script")
	}
	inv.Handle(func(agent, input string) (string, error) {
		return strings.ToUpper(agent + ":" + input), nil
	})
	out, err := inv.Invoke(context.Background(), process.Spec{Name: "x"}, "hi")
	if err != nil || out != "X:HI" {
		t.Fatalf("unexpected handler reply %q %v", out, err)
	}
}

func TestScriptedInvokerDelayHonoursContext(t *testing.T) {
	inv := NewScriptedInvoker().On("slow", Reply{Output: "late", Delay: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := inv.Invoke(ctx, process.Spec{Name: "slow"}, "")
	if !rerrors.HasCode(err, rerrors.CodeContextLost) {
		t.Fatalf("expected CONTEXT_LOST, got %v", err)
	}
}
