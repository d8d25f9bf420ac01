//go:build !windows

package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/relay/pkg/errors"
)

func shSpec(script string, mode CompletionMode) Spec {
	return Spec{
		Name:       "sh",
		Command:    "/bin/sh",
		Args:       []string{"-c", script},
		Input:      InputStdin,
		Completion: mode,
		Timeout:    10 * time.Second,
	}
}

func newTestAdapter() *Adapter {
	return NewAdapter(NewTable(), Options{
		Quiescence: 100 * time.Millisecond,
		Grace:      200 * time.Millisecond,
	})
}

func waitEmpty(t *testing.T, table *Table) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if table.Len() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process table still has %d records", table.Len())
}

func TestInvokeExitWithOutput(t *testing.T) {
	a := newTestAdapter()
	out, err := a.Invoke(context.Background(), shSpec("echo hello", CompletionExit), "")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	waitEmpty(t, a.Table())
}

func TestInvokeInstantExitsLeaveNoRecords(t *testing.T) {
	a := newTestAdapter()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := a.Invoke(context.Background(), shSpec("echo x", CompletionExit), "")
			assert.NoError(t, err)
			assert.Equal(t, "x", out)
		}()
	}
	wg.Wait()
	assert.Zero(t, a.Table().Len())
}

func TestInvokeFeedsStdin(t *testing.T) {
	a := newTestAdapter()
	out, err := a.Invoke(context.Background(), shSpec("cat", CompletionExit), "  Build a todo app\r\n")
	require.NoError(t, err)
	assert.Equal(t, "Build a todo app", out)
}

func TestInvokeArgumentPlaceholder(t *testing.T) {
	a := newTestAdapter()
	spec := Spec{
		Name:       "argv",
		Command:    "/bin/sh",
		Args:       []string{"-c", `printf '%s' "$1"`, "sh", "{prompt}"},
		Input:      InputArg,
		Completion: CompletionExit,
	}
	out, err := a.Invoke(context.Background(), spec, "review this")
	require.NoError(t, err)
	assert.Equal(t, "review this", out)
}

func TestInvokeNonZeroExitWithOutputIsDegradedSuccess(t *testing.T) {
	a := newTestAdapter()
	out, err := a.Invoke(context.Background(), shSpec("echo partial; exit 3", CompletionExit), "")
	require.NoError(t, err)
	assert.Equal(t, "partial", out)
}

func TestInvokeExitWithoutOutputFails(t *testing.T) {
	a := newTestAdapter()
	_, err := a.Invoke(context.Background(), shSpec("echo oops >&2; exit 2", CompletionExit), "")
	require.Error(t, err)
	re := errors.AsRelayError(err)
	assert.Equal(t, errors.CodeProcessExit, re.Code)
	assert.Equal(t, 2, re.Context["exit_code"])
	assert.Equal(t, "oops", re.Context["stderr"])
}

func TestInvokeTimeoutKillsProcess(t *testing.T) {
	a := newTestAdapter()
	spec := shSpec("trap '' TERM; echo working; sleep 30", CompletionExit)
	spec.Timeout = 300 * time.Millisecond

	start := time.Now()
	_, err := a.Invoke(context.Background(), spec, "")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeProcessTimeout), "got %v", err)
	assert.Less(t, elapsed, 5*time.Second)
	waitEmpty(t, a.Table())
}

func TestInvokeHeuristicCompletesBeforeExit(t *testing.T) {
	a := newTestAdapter()
	spec := shSpec("echo 'The answer is 42.'; sleep 30", CompletionHeuristic)

	start := time.Now()
	out, err := a.Invoke(context.Background(), spec, "")
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42.", out)
	assert.Less(t, time.Since(start), 5*time.Second)
	waitEmpty(t, a.Table())
}

func TestInvokeHeuristicWaitsForBalancedOutput(t *testing.T) {
	a := newTestAdapter()
	// The first chunk is unbalanced, so completion must wait for the second.
	spec := shSpec(`printf 'func main() {\n'; sleep 0.4; printf '}\n'; sleep 30`, CompletionHeuristic)
	out, err := a.Invoke(context.Background(), spec, "")
	require.NoError(t, err)
	assert.Equal(t, "func main() {\n}", out)
}

func TestInvokeSentinel(t *testing.T) {
	a := newTestAdapter()
	spec := shSpec(`printf 'result line\n<<END>>\n'; sleep 30`, CompletionSentinel)
	spec.Sentinel = "<<END>>"
	out, err := a.Invoke(context.Background(), spec, "")
	require.NoError(t, err)
	assert.Equal(t, "result line", out)
}

func TestInvokeStartError(t *testing.T) {
	a := newTestAdapter()
	_, err := a.Invoke(context.Background(), Spec{Name: "ghost", Command: "/nonexistent/relay-agent"}, "hi")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeProcessStart))
	assert.Equal(t, 0, a.Table().Len())
}

func TestInvokeEmptyCommand(t *testing.T) {
	_, err := newTestAdapter().Invoke(context.Background(), Spec{Name: "x"}, "hi")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
}

func TestInvokeContextCanceled(t *testing.T) {
	a := newTestAdapter()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := a.Invoke(ctx, shSpec("sleep 30", CompletionExit), "")
	assert.True(t, errors.HasCode(err, errors.CodeContextLost), "got %v", err)
	waitEmpty(t, a.Table())
}

func TestInvokeTTY(t *testing.T) {
	a := newTestAdapter()
	spec := Spec{
		Name:       "tty",
		Command:    "/bin/sh",
		Args:       []string{"-c", "if [ -t 1 ]; then echo on-tty; else echo no-tty; fi"},
		Input:      InputArg,
		TTY:        true,
		Completion: CompletionExit,
		Timeout:    5 * time.Second,
	}
	out, err := a.Invoke(context.Background(), spec, "ignored")
	if errors.HasCode(err, errors.CodeProcessStart) {
		t.Skipf("pty unavailable: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, "on-tty", out)
}

func TestBuildArgs(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		want []string
	}{
		{"stdin keeps args", Spec{Args: []string{"-p"}, Input: InputStdin}, []string{"-p"}},
		{"arg appended", Spec{Args: []string{"exec"}, Input: InputArg}, []string{"exec", "do it"}},
		{"placeholder replaced", Spec{Args: []string{"-p", "{prompt}", "--json"}, Input: InputArg}, []string{"-p", "do it", "--json"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, buildArgs(tc.spec, "do it"))
		})
	}
}
