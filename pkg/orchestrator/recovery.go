package orchestrator

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/telemetry"
)

// withRecovery runs fn under the recovery policy: exponential backoff between
// attempts and a component restart before each retry. Configuration errors
// and cancellation stop immediately. The last error is returned unchanged.
func (o *Orchestrator) withRecovery(ctx context.Context, op string, fn func(attempt int) error) (int, error) {
	rc := o.recovery
	rc.IsRecoverable = func(err error) bool {
		return !errors.IsConfigError(err) && errors.IsRecoverable(err)
	}
	rc.OnRetry = func(retry int, delay time.Duration, err error) {
		slog.Default().WarnContext(ctx, "orchestrator.recover",
			slog.String("op", op),
			slog.Int("retry", retry),
			slog.Duration("delay", delay),
			telemetry.ErrAttr(err),
		)
		o.restart(ctx)
	}
	attempts, err := rc.DoAttempts(ctx, fn)
	if err != nil {
		telemetry.Metrics().RecordError(ctx, err, "orchestrator")
	}
	return attempts, err
}

var planningWords = regexp.MustCompile(`(?i)\b(build|create|implement|design|develop|architect|refactor|migrate|plan|scaffold|set ?up)\b`)

// ChooseWorkflow picks plan-execute for build or design style prompts and
// long multi-sentence prompts, otherwise direct.
func (o *Orchestrator) ChooseWorkflow(prompt string) string {
	name := "direct"
	if planningWords.MatchString(prompt) || sentences(prompt) > 2 || len(prompt) > 500 {
		name = "plan-execute"
	}
	if !o.workflows.Has(name) {
		return "direct"
	}
	return name
}

func sentences(s string) int {
	n := 0
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '?' || r == '!' || r == '\n' }) {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}
