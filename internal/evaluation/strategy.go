package evaluation

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spigell/doc-evaluator/internal/ai"
	"github.com/spigell/doc-evaluator/internal/rules"
)

// runState is the per-run context shared by the strategies.
type runState struct {
	id      string
	set     *rules.Set
	session *ai.Session
	store   *ResultStore
	logger  *zap.Logger
}

// strategy evaluates the rules of one stage that it accepts. Results are
// written to the run's store; the returned map holds what was recorded.
type strategy interface {
	Name() string
	Accepts(rule rules.Rule) bool
	Process(ctx context.Context, run *runState, stageRules []rules.Rule, stage int) (map[string]RuleResult, error)
}

// Step summarizes what a strategy did with the rules of a stage.
type Step struct {
	Strategy  string
	Rules     int
	Evaluated int
	Failed    int
}

func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

func retryNotifier(log *zap.Logger, msg string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		log.Warn(msg, zap.Error(err), zap.Duration("retry_in", wait))
	}
}
