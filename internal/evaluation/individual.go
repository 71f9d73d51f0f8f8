package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/doc-evaluator/internal/ai"
	"github.com/spigell/doc-evaluator/internal/logger"
	"github.com/spigell/doc-evaluator/internal/rules"
)

var errNoResult = errors.New("No result in response")

type individualStrategy struct {
	delay       time.Duration
	retry       RetryPolicy
	ignoreSteps bool
}

func (s *individualStrategy) Name() string { return "individual" }

func (s *individualStrategy) Accepts(rules.Rule) bool { return true }

// Process evaluates rules one at a time on the shared session. A rule that
// fails after all retries is recorded as cannot-evaluate and the next rule
// runs. Only context cancellation stops the loop.
func (s *individualStrategy) Process(ctx context.Context, run *runState, stageRules []rules.Rule, stage int) (map[string]RuleResult, error) {
	limiter := newLimiter(s.delay)
	results := make(map[string]RuleResult, len(stageRules))

	for _, rule := range stageRules {
		if err := limiter.Wait(ctx); err != nil {
			return results, err
		}

		log := logger.WithFields(run.logger, logger.RuleFields(stage, rule.Name)...)
		result, err := s.evaluate(ctx, run, rule, log)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results, ctxErr
			}
			log.Warn("rule cannot be evaluated", zap.Error(err))
			if markErr := run.store.MarkCannotEvaluate(stage, rule, err.Error()); markErr != nil {
				return results, fmt.Errorf("record cannot evaluate: %w", markErr)
			}
			continue
		}

		if err := run.store.Apply(stage, map[string]RuleResult{rule.Name: result}); err != nil {
			return results, fmt.Errorf("apply rule result: %w", err)
		}
		results[rule.Name] = result
		log.Debug("rule evaluated")
	}

	return results, nil
}

func (s *individualStrategy) evaluate(ctx context.Context, run *runState, rule rules.Rule, log *zap.Logger) (RuleResult, error) {
	if rule.Batchable() {
		run.session.ClearConversation()
	}

	prompt := BuildRulePrompt(rule)
	if !s.ignoreSteps {
		if step, ok := run.set.PromptStep(rule.Stage, rule.Type); ok {
			log.Debug("using prompt from evaluation step", zap.String("step", step.Name))
			prompt = step.Instruction
		}
	}

	request := ai.Request{
		Model:   rule.Model,
		Labels:  []string{rule.Name},
		Prompt:  prompt,
		History: rule.DataDependency,
	}

	return retry(ctx, s.retry, retryableRuleError, retryNotifier(log, "rule evaluation failed"), func() (RuleResult, error) {
		raw, err := run.session.GenerateResponse(ctx, request)
		if err != nil {
			return RuleResult{}, err
		}

		parsed, err := ParseResponse(raw, run.set)
		if err != nil {
			return RuleResult{}, err
		}

		result, ok := parsed[rule.Name]
		if !ok {
			return RuleResult{}, errNoResult
		}
		return result, nil
	})
}

// retryableRuleError retries everything except unusable replies and
// cancellation.
func retryableRuleError(err error) bool {
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return false
	}
	return !errors.Is(err, errNoResult) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
