package evaluation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/doc-evaluator/internal/ai"
	"github.com/spigell/doc-evaluator/internal/logger"
	"github.com/spigell/doc-evaluator/internal/rules"
)

const (
	reasonNoBatchResult = "No result in batch response"
	reasonBatchFailed   = "Batch evaluation failed: "
	reasonMalformed     = "Malformed response: "
)

type batchStrategy struct {
	size      int
	workers   int
	stagger   time.Duration
	retry     RetryPolicy
	rateRetry RetryPolicy
}

func (b *batchStrategy) Name() string { return "batch" }

func (b *batchStrategy) Accepts(rule rules.Rule) bool { return rule.Batchable() }

// GroupBatches groups rules by (model, stage) in first-appearance order and
// cuts each group into chunks of at most size rules, keeping rule order.
func GroupBatches(batchable []rules.Rule, size int) [][]rules.Rule {
	if size <= 0 {
		size = 1
	}

	type key struct {
		model string
		stage int
	}

	var order []key
	groups := make(map[key][]rules.Rule)
	for _, rule := range batchable {
		k := key{model: rule.Model, stage: rule.Stage}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], rule)
	}

	var batches [][]rules.Rule
	for _, k := range order {
		group := groups[k]
		for i := 0; i < len(group); i += size {
			end := min(i+size, len(group))
			batches = append(batches, group[i:end])
		}
	}
	return batches
}

// Process runs the batches on a bounded pool. A batch that exhausts its
// retries cancels the submission of further batches; batches already in
// flight finish and keep their results.
func (b *batchStrategy) Process(ctx context.Context, run *runState, stageRules []rules.Rule, stage int) (map[string]RuleResult, error) {
	batches := GroupBatches(stageRules, b.size)
	limiter := newLimiter(b.stagger)

	run.logger.Info("evaluating batches",
		zap.Int(logger.FieldStage, stage),
		zap.Int("rules", len(stageRules)),
		zap.Int("batches", len(batches)),
	)

	var (
		mu        sync.Mutex
		collected = make(map[string]RuleResult)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(b.workers, 1))

	for i, batch := range batches {
		if err := limiter.Wait(gctx); err != nil {
			break
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			results, err := b.evaluate(ctx, run, batch, stage, i)
			if err != nil {
				return err
			}

			mu.Lock()
			for name, result := range results {
				collected[name] = result
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return collected, err
	}
	if err := ctx.Err(); err != nil {
		return collected, err
	}
	return collected, nil
}

func (b *batchStrategy) evaluate(ctx context.Context, run *runState, batch []rules.Rule, stage, index int) (map[string]RuleResult, error) {
	names := make([]string, len(batch))
	for i, rule := range batch {
		names[i] = rule.Name
	}

	log := run.logger.With(
		zap.Int(logger.FieldStage, stage),
		zap.Int("batch", index),
		zap.Strings("rules", names),
		zap.String(logger.FieldModel, batch[0].Model),
	)
	log.Info("evaluating batch")

	prompt, history := BuildBatchPrompt(batch)
	request := ai.Request{
		Model:   batch[0].Model,
		Labels:  names,
		Prompt:  prompt,
		History: history,
	}

	raw, err := retry(ctx, b.retry, ai.IsTransient, retryNotifier(log, "batch call failed"), func() (string, error) {
		return retry(ctx, b.rateRetry, ai.IsRateLimited, retryNotifier(log, "batch call rate limited"), func() (string, error) {
			// Every attempt starts from a fresh conversation of its own.
			return run.session.Fork().GenerateResponse(ctx, request)
		})
	})
	if err != nil {
		log.Error("batch evaluation failed", zap.Error(err))
		for _, rule := range batch {
			if markErr := run.store.MarkCannotEvaluate(stage, rule, reasonBatchFailed+err.Error()); markErr != nil {
				log.Error("record cannot evaluate", zap.Error(markErr))
			}
		}
		return nil, &BatchHardFailure{Stage: stage, Rules: names, Err: err}
	}

	parsed, err := ParseResponse(raw, run.set)
	if err != nil {
		log.Warn("batch response is malformed", zap.Error(err))
		for _, rule := range batch {
			if markErr := run.store.MarkCannotEvaluate(stage, rule, reasonMalformed+err.Error()); markErr != nil {
				log.Error("record cannot evaluate", zap.Error(markErr))
			}
		}
		return nil, nil
	}

	results := make(map[string]RuleResult, len(batch))
	var missing []rules.Rule
	for _, rule := range batch {
		if result, ok := parsed[rule.Name]; ok {
			results[rule.Name] = result
			continue
		}
		missing = append(missing, rule)
	}

	if err := run.store.Apply(stage, results); err != nil {
		return nil, fmt.Errorf("apply batch results: %w", err)
	}
	for _, rule := range missing {
		if err := run.store.MarkCannotEvaluate(stage, rule, reasonNoBatchResult); err != nil {
			return nil, fmt.Errorf("record cannot evaluate: %w", err)
		}
	}

	if extra := len(parsed) - len(results); extra > 0 {
		log.Debug("ignoring fields outside the batch", zap.Int("fields", extra))
	}
	log.Info("batch evaluated", zap.Int("evaluated", len(results)), zap.Int("missing", len(missing)))

	return results, nil
}
