// Package evaluation runs staged, model-driven rule evaluation over a
// document and aggregates the results into a report.
package evaluation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/doc-evaluator/internal/ai"
	"github.com/spigell/doc-evaluator/internal/document"
	"github.com/spigell/doc-evaluator/internal/logger"
	"github.com/spigell/doc-evaluator/internal/rules"
	"github.com/spigell/doc-evaluator/internal/utils"
)

// Options tunes scheduling, pacing and retries.
type Options struct {
	BatchSize    int
	Workers      int
	BatchStagger time.Duration
	RuleDelay    time.Duration
	StagePause   time.Duration

	BatchRetry     RetryPolicy
	RateLimitRetry RetryPolicy
	RuleRetry      RetryPolicy

	// IgnoreSteps always synthesizes rule prompts.
	IgnoreSteps bool
	// DisableBatching evaluates every rule individually.
	DisableBatching bool

	MaxLogLength int
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{
		BatchSize:    4,
		Workers:      2,
		BatchStagger: 2 * time.Second,
		RuleDelay:    time.Second,
		StagePause:   3 * time.Second,
		BatchRetry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			MaxElapsed:      300 * time.Second,
		},
		RateLimitRetry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 5 * time.Second,
			MaxInterval:     time.Minute,
			MaxElapsed:      300 * time.Second,
		},
		RuleRetry: RetryPolicy{
			MaxAttempts:     5,
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			MaxElapsed:      300 * time.Second,
		},
		MaxLogLength: 200,
		Now:          time.Now,
	}
}

// Evaluator schedules the rules of a set stage by stage.
type Evaluator struct {
	set        *rules.Set
	opts       Options
	logger     *zap.Logger
	batch      strategy
	individual strategy
}

func New(set *rules.Set, opts Options, log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Evaluator{
		set:    set,
		opts:   opts,
		logger: log,
		batch: &batchStrategy{
			size:      opts.BatchSize,
			workers:   opts.Workers,
			stagger:   opts.BatchStagger,
			retry:     opts.BatchRetry,
			rateRetry: opts.RateLimitRetry,
		},
		individual: &individualStrategy{
			delay:       opts.RuleDelay,
			retry:       opts.RuleRetry,
			ignoreSteps: opts.IgnoreSteps,
		},
	}
}

// NewSession opens a model session whose system instruction carries the base
// instruction and the document text.
func (e *Evaluator) NewSession(client ai.Client, doc document.Document) (*ai.Session, error) {
	if strings.TrimSpace(doc.Text) == "" {
		return nil, &PreconditionError{Reason: "document text must be loaded before opening a model session"}
	}
	if client == nil {
		return nil, &PreconditionError{Reason: "model client is not configured"}
	}

	base, err := e.set.BaseInstruction()
	if err != nil {
		return nil, err
	}

	session := ai.NewSession(client, BuildSystemInstruction(base, doc.Text, e.opts.Now()), e.logger)
	session.SetMaxLogLength(e.opts.MaxLogLength)
	return session, nil
}

// Run evaluates the document. When a batch fails hard the partial report is
// returned together with a *BatchHardFailure.
func (e *Evaluator) Run(ctx context.Context, doc document.Document, session *ai.Session) (*Report, error) {
	if strings.TrimSpace(doc.Text) == "" {
		return nil, &PreconditionError{Reason: "no document has been loaded"}
	}
	if session == nil {
		return nil, &PreconditionError{Reason: "no model session"}
	}

	run := &runState{
		id:      uuid.NewString(),
		set:     e.set,
		session: session,
		store:   NewResultStore(),
	}
	run.logger = logger.WithFields(e.logger, logger.RunFields(run.id, doc.Path)...)
	run.logger.Info("starting evaluation", zap.Int("rules", e.set.Len()))

	session.ClearConversation()
	sorted := e.set.Sorted()

	var runErr error
	for i, stage := range rules.Stages {
		stageRules := rulesOfStage(sorted, stage)
		if len(stageRules) == 0 {
			run.store.Freeze(stage)
			continue
		}

		if runErr = e.runStage(ctx, run, stageRules, stage); runErr != nil {
			break
		}
		run.store.Freeze(stage)

		if i < len(rules.Stages)-1 {
			if runErr = utils.WaitFor(ctx, e.opts.StagePause); runErr != nil {
				break
			}
		}
	}

	report := BuildReport(e.set, run.store, newMetadata(run.id, doc.Path, doc.Text, e.opts.Now()), run.logger)
	if runErr != nil {
		report.Status = StatusAborted
		report.Error = runErr.Error()
		for _, rule := range sorted {
			if !run.store.Settled(rule.Stage, rule.Name) {
				report.Summary.NotEvaluated = append(report.Summary.NotEvaluated, rule.Name)
			}
		}
		run.logger.Error("evaluation aborted", zap.Error(runErr), zap.Strings("not_evaluated", report.Summary.NotEvaluated))
		return report, runErr
	}

	run.logger.Info("evaluation finished",
		zap.Float64("score", report.Overall.Score),
		zap.String("rating", report.Overall.Rating),
		zap.Int("evaluated_fields", report.Summary.EvaluatedFields),
		zap.Int("unable_to_evaluate", len(report.Summary.UnableToEvaluate)),
	)
	return report, nil
}

func (e *Evaluator) runStage(ctx context.Context, run *runState, stageRules []rules.Rule, stage int) error {
	var batchable, individual []rules.Rule
	for _, rule := range stageRules {
		if !e.opts.DisableBatching && e.batch.Accepts(rule) {
			batchable = append(batchable, rule)
		} else {
			individual = append(individual, rule)
		}
	}

	run.logger.Info("stage started",
		zap.Int(logger.FieldStage, stage),
		zap.Int("batchable", len(batchable)),
		zap.Int("individual", len(individual)),
	)

	for _, work := range []struct {
		strategy strategy
		assigned []rules.Rule
	}{
		{strategy: e.batch, assigned: batchable},
		{strategy: e.individual, assigned: individual},
	} {
		if len(work.assigned) == 0 {
			continue
		}

		results, err := work.strategy.Process(ctx, run, work.assigned, stage)
		step := Step{
			Strategy:  work.strategy.Name(),
			Rules:     len(work.assigned),
			Evaluated: len(results),
			Failed:    len(work.assigned) - len(results),
		}
		run.logger.Info("strategy step",
			zap.Int(logger.FieldStage, stage),
			zap.String("strategy", step.Strategy),
			zap.Int("rules", step.Rules),
			zap.Int("evaluated", step.Evaluated),
			zap.Int("failed", step.Failed),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

func rulesOfStage(sorted []rules.Rule, stage int) []rules.Rule {
	var out []rules.Rule
	for _, rule := range sorted {
		if rule.Stage == stage {
			out = append(out, rule)
		}
	}
	return out
}
