package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spigell/doc-evaluator/internal/ai"
	"github.com/spigell/doc-evaluator/internal/ai/anthropic"
	"github.com/spigell/doc-evaluator/internal/ai/gemini"
	"github.com/spigell/doc-evaluator/internal/document"
	"github.com/spigell/doc-evaluator/internal/evaluation"
	"github.com/spigell/doc-evaluator/internal/export"
	"github.com/spigell/doc-evaluator/internal/logger"
	"github.com/spigell/doc-evaluator/internal/rules"
	"github.com/spigell/doc-evaluator/internal/secrets"

	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	PromptSummary        = "Show summary"
	PromptUnable         = "Show rules unable to evaluate"
	PromptDumpReport     = "Print a report"
	PromptExit           = "Exit"
	PromptBack           = "back"
	providerGemini       = "gemini"
	providerAnthropic    = "anthropic"
	geminiModelPrefix    = "gemini"
	anthropicModelPrefix = "claude"
)

var errExit = errors.New("exit requested")

var prompt = promptui.Select{
	Label: "Evaluation finished. What next?",
	Items: []string{PromptSummary, PromptUnable, PromptDumpReport, PromptExit},
}

// outcome is what the post-run menu knows about one document.
type outcome struct {
	Source string
	Name   string
	Path   string
	Report *evaluation.Report
	Err    error
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [file or directory]",
	Short: "Evaluate a document or every document in a directory",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		evaluate(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().BoolP("auto-aprove", "y", false, "do not show the interactive menu after the run")
	evaluateCmd.Flags().Bool("no-move", false, "do not move evaluated documents into the processed directory")
	evaluateCmd.Flags().Bool("disable-batching", false, "evaluate every rule with its own prompt")
	evaluateCmd.Flags().Bool("ignore-steps", false, "always synthesize rule prompts instead of using prompt steps")
	evaluateCmd.Flags().StringP("output-dir", "o", "", "directory for exported reports")
	evaluateCmd.Flags().String("database", "", "sqlite database to store reports in. Default is unset.")

	viper.BindPFlag("output-dir", evaluateCmd.Flags().Lookup("output-dir"))
	viper.BindPFlag("database", evaluateCmd.Flags().Lookup("database"))
	viper.BindPFlag("evaluation.disable-batching", evaluateCmd.Flags().Lookup("disable-batching"))
	viper.BindPFlag("evaluation.ignore-steps", evaluateCmd.Flags().Lookup("ignore-steps"))
}

func evaluate(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}
	if config == nil {
		logger.Fatal("config is required")
	}

	logger.Info("starting the doc-evaluator", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	set, err := rules.Load(config.RulesFile, config.StepsFile, defaultModel(config.AI))
	if err != nil {
		logger.Fatal("loading rules", zap.Error(err))
	}
	logger.Info("rules loaded", zap.Int("count", set.Len()))

	client, err := newModelClient(ctx, config.AI, logger)
	if err != nil {
		logger.Fatal("building model client", zap.Error(err),
			zap.String("hint", "set GEMINI_API_KEY_FILE or ANTHROPIC_API_KEY_FILE, or the ai.*.api-key-file keys in the configuration file"),
		)
	}

	exporters, closeExporters, err := newExporters(ctx, config, logger)
	if err != nil {
		logger.Fatal("preparing exporters", zap.Error(err))
	}
	defer closeExporters()

	target := config.InputDir
	if len(args) > 0 {
		target = args[0]
	}

	files, directory, err := documentsFor(target)
	if err != nil {
		logger.Fatal("listing documents", zap.Error(err))
	}
	if len(files) == 0 {
		logger.Info("exiting", zap.String("reason", "no documents found"), zap.String("path", target))
		return
	}

	evaluator := evaluation.New(set, evaluationOptions(config.Evaluation), logger)
	move := directory && !flagIsSet(cmd, "no-move")

	outcomes := evaluateFiles(ctx, evaluator, client, exporters, files, move, logger)

	failed := 0
	for _, res := range outcomes {
		if res.Err != nil {
			failed++
		}
	}
	logger.Info("evaluation finished", zap.Int("documents", len(outcomes)), zap.Int("failed", failed))

	if flagIsSet(cmd, "auto-aprove") || !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}

	for {
		_, action, err := prompt.Run()
		if err != nil {
			logger.Fatal("exiting", zap.Error(err))
		}

		if err := handleAction(action, outcomes, logger); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}
	}
}

// evaluateFiles evaluates the documents in order. A batch hard failure means
// the model endpoint keeps failing, so the remaining documents are skipped.
func evaluateFiles(ctx context.Context, evaluator *evaluation.Evaluator, client ai.Client, exporters []export.Exporter, files []string, move bool, log *zap.Logger) []outcome {
	outcomes := make([]outcome, 0, len(files))
	for i, file := range files {
		if ctx.Err() != nil {
			log.Warn("stopping", zap.Error(ctx.Err()), zap.Strings("skipped", files[i:]))
			break
		}

		res := evaluateFile(ctx, evaluator, client, exporters, file, move, log)
		outcomes = append(outcomes, res)

		var hard *evaluation.BatchHardFailure
		if errors.As(res.Err, &hard) {
			log.Error("stopping after batch failure",
				zap.String(logger.FieldSource, file),
				zap.Int(logger.FieldStage, hard.Stage),
				zap.Strings("skipped", files[i+1:]),
			)
			break
		}
	}
	return outcomes
}

// evaluateFile runs one document through the evaluator and the exporters.
// Failures are logged and reported in the outcome so the caller can move on.
func evaluateFile(ctx context.Context, evaluator *evaluation.Evaluator, client ai.Client, exporters []export.Exporter, file string, move bool, log *zap.Logger) outcome {
	log = log.With(zap.String(logger.FieldSource, file))
	res := outcome{Source: file}

	doc, err := document.Load(file)
	if err != nil {
		if errors.Is(err, document.ErrUnsupported) {
			log.Warn("skipping unsupported document", zap.Error(err))
		} else {
			log.Error("loading document", zap.Error(err))
		}
		res.Err = err
		return res
	}

	session, err := evaluator.NewSession(client, doc)
	if err != nil {
		log.Error("opening model session", zap.Error(err))
		res.Err = err
		return res
	}

	report, err := evaluator.Run(ctx, doc, session)
	res.Report = report
	res.Err = err
	if report == nil {
		log.Error("evaluating document", zap.Error(err))
		return res
	}

	res.Name = export.ReportName(report, doc.Stem())
	for _, exporter := range exporters {
		where, exportErr := exporter.Export(ctx, report, res.Name)
		if exportErr != nil {
			log.Error("exporting report", zap.Error(exportErr))
			res.Err = errors.Join(res.Err, exportErr)
			continue
		}
		if res.Path == "" {
			res.Path = where
		}
		log.Info("report exported", zap.String("destination", where))
	}

	if report.Aborted() || res.Err != nil {
		// Aborted documents stay in place so the next run picks them up again.
		log.Error("evaluating document", zap.Error(res.Err), zap.String("status", report.Status))
		return res
	}

	log.Info("document evaluated",
		zap.Float64("score", report.Overall.Score),
		zap.String("rating", report.Overall.Rating),
		zap.Int("unable_to_evaluate", len(report.Summary.UnableToEvaluate)),
	)

	if move {
		moved, err := document.MoveProcessed(file)
		if err != nil {
			log.Error("moving document to processed", zap.Error(err))
			res.Err = err
			return res
		}
		log.Debug("document moved", zap.String("path", moved))
	}

	return res
}

func handleAction(action string, outcomes []outcome, logger *zap.Logger) error {
	switch action {
	case PromptExit:
		logger.Info("exiting", zap.String("reason", "got exit from prompt"))
		return errExit
	case PromptSummary:
		for _, res := range outcomes {
			fields := []zap.Field{zap.String("source", res.Source), zap.String("report", res.Path)}
			if res.Report != nil {
				fields = append(fields,
					zap.Float64("score", res.Report.Overall.Score),
					zap.String("rating", res.Report.Overall.Rating),
					zap.String("status", res.Report.Status),
				)
			}
			if res.Err != nil {
				fields = append(fields, zap.Error(res.Err))
			}
			logger.Info("document", fields...)
		}
		return nil
	case PromptUnable:
		for _, res := range outcomes {
			if res.Report == nil {
				continue
			}
			pretty, _ := json.MarshalIndent(res.Report.Summary.UnableToEvaluate, "", "  ")
			logger.Info(string(pretty), zap.String("source", res.Source))
		}
		return nil
	case PromptDumpReport:
		return dumpReport(outcomes)
	default:
		return fmt.Errorf("invalid action: %s", action)
	}
}

func dumpReport(outcomes []outcome) error {
	items := make([]string, 0, len(outcomes)+1)
	byLabel := make(map[string]*evaluation.Report, len(outcomes))
	for _, res := range outcomes {
		if res.Report == nil {
			continue
		}
		label := fmt.Sprintf("%s / %.2f / %s", res.Source, res.Report.Overall.Score, res.Report.Overall.Rating)
		items = append(items, label)
		byLabel[label] = res.Report
	}

	reportPrompt := promptui.Select{
		Label: "Choose a document and press ENTER",
		Items: append(items, PromptBack),
	}

	_, selected, err := reportPrompt.Run()
	if err != nil {
		return err
	}
	if selected == PromptBack {
		return nil
	}

	pretty, err := json.MarshalIndent(byLabel[selected], "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	fmt.Println(string(pretty))
	return nil
}

// documentsFor returns the documents to evaluate and whether target is a directory.
func documentsFor(target string) ([]string, bool, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, false, err
	}
	if !info.IsDir() {
		return []string{target}, false, nil
	}

	files, err := document.List(target)
	return files, true, err
}

func evaluationOptions(cfg *EvaluationConfig) evaluation.Options {
	opts := evaluation.DefaultOptions()
	if cfg == nil {
		return opts
	}

	if cfg.BatchSize > 0 {
		opts.BatchSize = cfg.BatchSize
	}
	if cfg.Workers > 0 {
		opts.Workers = cfg.Workers
	}
	if cfg.BatchStagger > 0 {
		opts.BatchStagger = cfg.BatchStagger
	}
	if cfg.RuleDelay > 0 {
		opts.RuleDelay = cfg.RuleDelay
	}
	if cfg.StagePause > 0 {
		opts.StagePause = cfg.StagePause
	}
	if cfg.MaxLogLength > 0 {
		opts.MaxLogLength = cfg.MaxLogLength
	}
	opts.DisableBatching = cfg.DisableBatching
	opts.IgnoreSteps = cfg.IgnoreSteps

	return opts
}

func defaultModel(cfg *AIConfig) string {
	if cfg == nil {
		return ""
	}
	return strings.TrimSpace(cfg.DefaultModel)
}

// newModelClient builds a client per configured provider and routes calls by
// model name. The provider matching the default model handles everything else.
func newModelClient(ctx context.Context, cfg *AIConfig, log *zap.Logger) (ai.Client, error) {
	if cfg == nil {
		cfg = &AIConfig{}
	}

	var (
		routes  []ai.Route
		clients = make(map[string]ai.Client)
		errs    []error
	)

	if cfg.Gemini != nil {
		apiKey, err := secrets.Load(secrets.Source{Name: "gemini api key", File: cfg.Gemini.APIKeyFile, Env: "GEMINI_API_KEY"})
		if err != nil {
			errs = append(errs, err)
		} else {
			generator, err := gemini.NewGenerator(ctx, apiKey, gemini.Options{
				Model:         cfg.Gemini.Model,
				MaxTokens:     cfg.Gemini.MaxTokens,
				CacheDocument: cfg.Gemini.CacheDocument,
				CacheTTL:      cfg.Gemini.CacheTTL,
			}, log)
			if err != nil {
				return nil, err
			}
			clients[providerGemini] = generator
			routes = append(routes, ai.Route{Prefix: geminiModelPrefix, Client: generator})
		}
	}

	if cfg.Anthropic != nil {
		apiKey, err := secrets.Load(secrets.Source{Name: "anthropic api key", File: cfg.Anthropic.APIKeyFile, Env: "ANTHROPIC_API_KEY"})
		if err != nil {
			errs = append(errs, err)
		} else {
			client, err := anthropic.NewClient(apiKey, anthropic.Options{
				Model:     cfg.Anthropic.Model,
				MaxTokens: cfg.Anthropic.MaxTokens,
				BaseURL:   cfg.Anthropic.BaseURL,
			}, log)
			if err != nil {
				return nil, err
			}
			clients[providerAnthropic] = client
			routes = append(routes, ai.Route{Prefix: anthropicModelPrefix, Client: client})
		}
	}

	if len(routes) == 0 {
		if len(errs) == 0 {
			errs = append(errs, errors.New("no ai provider is configured under ai.gemini or ai.anthropic"))
		}
		return nil, errors.Join(errs...)
	}

	fallback := routes[0].Client
	model := defaultModel(cfg)
	if model == "" {
		model = rules.DefaultModel
	}
	if strings.HasPrefix(model, anthropicModelPrefix) && clients[providerAnthropic] != nil {
		fallback = clients[providerAnthropic]
	} else if strings.HasPrefix(model, geminiModelPrefix) && clients[providerGemini] != nil {
		fallback = clients[providerGemini]
	}

	return ai.NewRouter(fallback, routes...), nil
}

func newExporters(ctx context.Context, config *Config, log *zap.Logger) ([]export.Exporter, func(), error) {
	jsonExporter, err := export.NewJSON(config.OutputDir)
	if err != nil {
		return nil, nil, err
	}
	exporters := []export.Exporter{jsonExporter}

	if strings.TrimSpace(config.Database) == "" {
		return exporters, func() {}, nil
	}

	store, err := export.NewSQLite(config.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	log.Info("storing reports in sqlite", zap.String("database", config.Database))

	closeStore := func() {
		if err := store.Close(); err != nil {
			log.Warn("closing sqlite store", zap.Error(err))
		}
	}
	return append(exporters, store), closeStore, nil
}

func flagIsSet(cmd *cobra.Command, name string) bool {
	if cmd == nil {
		return false
	}
	flag := cmd.Flag(name)
	return flag != nil && strings.EqualFold(flag.Value.String(), "true")
}
