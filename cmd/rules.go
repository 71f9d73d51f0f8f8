package cmd

import (
	"fmt"
	"io"
	"log"
	"strings"
	"text/tabwriter"

	"github.com/spigell/doc-evaluator/internal/evaluation"
	"github.com/spigell/doc-evaluator/internal/logger"
	"github.com/spigell/doc-evaluator/internal/rules"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the execution plan of the configured rules without calling a model",
	Run: func(cmd *cobra.Command, _ []string) {
		logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
		if err != nil {
			log.Fatalf("creating a logger: %s", err)
		}

		config, err := getConfig()
		if err != nil {
			logger.Fatal("getting a config", zap.Error(err))
		}

		set, err := rules.Load(config.RulesFile, config.StepsFile, defaultModel(config.AI))
		if err != nil {
			logger.Fatal("loading rules", zap.Error(err))
		}

		if err := printPlan(cmd.OutOrStdout(), set, evaluationOptions(config.Evaluation)); err != nil {
			logger.Fatal("printing plan", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
}

// printPlan writes one line per rule in execution order. Batch numbers show
// which rules share a combined prompt.
func printPlan(w io.Writer, set *rules.Set, opts evaluation.Options) error {
	batchOf := make(map[string]int)
	if !opts.DisableBatching {
		n := 0
		for _, stage := range rules.Stages {
			var batchable []rules.Rule
			for _, rule := range set.Sorted() {
				if rule.Stage == stage && rule.Batchable() {
					batchable = append(batchable, rule)
				}
			}
			for _, batch := range evaluation.GroupBatches(batchable, opts.BatchSize) {
				n++
				for _, rule := range batch {
					batchOf[rule.Name] = n
				}
			}
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tORDER\tRULE\tMODEL\tBATCH\tTYPE\tWEIGHT\tDEPENDS ON")
	for _, rule := range set.Sorted() {
		batch := "-"
		if n, ok := batchOf[rule.Name]; ok {
			batch = fmt.Sprintf("#%d", n)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%g\t%s\n",
			rule.Stage, rule.Order, rule.Name, rule.Model, batch, rule.Type, rule.Weight, strings.Join(rule.DataDependency, ","),
		)
	}
	return tw.Flush()
}
