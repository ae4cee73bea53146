package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/questionprocess-worker/internal/cache"
	"github.com/adverant/nexus/questionprocess-worker/internal/config"
	"github.com/adverant/nexus/questionprocess-worker/internal/logging"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
	"github.com/adverant/nexus/questionprocess-worker/internal/pipeline"
	"github.com/adverant/nexus/questionprocess-worker/internal/recognizer"
)

func newExtractCmd(opts *rootOptions) *cobra.Command {
	var (
		subject  string
		expected int
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "extract <image>...",
		Short: "Extract questions from one or more page images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateFormat(); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}

			level := logging.LevelWarn
			if verbose {
				level = logging.LevelDebug
			}
			logger := logging.NewLoggerWithOutput("qextract", level, cmd.ErrOrStderr())

			pool, err := recognizer.NewWorkerPool(cfg.PoolConfig(), cfg.EngineFactory())
			if err != nil {
				return fmt.Errorf("failed to start recognizer pool: %w", err)
			}
			defer pool.Close()

			pc := cfg.PipelineConfig()
			pc.Orchestrator = recognizer.NewOrchestrator(pool, logger)
			pc.Cache = cache.New(cfg.CacheConfig(), nil, logger)
			pc.Duplicates = cache.NewMemoryDuplicateIndex(cfg.DuplicateWindow, 0)
			pc.Logger = logger
			pipe, err := pipeline.New(pc)
			if err != nil {
				return err
			}

			results := make([]*model.PipelineResult, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(pool.Size())
			for i, path := range args {
				i, path := i, path
				g.Go(func() error {
					image, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					res, err := pipe.Extract(ctx, image, model.Options{
						Subject:               subject,
						ExpectedQuestionCount: expected,
						RequestID:             filepath.Base(path),
					})
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					results[i] = res
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.outputFormat == "json" {
				return writeJSON(out, results)
			}
			for i, res := range results {
				info := res.ProcessingInfo
				fmt.Fprintf(out, "== %s: %d questions, confidence %.2f, variant %s, %dms\n",
					args[i], len(res.Questions), res.Confidence, info.ChosenVariant, info.TotalTimeMs)
				for _, w := range res.Warnings {
					fmt.Fprintf(out, "   warning: %s\n", w)
				}
				writeQuestions(out, res.Questions)
				writeExtractionErrors(out, res.Errors)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject hint (math forces symbol correction)")
	cmd.Flags().IntVar(&expected, "expected", 0, "Expected question count per page")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline stages to stderr")
	return cmd
}
