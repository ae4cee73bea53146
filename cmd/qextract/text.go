package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/questionprocess-worker/internal/config"
	"github.com/adverant/nexus/questionprocess-worker/internal/correction"
	"github.com/adverant/nexus/questionprocess-worker/internal/questions"
)

func newCorrectCmd() *cobra.Command {
	var mathMode string
	cmd := &cobra.Command{
		Use:   "correct",
		Short: "Apply OCR text correction to stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readAll(cmd)
			if err != nil {
				return err
			}
			c := correction.NewCorrector()
			c.Math = correction.ParseMathMode(mathMode)
			fmt.Fprintln(cmd.OutOrStdout(), c.Correct(text))
			return nil
		},
	}
	cmd.Flags().StringVar(&mathMode, "math", "auto", "Math symbol substitution (auto, force, off)")
	return cmd
}

func newQuestionsCmd(opts *rootOptions) *cobra.Command {
	var expected int
	var raw bool
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "Extract structured questions from text on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateFormat(); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			text, err := readAll(cmd)
			if err != nil {
				return err
			}
			if !raw {
				c := correction.NewCorrector()
				c.Math = correction.ParseMathMode(cfg.MathMode)
				text = c.Correct(text)
			}

			res := questions.NewExtractor(cfg.DedupeThreshold).Extract(text, questions.Hints{ExpectedQuestionCount: expected})
			out := cmd.OutOrStdout()
			if opts.outputFormat == "json" {
				return writeJSON(out, res)
			}
			fmt.Fprintf(out, "%d questions (strategy %s)\n", len(res.Questions), res.Strategy)
			writeQuestions(out, res.Questions)
			writeExtractionErrors(out, res.Errors)
			return nil
		},
	}
	cmd.Flags().IntVar(&expected, "expected", 0, "Expected question count")
	cmd.Flags().BoolVar(&raw, "raw", false, "Skip text correction")
	return cmd
}
