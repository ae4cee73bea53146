package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/questionprocess-worker/internal/enhance"
)

type qualityReport struct {
	Image        string  `json:"image"`
	Format       string  `json:"format"`
	QualityScore float64 `json:"qualityScore"`
	LowQuality   bool    `json:"lowQuality"`
}

func newQualityCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "quality <image>...",
		Short: "Score page images for OCR suitability without recognizing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateFormat(); err != nil {
				return err
			}
			reports := make([]qualityReport, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				score, err := enhance.AssessQuality(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				reports = append(reports, qualityReport{
					Image:        path,
					Format:       enhance.DetectFormat(data),
					QualityScore: score,
					LowQuality:   score < enhance.LowQualityThreshold,
				})
			}

			out := cmd.OutOrStdout()
			if opts.outputFormat == "json" {
				return writeJSON(out, reports)
			}
			for _, r := range reports {
				flag := ""
				if r.LowQuality {
					flag = " (low quality)"
				}
				fmt.Fprintf(out, "%s: %s, quality %.1f%s\n", r.Image, r.Format, r.QualityScore, flag)
			}
			return nil
		},
	}
}
