package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

type rootOptions struct {
	configFile   string
	outputFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "qextract",
		Short: "Extract structured exam questions from page images",
		Long: `qextract runs the question extraction pipeline locally.

Examples:
  # Extract questions from two pages
  qextract extract page1.jpg page2.png --subject physics

  # Correct raw OCR text
  tesseract page.png - | qextract correct --math force

  # Structure already-corrected text
  qextract questions --expected 10 < paper.txt

  # Check scans before queueing them
  qextract quality scans/*.png
`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", os.Getenv("CONFIG_FILE"), "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.outputFormat, "format", "text", "Output format (text, json)")

	root.AddCommand(newExtractCmd(opts))
	root.AddCommand(newCorrectCmd())
	root.AddCommand(newQuestionsCmd(opts))
	root.AddCommand(newQualityCmd(opts))
	return root
}

func (o *rootOptions) validateFormat() error {
	switch o.outputFormat {
	case "text", "json":
		return nil
	}
	return fmt.Errorf("unknown output format %q (text, json)", o.outputFormat)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeQuestions prints questions in a readable layout
func writeQuestions(w io.Writer, questions []model.Question) {
	for _, q := range questions {
		fmt.Fprintf(w, "%d. [%s %.2f] %s\n", q.ID, q.Type, q.Confidence, q.Text)
		for _, o := range q.Options {
			fmt.Fprintf(w, "   %s) %s\n", o.Label, o.Text)
		}
		for _, b := range q.Blanks {
			fmt.Fprintf(w, "   blank at %d (%d chars)\n", b.Position, b.Length)
		}
	}
}

func writeExtractionErrors(w io.Writer, errs []model.ExtractionError) {
	for _, e := range errs {
		fmt.Fprintf(w, "   ! block %d dropped: %s\n", e.BlockIndex, e.Reason)
	}
}

func readAll(cmd *cobra.Command) (string, error) {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}
