package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adverant/nexus/questionprocess-worker/internal/questions"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCorrectCommand(t *testing.T) {
	out, err := run(t, "x <= 5\r\n", "correct", "--math", "force")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if !strings.Contains(out, "≤") {
		t.Errorf("output = %q", out)
	}
}

func TestQuestionsCommandJSON(t *testing.T) {
	out, err := run(t, "1. What is 2+2?\na) 3\nb) 4\nc) 5\n2. Explain gravity.", "questions", "--format", "json", "--config", "")
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	var res questions.Extraction
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(res.Questions) != 2 {
		t.Errorf("got %d questions", len(res.Questions))
	}
}

func TestQuestionsCommandText(t *testing.T) {
	out, err := run(t, "Q1. The capital of Nepal is ______.", "questions", "--config", "")
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if !strings.Contains(out, "1 questions") || !strings.Contains(out, "[FIB") {
		t.Errorf("output = %q", out)
	}
}

func TestRejectsUnknownFormat(t *testing.T) {
	if _, err := run(t, "", "questions", "--format", "xml", "--config", ""); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestExtractRequiresImage(t *testing.T) {
	if _, err := run(t, "", "extract"); err == nil {
		t.Fatal("expected error without image arguments")
	}
}

func writePage(t *testing.T, dir, name string, striped bool) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 600, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 600; x++ {
			v := uint8(240)
			if striped && y%24 < 6 && (x/5)%3 != 0 {
				v = 15
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestQualityCommandJSON(t *testing.T) {
	dir := t.TempDir()
	page := writePage(t, dir, "page.png", true)
	blank := writePage(t, dir, "blank.png", false)

	out, err := run(t, "", "quality", "--format", "json", page, blank)
	if err != nil {
		t.Fatalf("quality: %v", err)
	}
	var reports []qualityReport
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(reports) != 2 || reports[0].Format != "png" {
		t.Fatalf("reports = %+v", reports)
	}
	if reports[0].QualityScore <= reports[1].QualityScore {
		t.Errorf("printed page scored %.1f, blank page %.1f", reports[0].QualityScore, reports[1].QualityScore)
	}
	for _, r := range reports {
		if r.QualityScore < 0 || r.QualityScore > 100 {
			t.Errorf("%s score %.1f outside [0,100]", r.Image, r.QualityScore)
		}
	}
}

func TestQualityCommandRejectsNonImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not an image"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "", "quality", path); err == nil || !strings.Contains(err.Error(), "INVALID_IMAGE") {
		t.Fatalf("err = %v, want INVALID_IMAGE", err)
	}
}
