package correction

import (
	"strings"
	"testing"
)

func TestCorrect(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"clean mcq untouched", "1. What is 2+2?\na) 3\nb) 4\nc) 5\nd) 6", "1. What is 2+2?\na) 3\nb) 4\nc) 5\nd) 6"},
		{"q label spacing", "Q 1 .The capital of Nepal is ______.", "Q1. The capital of Nepal is ______."},
		{"typography", "\u201cHello\u201d  world \u2014  test\u2026", "\"Hello\" world - test..."},
		{"noise lines", "Page 3 of 10\nName: ________\n2. Define osmosis.", "2. Define osmosis."},
		{"word internal confusions", "he|lo wor1d", "hello world"},
		{"numerals at word start kept", "10 apples and 5 pears", "10 apples and 5 pears"},
		{"parenthesised options", "(a) Paris\n(b)Rome", "a) Paris\nb) Rome"},
		{"math symbols", "Solve: x <= 5 and 2 x 3 != 7", "Solve: x ≤ 5 and 2 × 3 ≠ 7"},
		{"prose without math", "Price 2 x 3 rooms", "Price 2 x 3 rooms"},
		{"space before question mark", "What is 2+2 ?", "What is 2+2?"},
		{"numbered label spacing", "1.What is mass?", "1. What is mass?"},
		{"inline options", "Pick one a) 3 b)4", "Pick one a) 3 b) 4"},
		{"line endings", "Line1\r\n\r\n\r\n\r\nLine2", "Line1\n\nLine2"},
		{"minus sign kept", "Evaluate 5 \u2212 3", "Evaluate 5 \u2212 3"},
		{"question with label survives noise filter", "Name: which gas is inert?", "Name: which gas is inert?"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Correct(tc.in); got != tc.want {
				t.Errorf("Correct(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCorrectForcedAndDisabledMath(t *testing.T) {
	forced := &Corrector{Math: MathForce}
	if got := forced.Correct("Price 2 x 3 rooms"); got != "Price 2 × 3 rooms" {
		t.Errorf("forced math = %q", got)
	}
	off := &Corrector{Math: MathOff}
	if got := off.Correct("Solve x <= 5"); got != "Solve x <= 5" {
		t.Errorf("math off = %q", got)
	}
}

func TestCorrectIsIdempotent(t *testing.T) {
	samples := []string{
		"1. What is 2+2?\na) 3\nb) 4\nc) 5\nd) 6",
		"Q1. The capital of Nepal is ______.",
		"Q 12 ) Which  of the fo11owing is a prime ?\n(A) 4\n(B)6\nC.7\nD) 9\nPage 1 of 2",
		"Solve the equation 2 x 3 x 4 = y and y >= 20 +- 1",
		"  \t Explain   photosynthesis\u2026 \u2018briefly\u2019 \r\n- 3 -\n",
		"a)x b)y c)z",
		"Roll No: 42\nSignature:\n3. Fill in: water boils at ...... degrees",
		"sqrt(16) = 4, sin 30 = 0.5",
		"",
	}
	for _, s := range samples {
		once := Correct(s)
		twice := Correct(once)
		if once != twice {
			t.Errorf("not idempotent for %q:\nonce:  %q\ntwice: %q", s, once, twice)
		}
	}
}

func TestCorrectPreservesQuestionMarksAndOptionMarkers(t *testing.T) {
	in := "Page 2\n1. Which is largest?\na) 1\nb) 2\nDate: today?\nc) 3"
	out := Correct(in)
	if strings.Count(out, "?") != strings.Count(in, "?") {
		t.Errorf("question marks changed: %q", out)
	}
	for _, marker := range []string{"a)", "b)", "c)"} {
		if !strings.Contains(out, marker) {
			t.Errorf("option marker %s removed: %q", marker, out)
		}
	}
	if strings.Contains(out, "Page 2") {
		t.Errorf("page footer not removed: %q", out)
	}
}

func TestHasMathIndicators(t *testing.T) {
	cases := map[string]bool{
		"Simplify the expression": true,
		"x >= 3":                  true,
		"12 / 4":                  true,
		"What is the capital?":    false,
	}
	for in, want := range cases {
		if got := HasMathIndicators(in); got != want {
			t.Errorf("HasMathIndicators(%q) = %v, want %v", in, got, want)
		}
	}
}
