package scrub

import (
	"strings"
	"testing"
)

// collect feeds the whole input as one delta and returns output + flush.
func collect(f *Filter, chunks []string) string {
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(f.Feed(c))
	}
	out.WriteString(f.Flush())
	return out.String()
}

func TestMarkerStripping(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		want  string
	}{
		{"no markers", "hello world", "hello world"},
		{"single span", "before <thinking>secret</thinking>after", "before after"},
		{"span at start", "<thinking>secret</thinking>visible", "visible"},
		{"span at end", "visible<thinking>secret</thinking>", "visible"},
		{"two spans", "a<thinking>x</thinking>b<thinking>y</thinking>c", "abc"},
		{"unterminated span stays hidden", "shown<thinking>never closed", "shown"},
		{"only hidden", "<thinking>all of it</thinking>", ""},
		{"empty span", "a<thinking></thinking>b", "ab"},
		{"angle brackets that are not markers", "x < y and y > z", "x < y and y > z"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewWithMarkers(DefaultOpenMarker, DefaultCloseMarker, nil)
			got := collect(f, []string{tc.in})
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

// TestChunkBoundaryInvariance re-splits a fixed input at every possible
// boundary and asserts identical filtered output regardless of chunking.
func TestChunkBoundaryInvariance(t *testing.T) {
	inputs := []string{
		"plain text with no hidden content at all",
		"pre <thinking>hidden reasoning here</thinking> post",
		"<thinking>a</thinking>b<thinking>c</thinking>d",
		"text ending in partial <think",
		"edge<thinking>unclosed to the very end",
		"<thinking></thinking><thinking></thinking>ok",
	}

	for _, input := range inputs {
		ref := collect(NewWithMarkers(DefaultOpenMarker, DefaultCloseMarker, nil), []string{input})

		for split := 0; split <= len(input); split++ {
			f := NewWithMarkers(DefaultOpenMarker, DefaultCloseMarker, nil)
			got := collect(f, []string{input[:split], input[split:]})
			if got != ref {
				t.Fatalf("input %q split at %d: got %q, want %q", input, split, got, ref)
			}
		}
	}
}

// TestMarkerSplitAcrossThreeDeltas drives a marker through byte-sized deltas.
func TestMarkerSplitAcrossThreeDeltas(t *testing.T) {
	input := "keep<thinking>drop all of this</thinking>this too"
	want := "keepthis too"

	f := NewWithMarkers(DefaultOpenMarker, DefaultCloseMarker, nil)
	var out strings.Builder
	for i := 0; i < len(input); i++ {
		out.WriteString(f.Feed(input[i : i+1]))
	}
	out.WriteString(f.Flush())

	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestHiddenContentNeverLeaks(t *testing.T) {
	input := "public<thinking>THE SECRET</thinking>more public"

	// Every possible two-way split
	for split := 0; split <= len(input); split++ {
		f := NewWithMarkers(DefaultOpenMarker, DefaultCloseMarker, nil)
		got := collect(f, []string{input[:split], input[split:]})
		if strings.Contains(got, "SECRET") {
			t.Fatalf("split at %d leaked hidden content: %q", split, got)
		}
	}
}

func TestLeadInHeuristic(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"lead-in line dropped",
			"Let me think about this.\nThe answer is 42.\n",
			"The answer is 42.\n",
		},
		{
			"multiple lead-ins dropped",
			"Okay, so I should start.\nFirst, some planning.\nParis is the capital.\n",
			"Paris is the capital.\n",
		},
		{
			"normal first line kept",
			"The capital of France is Paris.\nIt is on the Seine.\n",
			"The capital of France is Paris.\nIt is on the Seine.\n",
		},
		{
			"mid-stream lead-in phrasing kept",
			"Sure.\nLet me know if that helps.\n",
			"Sure.\nLet me know if that helps.\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := collect(New(), []string{tc.in})
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

// The lead-in pass must be chunking-independent too: the same text arriving
// byte by byte makes the same decisions.
func TestLeadInChunkInvariance(t *testing.T) {
	input := "Let me work through this.\n<thinking>scratch</thinking>Done: the result is 7.\nBye.\n"
	ref := collect(New(), []string{input})

	for split := 0; split <= len(input); split++ {
		got := collect(New(), []string{input[:split], input[split:]})
		if got != ref {
			t.Fatalf("split at %d: got %q, want %q", split, got, ref)
		}
	}
}

func TestLeadProbeBudget(t *testing.T) {
	// A long first line without a newline must not be held back forever.
	long := strings.Repeat("x", maxLeadProbe+50)

	f := New()
	out := f.Feed(long)
	if out == "" {
		t.Fatal("long unterminated first line was held back past the probe budget")
	}
	if out+f.Flush() != long {
		t.Errorf("long line mangled: got %q", out)
	}
}

func TestFlushReleasesPartialMarkerPrefix(t *testing.T) {
	// "<think" could be an opening marker prefix; at stream end it is text.
	f := NewWithMarkers(DefaultOpenMarker, DefaultCloseMarker, nil)
	out := f.Feed("value is a<think")
	out += f.Flush()
	if out != "value is a<think" {
		t.Errorf("got %q, want %q", out, "value is a<think")
	}
}
