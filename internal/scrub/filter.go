// Package scrub removes hidden reasoning content from streamed model output.
//
// Providers that inline deliberation in their text stream wrap it in
// delimiter markers. The filter strips those spans safely across chunk
// boundaries: a marker split over two or three deltas is still caught, and
// hidden content never reaches the caller no matter how the upstream chunks
// its output.
package scrub

import (
	"regexp"
	"strings"
)

// Default markers delimiting a hidden reasoning span.
const (
	DefaultOpenMarker  = "<thinking>"
	DefaultCloseMarker = "</thinking>"
)

// maxLeadProbe bounds how many bytes of an unterminated first line the
// lead-in heuristic may hold back before concluding it is real content.
const maxLeadProbe = 200

// LineHeuristic reports whether a leading output line looks like spilled
// reasoning ("let me think...", "first, I'll...") and should be dropped.
// Swappable so false-positive rates can be tuned without touching the filter.
type LineHeuristic func(line string) bool

var leadInPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*let me\b`),
	regexp.MustCompile(`(?i)^\s*first,\s`),
	regexp.MustCompile(`(?i)^\s*here'?s my plan\b`),
	regexp.MustCompile(`(?i)^\s*okay, so\b`),
	regexp.MustCompile(`(?i)^\s*i need to think\b`),
	regexp.MustCompile(`(?i)^\s*thinking (through|about) this\b`),
}

// DefaultLineHeuristic matches the stock set of lead-in patterns.
// Best-effort and lossy; treated as polish, not a correctness guarantee.
func DefaultLineHeuristic(line string) bool {
	for _, re := range leadInPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Filter is a stateful transformer scoped to one stream. Feed raw deltas in,
// get the user-visible subset out. Not safe for concurrent use.
type Filter struct {
	open  string
	close string

	buf    string // unprocessed input (possible partial marker)
	hidden bool   // inside a hidden span

	heuristic LineHeuristic
	leadDone  bool   // lead-in phase finished, pass text straight through
	lineBuf   string // held-back partial leading line
}

// New creates a filter with the default markers and lead-in heuristic.
func New() *Filter {
	return NewWithMarkers(DefaultOpenMarker, DefaultCloseMarker, DefaultLineHeuristic)
}

// NewWithMarkers creates a filter with explicit markers. A nil heuristic
// disables the lead-in pass.
func NewWithMarkers(open, close string, heuristic LineHeuristic) *Filter {
	f := &Filter{open: open, close: close, heuristic: heuristic}
	if heuristic == nil {
		f.leadDone = true
	}
	return f
}

// Feed consumes one raw delta and returns the visible output it unlocked.
// Output may be empty while the filter is inside a hidden span or holding
// back a possible partial marker.
func (f *Filter) Feed(delta string) string {
	return f.leadPass(f.markerPass(delta))
}

// Flush returns any text still held back at stream end. Held bytes that
// looked like a marker prefix turn out to be ordinary text; an unterminated
// hidden span stays hidden.
func (f *Filter) Flush() string {
	var tail string
	if !f.hidden {
		tail = f.buf
	}
	f.buf = ""

	out := f.leadPass(tail)

	// The last line never got its newline; judge it as-is.
	if !f.leadDone && f.lineBuf != "" {
		if !f.heuristic(f.lineBuf) {
			out += f.lineBuf
		}
		f.lineBuf = ""
	}
	return out
}

// markerPass strips delimited hidden spans, retaining a tail that could be
// the prefix of a marker split across deltas.
func (f *Filter) markerPass(delta string) string {
	f.buf += delta
	var out strings.Builder

	for {
		if f.hidden {
			idx := strings.Index(f.buf, f.close)
			if idx < 0 {
				// Still hidden: discard all but a possible partial close marker
				keep := partialSuffix(f.buf, f.close)
				f.buf = f.buf[len(f.buf)-keep:]
				return out.String()
			}
			f.buf = f.buf[idx+len(f.close):]
			f.hidden = false
			continue
		}

		idx := strings.Index(f.buf, f.open)
		if idx < 0 {
			// Emit everything except a possible partial open marker
			keep := partialSuffix(f.buf, f.open)
			out.WriteString(f.buf[:len(f.buf)-keep])
			f.buf = f.buf[len(f.buf)-keep:]
			return out.String()
		}
		out.WriteString(f.buf[:idx])
		f.buf = f.buf[idx+len(f.open):]
		f.hidden = true
	}
}

// leadPass drops leading lines matching the heuristic. Once a line survives,
// or the probe budget is exceeded, all further text passes through untouched.
func (f *Filter) leadPass(text string) string {
	if f.leadDone {
		return text
	}
	if text == "" {
		return ""
	}

	f.lineBuf += text
	var out strings.Builder

	for !f.leadDone {
		nl := strings.IndexByte(f.lineBuf, '\n')
		if nl < 0 {
			if len(f.lineBuf) > maxLeadProbe {
				// Too long for a lead-in line; stop probing
				f.leadDone = true
				out.WriteString(f.lineBuf)
				f.lineBuf = ""
			}
			break
		}

		line := f.lineBuf[:nl+1]
		f.lineBuf = f.lineBuf[nl+1:]

		if strings.TrimSpace(line) == "" || f.heuristic(line) {
			continue // drop blank and lead-in lines before real content
		}

		f.leadDone = true
		out.WriteString(line)
		out.WriteString(f.lineBuf)
		f.lineBuf = ""
	}

	return out.String()
}

// partialSuffix returns the length of the longest proper prefix of marker
// that is a suffix of s.
func partialSuffix(s, marker string) int {
	maxLen := len(marker) - 1
	if maxLen > len(s) {
		maxLen = len(s)
	}
	for k := maxLen; k > 0; k-- {
		if strings.HasSuffix(s, marker[:k]) {
			return k
		}
	}
	return 0
}
