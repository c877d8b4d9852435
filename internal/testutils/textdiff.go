// Package testutils holds assertion helpers and a simulated-central suite
// shared by the package tests.
package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters report through.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
}

// TextOptions controls how command and script output is normalized before
// comparison.
type TextOptions struct {
	TrimSpace         bool `default:"true"`
	TrimTrailingSpace bool `default:"true"`
	IgnoreEmptyLines  bool `default:"false"`
	ExpandTabs        bool `default:"false"`
	Colors            bool `default:"false"`
	ContextLines      int  `default:"3"`
}

type TextOption func(*TextOptions)

func IgnoreEmptyLines() TextOption { return func(o *TextOptions) { o.IgnoreEmptyLines = true } }

// ExpandTabs compares tab-separated output as single spaces.
func ExpandTabs() TextOption { return func(o *TextOptions) { o.ExpandTabs = true } }

func Exact() TextOption {
	return func(o *TextOptions) {
		o.TrimSpace = false
		o.TrimTrailingSpace = false
	}
}

func WithColors() TextOption { return func(o *TextOptions) { o.Colors = true } }

// NewTextOptions returns the defaults with opts applied.
func NewTextOptions(opts ...TextOption) TextOptions {
	o := TextOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AssertText fails t with a unified diff when actual differs from expected.
func AssertText(t TestingT, actual, expected string, opts ...TextOption) bool {
	t.Helper()
	if diff := TextDiff(actual, expected, opts...); diff != "" {
		t.Errorf("output mismatch (-expected +actual):\n%s", diff)
		return false
	}
	return true
}

// TextDiff returns "" when the normalized texts match, a unified diff
// otherwise.
func TextDiff(actual, expected string, opts ...TextOption) string {
	o := NewTextOptions(opts...)
	want := o.normalize(expected)
	got := o.normalize(actual)
	if want == got {
		return ""
	}

	edits := myers.ComputeEdits("", want, got)
	unified := gotextdiff.ToUnified("expected", "actual", want, edits)
	unified.Hunks = trimContext(unified.Hunks, o.ContextLines)
	text := fmt.Sprint(unified)
	if o.Colors {
		text = colorize(text)
	}
	return text
}

func (o TextOptions) normalize(s string) string {
	if o.TrimSpace {
		s = strings.TrimSpace(s)
	}
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if o.ExpandTabs {
			line = strings.ReplaceAll(line, "\t", " ")
		}
		if o.TrimTrailingSpace {
			line = strings.TrimRight(line, " \t\r")
		}
		if o.IgnoreEmptyLines && line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}

// trimContext drops equal lines beyond n at the edges of each hunk.
func trimContext(hunks []*gotextdiff.Hunk, n int) []*gotextdiff.Hunk {
	if n < 0 {
		return hunks
	}
	for _, h := range hunks {
		lead := 0
		for lead < len(h.Lines) && h.Lines[lead].Kind == gotextdiff.Equal {
			lead++
		}
		if lead > n {
			drop := lead - n
			h.Lines = h.Lines[drop:]
			h.FromLine += drop
			h.ToLine += drop
		}
		tail := 0
		for tail < len(h.Lines) && h.Lines[len(h.Lines)-1-tail].Kind == gotextdiff.Equal {
			tail++
		}
		if tail > n {
			h.Lines = h.Lines[:len(h.Lines)-(tail-n)]
		}
	}
	return hunks
}

func colorize(diff string) string {
	del := color.New(color.FgRed)
	add := color.New(color.FgGreen)
	hdr := color.New(color.FgCyan)
	for _, c := range []*color.Color{del, add, hdr} {
		c.EnableColor()
	}

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = hdr.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = del.Sprint(visibleTabs(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = add.Sprint(visibleTabs(line))
		}
	}
	return strings.Join(lines, "\n")
}

func visibleTabs(line string) string {
	return strings.ReplaceAll(line, "\t", "→")
}
