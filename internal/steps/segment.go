// Package steps splits instructional text into units suitable for spoken,
// turn-taking delivery.
package steps

import (
	"fmt"
	"regexp"
	"strings"
)

// StepUnit is one instruction with its 1-based position.
type StepUnit struct {
	Index int    `json:"index"`
	Total int    `json:"total"`
	Text  string `json:"text"`
}

// marker matches "<digits>.<whitespace>"; content runs to the next marker.
var marker = regexp.MustCompile(`\d+\.\s+`)

const confirmSuffix = "Tell me when you are done, and I will continue to the next step."

// Segment splits text on numbered-list markers. Text without any marker
// (including empty text) yields a single unit holding the trimmed text.
func Segment(text string) []StepUnit {
	units, _ := scan(text)
	return units
}

// Speakable renders text for the voice engine: every step is followed by a
// request to confirm completion. Text without markers is returned unchanged.
func Speakable(text string) string {
	units, numbered := scan(text)
	if !numbered {
		return text
	}
	lines := make([]string, 0, len(units))
	for _, u := range units {
		step := strings.TrimRight(u.Text, ".")
		lines = append(lines, fmt.Sprintf("Step %d: %s. %s", u.Index, step, confirmSuffix))
	}
	return strings.Join(lines, " ")
}

func scan(text string) ([]StepUnit, bool) {
	locs := marker.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []StepUnit{{Index: 1, Total: 1, Text: strings.TrimSpace(text)}}, false
	}
	units := make([]StepUnit, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		units[i] = StepUnit{
			Index: i + 1,
			Total: len(locs),
			Text:  strings.TrimSpace(text[loc[1]:end]),
		}
	}
	return units, true
}
