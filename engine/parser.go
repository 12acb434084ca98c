package engine

import (
	"strings"

	"github.com/changqingla/ireader/types"
)

const (
	thoughtMarker     = "Thought:"
	actionMarker      = "Action:"
	actionInputMarker = "Action Input:"
	observationMarker = "Observation:"

	// FinishAction is the terminal action name. Its input is the final
	// answer.
	FinishAction = "finish"
)

// ParsedAction is the outcome of parsing one model iteration.
type ParsedAction struct {
	Thought string
	Action  string
	Input   string
}

// IsFinish reports whether the action terminates the loop.
func (a *ParsedAction) IsFinish() bool {
	return strings.EqualFold(a.Action, FinishAction)
}

// ParseAction extracts thought, action and input from a completed model
// output using the phase markers. A missing action or an empty input is a
// recoverable parse failure.
func ParseAction(output string) (*ParsedAction, error) {
	parsed := &ParsedAction{
		Thought: sectionAfter(output, thoughtMarker),
	}

	actionStart := strings.Index(output, actionMarker)
	if actionStart < 0 {
		return parsed, types.NewError(types.ErrParseFailure, "no action marker in model output")
	}
	rest := output[actionStart+len(actionMarker):]

	inputStart := strings.Index(rest, actionInputMarker)
	if inputStart < 0 {
		parsed.Action = firstLine(rest)
		return parsed, types.NewError(types.ErrParseFailure, "action has no input section")
	}

	parsed.Action = strings.TrimSpace(rest[:inputStart])
	parsed.Input = sectionBody(rest[inputStart+len(actionInputMarker):])

	if parsed.Action == "" {
		return parsed, types.NewError(types.ErrParseFailure, "empty action name")
	}
	if parsed.Input == "" {
		return parsed, types.NewError(types.ErrParseFailure, "action "+parsed.Action+" has empty input")
	}
	return parsed, nil
}

// ExtractFinalAnswer finds the first finish action in the output and
// returns the text between its input marker and the next phase marker.
// Everything after that span is discarded, so a second hallucinated
// finish cannot corrupt the answer.
func ExtractFinalAnswer(output string) (string, bool) {
	idx := indexOfFinish(output)
	if idx < 0 {
		return "", false
	}
	rest := output[idx:]

	inputStart := strings.Index(rest, actionInputMarker)
	if inputStart < 0 {
		return "", false
	}
	return sectionBody(rest[inputStart+len(actionInputMarker):]), true
}

// indexOfFinish locates the first action marker naming the terminal tool.
func indexOfFinish(text string) int {
	offset := 0
	for {
		idx := strings.Index(text[offset:], actionMarker)
		if idx < 0 {
			return -1
		}
		idx += offset
		name := firstLine(text[idx+len(actionMarker):])
		if strings.EqualFold(name, FinishAction) {
			return idx
		}
		offset = idx + len(actionMarker)
	}
}

// sectionAfter returns the text between the first occurrence of a marker
// and the next phase marker.
func sectionAfter(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx < 0 {
		return ""
	}
	return sectionBody(text[idx+len(marker):])
}

// sectionBody trims a section at the next phase marker.
func sectionBody(text string) string {
	end := len(text)
	for _, marker := range []string{thoughtMarker, actionMarker, observationMarker} {
		if idx := strings.Index(text, marker); idx >= 0 && idx < end {
			end = idx
		}
	}
	return strings.TrimSpace(text[:end])
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
