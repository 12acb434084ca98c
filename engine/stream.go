package engine

import "strings"

const (
	stateThinking = iota
	stateAnswer
	stateDone
)

// markerHoldback is how many trailing bytes stay buffered while streaming,
// so a phase marker split across two chunks is never half-emitted.
const markerHoldback = len(actionInputMarker) + 2

// streamDetector classifies model output as it streams. Text before the
// first action marker is thinking content. Once an action marker naming
// the terminal tool appears, everything between its input marker and the
// next phase marker is the final answer; output beyond that span is
// discarded.
type streamDetector struct {
	text string

	state           int
	answerStart     int
	thoughtReleased int
	answerReleased  int
	thoughtPrefix   bool // leading Thought: marker already stripped
}

func newStreamDetector() *streamDetector {
	return &streamDetector{}
}

// feed adds a streamed chunk and returns any newly classified thinking and
// answer content.
func (d *streamDetector) feed(delta string) (thought, answer string) {
	d.text += delta
	return d.scan(false)
}

// flush releases everything still buffered at end of stream.
func (d *streamDetector) flush() (thought, answer string) {
	return d.scan(true)
}

// answered reports whether a finish action was detected.
func (d *streamDetector) answered() bool {
	return d.state != stateThinking
}

// full returns the complete accumulated output.
func (d *streamDetector) full() string {
	return d.text
}

func (d *streamDetector) scan(final bool) (thought, answer string) {
	if d.state == stateThinking {
		if idx := indexOfFinish(d.text); idx >= 0 {
			rest := d.text[idx:]
			if ip := strings.Index(rest, actionInputMarker); ip >= 0 {
				// Thinking stops at the first action marker of any kind.
				if aidx := strings.Index(d.text, actionMarker); aidx >= 0 {
					thought = d.releaseThought(aidx)
				}
				d.answerStart = idx + ip + len(actionInputMarker)
				d.answerStart += leadingSpace(d.text[d.answerStart:])
				d.answerReleased = d.answerStart
				d.state = stateAnswer
			} else if !final {
				// Finish marker seen but its input has not arrived yet.
				limit := idx
				if aidx := strings.Index(d.text, actionMarker); aidx >= 0 && aidx < limit {
					limit = aidx
				}
				return d.releaseThought(limit), ""
			} else {
				return d.releaseThought(len(d.text)), ""
			}
		} else {
			limit := len(d.text)
			if !final {
				limit -= markerHoldback
			}
			if aidx := strings.Index(d.text, actionMarker); aidx >= 0 && aidx < limit {
				limit = aidx
			}
			return d.releaseThought(limit), ""
		}
	}

	if d.state == stateAnswer {
		span := d.text[d.answerStart:]
		if end := nextMarker(span); end >= 0 {
			answer = d.releaseAnswer(d.answerStart + end)
			d.state = stateDone
			return thought, strings.TrimRight(answer, " \t\n")
		}
		limit := len(d.text)
		if !final {
			limit -= markerHoldback
		}
		answer = d.releaseAnswer(limit)
		if final {
			answer = strings.TrimRight(answer, " \t\n")
		}
	}
	return thought, answer
}

func (d *streamDetector) releaseThought(limit int) string {
	if !d.thoughtPrefix {
		// Strip a leading Thought: marker before the first release. While
		// the buffered text is still a strict prefix of the marker nothing
		// is released.
		offset := leadingSpace(d.text)
		rest := d.text[offset:]
		if len(rest) < len(thoughtMarker) && strings.HasPrefix(thoughtMarker, rest) {
			return ""
		}
		if strings.HasPrefix(rest, thoughtMarker) {
			offset += len(thoughtMarker)
			offset += len(d.text[offset:]) - len(strings.TrimLeft(d.text[offset:], " "))
		}
		if d.thoughtReleased < offset {
			d.thoughtReleased = offset
		}
		d.thoughtPrefix = true
	}

	if limit <= d.thoughtReleased {
		return ""
	}
	out := d.text[d.thoughtReleased:limit]
	d.thoughtReleased = limit
	return out
}

func (d *streamDetector) releaseAnswer(limit int) string {
	if limit <= d.answerReleased {
		return ""
	}
	out := d.text[d.answerReleased:limit]
	d.answerReleased = limit
	return out
}

func nextMarker(text string) int {
	end := -1
	for _, marker := range []string{thoughtMarker, actionMarker, observationMarker} {
		if idx := strings.Index(text, marker); idx >= 0 && (end < 0 || idx < end) {
			end = idx
		}
	}
	return end
}

func leadingSpace(s string) int {
	return len(s) - len(strings.TrimLeft(s, " \n"))
}
