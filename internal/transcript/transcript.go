package transcript

import (
	"fmt"
	"iter"
	"math"
	"strings"
)

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Source yields segments in chronological order. A non-nil error ends the
// sequence.
type Source = iter.Seq2[Segment, error]

type CollectOptions struct {
	// TrailingSpace appends one space after every segment text, including
	// the last one.
	TrailingSpace bool
}

func Empty() Transcript {
	return Transcript{Segments: []Segment{}}
}

// Collect drains src in order. Segment text is kept exactly as produced.
func Collect(src Source, opts CollectOptions) (Transcript, error) {
	result := Empty()
	if src == nil {
		return result, nil
	}

	var text strings.Builder
	for segment, err := range src {
		if err != nil {
			return Transcript{}, err
		}

		if opts.TrailingSpace {
			text.WriteString(segment.Text)
			text.WriteByte(' ')
		} else {
			if len(result.Segments) > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(segment.Text)
		}

		result.Segments = append(result.Segments, segment)
	}

	result.Text = text.String()
	return result, nil
}

// FromSlice adapts a fixed list of segments to a Source.
func FromSlice(segments []Segment) Source {
	return func(yield func(Segment, error) bool) {
		for _, segment := range segments {
			if !yield(segment, nil) {
				return
			}
		}
	}
}

// Validate reports segments whose bounds are not finite or are inverted. It
// never modifies the transcript.
func (t Transcript) Validate() error {
	var problems []string
	for i, s := range t.Segments {
		switch {
		case math.IsNaN(s.Start) || math.IsNaN(s.End) || math.IsInf(s.Start, 0) || math.IsInf(s.End, 0):
			problems = append(problems, fmt.Sprintf("segment %d has non-finite bounds", i))
		case s.Start > s.End:
			problems = append(problems, fmt.Sprintf("segment %d starts after it ends (%.3f > %.3f)", i, s.Start, s.End))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("transcript has %d invalid segment(s): %s", len(problems), strings.Join(problems, "; "))
}

// Duration is the end of the last segment, or zero for an empty transcript.
func (t Transcript) Duration() float64 {
	if len(t.Segments) == 0 {
		return 0
	}
	return t.Segments[len(t.Segments)-1].End
}
