// Package formatter renders an engine.RawResult into the client-requested
// output format. Both functions are pure and total over well-formed raw
// results; see DESIGN.md for why this package stays on the standard
// library rather than adopting a third-party template or SRT library.
package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/sprintscribe/transcribe-sprint/internal/engine"
)

// DefaultMergeGap is the merge gap ToJSON falls back to when the caller
// has no configured value of its own (tests, mostly); the server always
// passes cfg.MergeGap() instead.
const DefaultMergeGap = 3 * time.Second

// Segment is one merged, speaker-labeled utterance in the JSON format.
type Segment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// Summary aggregates the segment list.
type Summary struct {
	TotalSpeakers int    `json:"total_speakers"`
	TotalSegments int    `json:"total_segments"`
	FullText      string `json:"full_text"`
}

// JSONResult is the full JSON-merged output document.
type JSONResult struct {
	TaskID         string   `json:"task_id"`
	FileName       string   `json:"file_name"`
	FileHash       string   `json:"file_hash"`
	Duration       float64  `json:"duration"`
	ProcessingTime float64  `json:"processing_time"`
	Speakers       []string `json:"speakers"`
	Segments       []Segment `json:"segments"`
	Summary        Summary  `json:"transcription_summary"`
}

// roundMS converts milliseconds to seconds rounded to 0.001s.
func roundMS(ms int64) float64 {
	return float64(ms) / 1000.0
	// Millisecond inputs are already integral, so dividing by 1000
	// naturally lands on a multiple of 0.001 without further rounding.
}

// speakerLabels assigns "SpeakerN" labels to raw speaker IDs in order of
// first appearance across sentences.
func speakerLabels(sentences []engine.Sentence) map[int]string {
	labels := make(map[int]string)
	next := 1
	for _, s := range sentences {
		if _, ok := labels[s.SpeakerID]; !ok {
			labels[s.SpeakerID] = fmt.Sprintf("Speaker%d", next)
			next++
		}
	}
	return labels
}

// stripTrailingPunctuation removes sentence-final punctuation from a
// non-terminal segment of a merge, per spec's merge rule (d).
func stripTrailingPunctuation(s string) string {
	return strings.TrimRight(s, ".!?,;: ")
}

// ToJSON merges adjacent same-speaker sentences separated by less than
// mergeGap and renders the result into the JSON-merged format.
func ToJSON(raw engine.RawResult, taskID, fileName, fileHash string, mergeGap time.Duration) JSONResult {
	if mergeGap <= 0 {
		mergeGap = DefaultMergeGap
	}
	labels := speakerLabels(raw.Sentences)

	var segments []Segment
	for _, s := range raw.Sentences {
		label := labels[s.SpeakerID]
		if len(segments) > 0 {
			last := &segments[len(segments)-1]
			gapMS := s.StartMS - int64(last.End*1000)
			sameSpeaker := last.Speaker == label
			if sameSpeaker && gapMS >= 0 && time.Duration(gapMS)*time.Millisecond < mergeGap {
				last.Text = stripTrailingPunctuation(last.Text) + " " + s.Text
				if s.EndMS > int64(last.End*1000) {
					last.End = roundMS(s.EndMS)
				}
				continue
			}
		}
		segments = append(segments, Segment{
			Speaker: label,
			Start:   roundMS(s.StartMS),
			End:     roundMS(s.EndMS),
			Text:    s.Text,
		})
	}

	speakerSet := make([]string, 0, len(labels))
	seen := make(map[string]bool)
	for _, s := range raw.Sentences {
		label := labels[s.SpeakerID]
		if !seen[label] {
			seen[label] = true
			speakerSet = append(speakerSet, label)
		}
	}

	var fullTextParts []string
	for _, seg := range segments {
		fullTextParts = append(fullTextParts, seg.Text)
	}

	return JSONResult{
		TaskID:         taskID,
		FileName:       fileName,
		FileHash:       fileHash,
		Duration:       roundMS(raw.DurationMS),
		ProcessingTime: roundMS(raw.ProcessingMS),
		Speakers:       speakerSet,
		Segments:       segments,
		Summary: Summary{
			TotalSpeakers: len(speakerSet),
			TotalSegments: len(segments),
			FullText:      strings.Join(fullTextParts, " "),
		},
	}
}

// srtTimestamp formats milliseconds as HH:MM:SS,mmm.
func srtTimestamp(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	millis := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, millis)
}

// ToSRT renders raw's original, unmerged sentence segmentation as an SRT
// subtitle document.
func ToSRT(raw engine.RawResult) string {
	labels := speakerLabels(raw.Sentences)
	var b strings.Builder
	for i, s := range raw.Sentences {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimestamp(s.StartMS), srtTimestamp(s.EndMS))
		fmt.Fprintf(&b, "%s:%s\n\n", labels[s.SpeakerID], s.Text)
	}
	return b.String()
}
