package notes

import (
	"encoding/json"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffType labels a diff segment.
type DiffType string

const (
	DiffEqual  DiffType = "equal"
	DiffInsert DiffType = "insert"
	DiffDelete DiffType = "delete"
)

// DiffSegment is one run of a character diff between two snapshots.
type DiffSegment struct {
	Type DiffType `json:"type"`
	Text string   `json:"text"`
}

// ComputeDiff returns a semantically cleaned character diff from previous to next.
func ComputeDiff(previous, next string) []DiffSegment {
	engine := diffmatchpatch.New()
	diffs := engine.DiffMain(previous, next, false)
	diffs = engine.DiffCleanupSemantic(diffs)

	segments := make([]DiffSegment, 0, len(diffs))
	for _, diff := range diffs {
		segments = append(segments, DiffSegment{Type: diffTypeOf(diff.Type), Text: diff.Text})
	}
	return segments
}

func diffTypeOf(op diffmatchpatch.Operation) DiffType {
	switch op {
	case diffmatchpatch.DiffInsert:
		return DiffInsert
	case diffmatchpatch.DiffDelete:
		return DiffDelete
	default:
		return DiffEqual
	}
}

func encodeDiff(segments []DiffSegment) (string, error) {
	if segments == nil {
		segments = []DiffSegment{}
	}
	encoded, err := json.Marshal(segments)
	if err != nil {
		return "", fmt.Errorf("encode diff: %w", err)
	}
	return string(encoded), nil
}

func decodeDiff(raw string) ([]DiffSegment, error) {
	segments := []DiffSegment{}
	if raw == "" {
		return segments, nil
	}
	if err := json.Unmarshal([]byte(raw), &segments); err != nil {
		return nil, fmt.Errorf("decode diff: %w", err)
	}
	return segments, nil
}
