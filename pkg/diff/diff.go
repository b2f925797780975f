// Package diff is a small text diff/patch helper kept for demonstrating
// delta updates; replication itself ships whole file contents.
package diff

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff is an opaque set of edits taking one text to another.
type Diff struct {
	patches []diffmatchpatch.Patch
}

var dmp = diffmatchpatch.New()

// Extract computes the edits that turn a into b.
func Extract(a, b string) Diff {
	return Diff{patches: dmp.PatchMake(a, b)}
}

// Apply replays the edits on a, producing the text they were extracted
// against.
func Apply(a string, d Diff) (string, error) {
	result, applied := dmp.PatchApply(d.patches, a)
	for i, ok := range applied {
		if !ok {
			return "", fmt.Errorf("hunk %d did not apply", i)
		}
	}
	return result, nil
}

// Undo reverses the edits on b, recovering the original text.
func Undo(b string, d Diff) (string, error) {
	inverted := make([]diffmatchpatch.Patch, len(d.patches))
	for i, p := range d.patches {
		inv := diffmatchpatch.Patch{
			Start1:  p.Start2,
			Start2:  p.Start1,
			Length1: p.Length2,
			Length2: p.Length1,
		}
		for _, edit := range p.Diffs {
			switch edit.Type {
			case diffmatchpatch.DiffInsert:
				edit.Type = diffmatchpatch.DiffDelete
			case diffmatchpatch.DiffDelete:
				edit.Type = diffmatchpatch.DiffInsert
			}
			inv.Diffs = append(inv.Diffs, edit)
		}
		inverted[i] = inv
	}

	result, applied := dmp.PatchApply(inverted, b)
	for i, ok := range applied {
		if !ok {
			return "", fmt.Errorf("hunk %d did not undo", i)
		}
	}
	return result, nil
}

// Encode renders the edits in the standard patch text format, so a diff
// can travel inside a payload message.
func Encode(d Diff) string {
	return dmp.PatchToText(d.patches)
}

// Decode parses the patch text format back into a Diff.
func Decode(text string) (Diff, error) {
	patches, err := dmp.PatchFromText(text)
	if err != nil {
		return Diff{}, fmt.Errorf("parse patch text: %w", err)
	}
	return Diff{patches: patches}, nil
}
