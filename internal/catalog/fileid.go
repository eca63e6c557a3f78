package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ErrUnparseableFileID is returned when a file id carries no run marker.
var ErrUnparseableFileID = errors.New("catalog: file id has no run marker")

// runMarker matches the "_+RR" token that tags a file with its run.
var runMarker = regexp.MustCompile(`_\+(\d{2})`)

// FileKey is a file id split into its run and the full id.
type FileKey struct {
	Run    string
	FileID string
}

// ParseFileID extracts the run label from a file id.
func ParseFileID(fileID string) (FileKey, error) {
	m := runMarker.FindStringSubmatch(fileID)
	if m == nil {
		return FileKey{}, fmt.Errorf("%w: %q", ErrUnparseableFileID, fileID)
	}
	return FileKey{Run: m[1], FileID: fileID}, nil
}

// GroupByRun buckets file ids by run, keeping only the requested runs and at
// most maxPerRun ids per run (0 means unlimited). Catalog order is preserved.
// Any unparseable id fails the whole grouping.
func GroupByRun(files []FileRef, runs []string, maxPerRun int) (map[string][]string, error) {
	grouped := make(map[string][]string, len(runs))
	for _, run := range runs {
		grouped[run] = nil
	}

	for _, f := range files {
		key, err := ParseFileID(f.FileID)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(runs, key.Run) {
			continue
		}
		if maxPerRun > 0 && len(grouped[key.Run]) >= maxPerRun {
			continue
		}
		grouped[key.Run] = append(grouped[key.Run], key.FileID)
	}
	return grouped, nil
}

// Backdate substitutes date for the "+" run marker of a file id, addressing
// the same file in an earlier delivery.
func Backdate(fileID, date string) string {
	if date == "" {
		return fileID
	}
	return strings.ReplaceAll(fileID, "+", date)
}
