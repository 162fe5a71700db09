package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"
)

// StdoutPath selects standard output instead of a file
const StdoutPath = "-"

// Fixed leading columns of a Synapse sync manifest
var baseColumns = []string{"path", "parent", "name", "contentType"}

// Writer renders records as a tab separated Synapse sync manifest
type Writer struct {
	logger *logrus.Logger
	stdout io.Writer
}

// NewWriter creates a manifest writer
func NewWriter(logger *logrus.Logger) *Writer {
	return &Writer{logger: logger, stdout: os.Stdout}
}

// Columns returns the header row for records: the fixed columns followed by
// the sorted union of annotation keys
func Columns(records []Record) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, r := range records {
		for k := range r.Annotations {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	cols := make([]string, 0, len(baseColumns)+len(keys))
	cols = append(cols, baseColumns...)
	for _, k := range keys {
		// annotation keys never shadow a fixed column
		if k == "path" || k == "parent" || k == "name" || k == "contentType" {
			continue
		}
		cols = append(cols, k)
	}
	return cols
}

// Encode writes records to w
func Encode(w io.Writer, records []Record) error {
	cols := Columns(records)

	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(cols); err != nil {
		return err
	}

	row := make([]string, len(cols))
	for _, r := range records {
		row[0] = r.Path
		row[1] = r.Parent
		row[2] = r.Name
		row[3] = r.ContentType
		for i, col := range cols[len(baseColumns):] {
			row[len(baseColumns)+i] = r.Annotations[col]
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// Write stores records at path, replacing any existing file atomically.
// A path of "-" writes to standard output.
func (w *Writer) Write(path string, records []Record) error {
	if path == StdoutPath || path == "" {
		return Encode(w.stdout, records)
	}

	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("failed to create pending manifest file: %w", err)
	}
	defer func() {
		if cleanupErr := pendingFile.Cleanup(); cleanupErr != nil {
			w.logger.WithError(cleanupErr).Debug("Manifest temp file cleanup")
		}
	}()

	if err := Encode(pendingFile, records); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}

	w.logger.WithFields(logrus.Fields{
		"path":    path,
		"records": len(records),
	}).Info("Wrote Synapse manifest")
	return nil
}
