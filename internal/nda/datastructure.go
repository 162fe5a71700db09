package nda

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/bsmn/ndasynapse/pkg/errors"
)

// DataStructure is a parsed NDA data structure file such as
// genomics_sample03.csv
type DataStructure struct {
	ShortName string
	Version   string
	Columns   []string
	Rows      []map[string]string
}

// Name returns the versioned structure name, e.g. genomics_sample03
func (d *DataStructure) Name() string {
	return d.ShortName + d.Version
}

// ParseDataStructure reads an NDA data structure table. The first line holds
// the structure short name and version, the second the column names. When
// the third line is the human-readable description row of a downloaded
// package (its first cell contains whitespace) it is dropped. Comma and
// tab delimited files are both accepted.
func ParseDataStructure(source string, r io.Reader) (*DataStructure, error) {
	br := bufio.NewReader(r)
	peek, _ := br.Peek(4096)
	peek = bytes.TrimPrefix(peek, []byte("\xef\xbb\xbf"))

	delimiter := ','
	firstLine := peek
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		firstLine = peek[:i]
	}
	if bytes.Count(firstLine, []byte("\t")) > bytes.Count(firstLine, []byte(",")) {
		delimiter = '\t'
	}

	reader := csv.NewReader(skipBOM(br))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.NewManifestError(source, 0, err)
	}
	if len(records) < 2 {
		return nil, errors.NewManifestError(source, len(records), fmt.Errorf("expected structure line and header"))
	}

	title := trimEmpty(records[0])
	if len(title) < 2 {
		return nil, errors.NewManifestError(source, 1, fmt.Errorf("first line must be <short_name>,<version>"))
	}

	header := trimEmpty(records[1])
	if len(header) == 0 {
		return nil, errors.NewManifestError(source, 2, fmt.Errorf("empty header"))
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	ds := &DataStructure{
		ShortName: strings.TrimSpace(title[0]),
		Version:   strings.TrimSpace(title[1]),
		Columns:   header,
	}

	body := records[2:]
	if len(body) > 0 && len(body[0]) > 0 && strings.ContainsAny(strings.TrimSpace(body[0][0]), " \t") {
		body = body[1:]
	}

	for n, rec := range body {
		if isBlank(rec) {
			continue
		}
		if len(rec) > len(header) && !isBlank(rec[len(header):]) {
			line := n + 3
			return nil, errors.NewManifestError(source, line, fmt.Errorf("row has %d fields, header has %d", len(rec), len(header)))
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = strings.TrimSpace(rec[i])
			} else {
				row[col] = ""
			}
		}
		ds.Rows = append(ds.Rows, row)
	}

	return ds, nil
}

func skipBOM(br *bufio.Reader) io.Reader {
	if b, err := br.Peek(3); err == nil && bytes.Equal(b, []byte("\xef\xbb\xbf")) {
		_, _ = br.Discard(3)
	}
	return br
}

// trimEmpty drops trailing empty cells left by spreadsheet exports
func trimEmpty(rec []string) []string {
	end := len(rec)
	for end > 0 && strings.TrimSpace(rec[end-1]) == "" {
		end--
	}
	return append([]string(nil), rec[:end]...)
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
