package nda

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/bsmn/ndasynapse/pkg/errors"
)

// ManifestEntry is one associated file listed in an NDA manifest
type ManifestEntry struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	MD5Sum string `json:"md5sum"`
}

// FileName returns the declared name, falling back to the base of Path.
// Windows separators are accepted.
func (e ManifestEntry) FileName() string {
	if e.Name != "" {
		return e.Name
	}
	return path.Base(strings.ReplaceAll(e.Path, "\\", "/"))
}

// Manifest is the JSON manifest NDA stores for a submission
type Manifest struct {
	Files []ManifestEntry `json:"files"`
}

// ParseManifest reads an NDA manifest. An empty file list is valid.
func ParseManifest(source string, r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, errors.NewManifestError(source, 0, err)
	}
	for i, f := range m.Files {
		if f.Path == "" {
			return nil, errors.NewManifestError(source, 0, fmt.Errorf("file entry %d has no path", i))
		}
		if f.Size < 0 {
			return nil, errors.NewManifestError(source, 0, fmt.Errorf("file entry %d has negative size", i))
		}
	}
	return &m, nil
}
