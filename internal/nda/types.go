package nda

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Submission file types reported by the NDA submission API
const (
	FileTypeDataPackage    = "Submission Data Package"
	FileTypeTicket         = "Submission Ticket"
	FileTypeMemento        = "Submission Memento"
	FileTypeManifest       = "Submission Manifest"
	FileTypeDataFile       = "Submission Data File"
	FileTypeAssociatedFile = "Submission Associated File"
)

// Collection identifies the NDA collection a submission belongs to
type Collection struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Submission is an NDA data submission
type Submission struct {
	ID          string     `json:"submission_id"`
	Title       string     `json:"dataset_title"`
	Description string     `json:"dataset_description"`
	Status      string     `json:"submission_status"`
	Created     string     `json:"created_date"`
	Modified    string     `json:"modified_date"`
	Collection  Collection `json:"collection"`
}

// CollectionID returns the id of the owning collection
func (s Submission) CollectionID() string {
	return s.Collection.ID
}

// SubmissionFile is one file attached to a submission
type SubmissionFile struct {
	ID         int64  `json:"id"`
	FileType   string `json:"file_type"`
	RemotePath string `json:"file_remote_path"`
	Status     string `json:"status"`
	MD5        string `json:"md5sum"`
	Size       int64  `json:"size"`
	Created    string `json:"created_date"`
	Modified   string `json:"modified_date"`
}

// Name returns the base name of the remote path
func (f SubmissionFile) Name() string {
	return path.Base(f.RemotePath)
}

// FilesByType returns the files of the given type, preserving order
func FilesByType(files []SubmissionFile, fileType string) []SubmissionFile {
	var out []SubmissionFile
	for _, f := range files {
		if strings.EqualFold(f.FileType, fileType) {
			out = append(out, f)
		}
	}
	return out
}

// ParseS3URL splits an s3://bucket/key URL
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URL %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an S3 URL: %q", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("S3 URL must name a bucket and key: %q", raw)
	}
	return u.Host, key, nil
}
