// Package syncer collects NDA submissions into Synapse records and pushes
// them to Synapse.
package syncer

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/internal/manifest"
	"github.com/bsmn/ndasynapse/internal/nda"
	"github.com/bsmn/ndasynapse/internal/synapse"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

// NDA is the part of the NDA submission API the engine needs
type NDA interface {
	ListSubmissions(ctx context.Context, collectionID string) ([]nda.Submission, error)
	GetSubmission(ctx context.Context, submissionID string) (*nda.Submission, error)
	GetSubmissionFiles(ctx context.Context, submissionID string) ([]nda.SubmissionFile, error)
}

// Fetcher opens NDA-hosted S3 objects
type Fetcher interface {
	Open(ctx context.Context, s3url string) (io.ReadCloser, error)
}

// Synapse stores file entities
type Synapse interface {
	StoreFile(ctx context.Context, parentID string, spec synapse.FileSpec) (string, bool, error)
}

// State remembers what was already synced
type State interface {
	Unchanged(ctx context.Context, r manifest.Record) (bool, error)
	MarkSynced(ctx context.Context, r manifest.Record, entityID, runID string) error
	StartRun(ctx context.Context, runID string, records int) error
	FinishRun(ctx context.Context, runID, status string, failed int) error
}

// Engine runs collections and pushes. State may be nil, in which case every
// record is pushed and no run is recorded.
type Engine struct {
	NDA         NDA
	Fetcher     Fetcher
	Synapse     Synapse
	State       State
	Logger      *logrus.Logger
	Concurrency int
	DryRun      bool
}

// Selection names the submissions to sync
type Selection struct {
	CollectionID  string
	SubmissionIDs []string
	Parent        string
}

// Validate checks that the selection names something to sync
func (s Selection) Validate() error {
	if s.CollectionID == "" && len(s.SubmissionIDs) == 0 {
		return errors.New("either a collection or at least one submission must be selected")
	}
	return nil
}

func (e *Engine) limit() int {
	if e.Concurrency < 1 {
		return 1
	}
	return e.Concurrency
}

// Sync collects the selection and pushes the resulting records
func (e *Engine) Sync(ctx context.Context, sel Selection) (*Report, error) {
	records, err := e.Collect(ctx, sel)
	if err != nil {
		return nil, err
	}
	return e.Push(ctx, records)
}

// resolveSubmissions returns the selected submissions without duplicates,
// collection members first
func (e *Engine) resolveSubmissions(ctx context.Context, sel Selection) ([]nda.Submission, error) {
	var subs []nda.Submission
	seen := make(map[string]bool)

	if sel.CollectionID != "" {
		list, err := e.NDA.ListSubmissions(ctx, sel.CollectionID)
		if err != nil {
			return nil, fmt.Errorf("failed to list submissions for collection %s: %w", sel.CollectionID, err)
		}
		for _, s := range list {
			if !seen[s.ID] {
				seen[s.ID] = true
				subs = append(subs, s)
			}
		}
	}

	for _, id := range sel.SubmissionIDs {
		if seen[id] {
			continue
		}
		s, err := e.NDA.GetSubmission(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get submission %s: %w", id, err)
		}
		seen[id] = true
		subs = append(subs, *s)
	}

	return subs, nil
}

// isParseError reports whether err came from a malformed manifest or table
func isParseError(err error) bool {
	var me *errors.ManifestError
	return stderrors.As(err, &me)
}

func (e *Engine) fetch(ctx context.Context, s3url string, parse func(io.Reader) error) error {
	body, err := e.Fetcher.Open(ctx, s3url)
	if err != nil {
		return err
	}
	defer body.Close()
	return parse(body)
}
