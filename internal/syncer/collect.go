package syncer

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bsmn/ndasynapse/internal/manifest"
	"github.com/bsmn/ndasynapse/internal/nda"
)

// Collect resolves the selection, downloads each submission's manifests and
// data structure tables from S3 and builds the Synapse records. Malformed
// manifests or tables are logged and skipped; any other failure aborts.
func (e *Engine) Collect(ctx context.Context, sel Selection) ([]manifest.Record, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	subs, err := e.resolveSubmissions(ctx, sel)
	if err != nil {
		return nil, err
	}

	e.Logger.WithFields(logrus.Fields{
		"collection":  sel.CollectionID,
		"submissions": len(subs),
	}).Info("Collecting NDA submissions")

	inputs := make([]manifest.Input, len(subs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit())
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			in, err := e.collectSubmission(gctx, sub)
			if err != nil {
				return fmt.Errorf("submission %s: %w", sub.ID, err)
			}
			inputs[i] = *in
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := manifest.Build(inputs, sel.Parent, e.Logger)
	e.Logger.WithField("records", len(records)).Info("Built Synapse records")
	return records, nil
}

func (e *Engine) collectSubmission(ctx context.Context, sub nda.Submission) (*manifest.Input, error) {
	logger := e.Logger.WithField("submission", sub.ID)

	files, err := e.NDA.GetSubmissionFiles(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	in := &manifest.Input{Submission: sub, Files: files}

	for _, f := range nda.FilesByType(files, nda.FileTypeManifest) {
		err := e.fetch(ctx, f.RemotePath, func(r io.Reader) error {
			m, err := nda.ParseManifest(f.RemotePath, r)
			if err != nil {
				return err
			}
			in.Manifests = append(in.Manifests, m)
			return nil
		})
		if err != nil {
			if isParseError(err) {
				logger.WithError(err).Warn("Skipping unreadable manifest")
				continue
			}
			return nil, err
		}
	}

	for _, f := range nda.FilesByType(files, nda.FileTypeDataFile) {
		err := e.fetch(ctx, f.RemotePath, func(r io.Reader) error {
			ds, err := nda.ParseDataStructure(f.RemotePath, r)
			if err != nil {
				return err
			}
			in.Tables = append(in.Tables, ds)
			return nil
		})
		if err != nil {
			if isParseError(err) {
				logger.WithError(err).Warn("Skipping unreadable data structure file")
				continue
			}
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"files":     len(files),
		"manifests": len(in.Manifests),
		"tables":    len(in.Tables),
	}).Debug("Collected submission")
	return in, nil
}
