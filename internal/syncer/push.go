package syncer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bsmn/ndasynapse/internal/manifest"
	"github.com/bsmn/ndasynapse/internal/state"
	"github.com/bsmn/ndasynapse/internal/synapse"
)

// Report summarizes a push
type Report struct {
	RunID   string
	Total   int
	Created int
	Updated int
	Skipped int
	Failed  int
}

// Status maps the report to a run status
func (r *Report) Status() string {
	switch {
	case r.Failed == 0:
		return state.RunOK
	case r.Failed < r.Total:
		return state.RunPartial
	default:
		return state.RunFailed
	}
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeSkipped
	outcomeFailed
)

// Push stores records in Synapse. Records whose checksum and size match the
// last sync are skipped. A failed record is logged and counted; only context
// cancellation stops the push early.
func (e *Engine) Push(ctx context.Context, records []manifest.Record) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), Total: len(records)}
	logger := e.Logger.WithField("run_id", report.RunID)

	recordRun := e.State != nil && !e.DryRun
	if recordRun {
		if err := e.State.StartRun(ctx, report.RunID, len(records)); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"records": len(records),
		"dry_run": e.DryRun,
	}).Info("Starting sync run")

	var mu sync.Mutex
	count := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeCreated:
			report.Created++
		case outcomeUpdated:
			report.Updated++
		case outcomeSkipped:
			report.Skipped++
		case outcomeFailed:
			report.Failed++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit())
	for _, rec := range records {
		if gctx.Err() != nil {
			break
		}
		rec := rec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			count(e.pushRecord(gctx, logger, report.RunID, rec))
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	if recordRun {
		status := report.Status()
		if runErr != nil {
			status = state.RunFailed
		}
		if err := e.State.FinishRun(context.WithoutCancel(ctx), report.RunID, status, report.Failed); err != nil {
			logger.WithError(err).Error("Failed to record run result")
		}
	}

	logger.WithFields(logrus.Fields{
		"total":   report.Total,
		"created": report.Created,
		"updated": report.Updated,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	}).Info("Sync run finished")

	if runErr != nil {
		return report, runErr
	}
	return report, nil
}

func (e *Engine) pushRecord(ctx context.Context, logger *logrus.Entry, runID string, rec manifest.Record) outcome {
	logger = logger.WithFields(logrus.Fields{
		"path":   rec.Path,
		"parent": rec.Parent,
	})

	if e.State != nil {
		unchanged, err := e.State.Unchanged(ctx, rec)
		if err != nil {
			logger.WithError(err).Warn("State lookup failed, pushing anyway")
		} else if unchanged {
			logger.Debug("Unchanged since last sync")
			return outcomeSkipped
		}
	}

	if e.DryRun {
		logger.WithField("name", rec.Name).Info("Dry run: would store file")
		return outcomeSkipped
	}

	id, created, err := e.Synapse.StoreFile(ctx, rec.Parent, synapse.FileSpec{
		URL:         rec.Path,
		Name:        rec.Name,
		ContentType: rec.ContentType,
		MD5:         rec.MD5,
		Size:        rec.Size,
		Annotations: rec.Annotations,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to store file in Synapse")
		return outcomeFailed
	}

	if e.State != nil {
		if err := e.State.MarkSynced(ctx, rec, id, runID); err != nil {
			logger.WithError(err).Warn("Failed to record synced file")
		}
	}

	logger.WithFields(logrus.Fields{
		"entity_id": id,
		"created":   created,
	}).Info("Stored file")
	if created {
		return outcomeCreated
	}
	return outcomeUpdated
}
