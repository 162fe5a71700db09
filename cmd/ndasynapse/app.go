package main

import (
	"context"

	"github.com/bsmn/ndasynapse/internal/credentials"
	"github.com/bsmn/ndasynapse/internal/httpx"
	"github.com/bsmn/ndasynapse/internal/nda"
	"github.com/bsmn/ndasynapse/internal/ndatoken"
	"github.com/bsmn/ndasynapse/internal/state"
	"github.com/bsmn/ndasynapse/internal/storage"
	"github.com/bsmn/ndasynapse/internal/synapse"
	"github.com/bsmn/ndasynapse/internal/syncer"
)

// app builds clients from the loaded configuration and resolved credentials
type app struct {
	creds *credentials.Credentials
}

func newApp(ctx context.Context) (*app, error) {
	creds, err := credentials.Resolve(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &app{creds: creds}, nil
}

func (a *app) ndaClient() (*nda.Client, error) {
	if err := a.creds.RequireNDA(cfg.Credentials.Source); err != nil {
		return nil, err
	}
	return nda.NewClient(&cfg.NDA, a.creds.NDAUsername, a.creds.NDAPassword, logger)
}

func (a *app) tokenManager() (*ndatoken.Manager, error) {
	if err := a.creds.RequireNDA(cfg.Credentials.Source); err != nil {
		return nil, err
	}
	client := httpx.NewClient(httpx.Options{
		Timeout:      cfg.NDA.Timeout(),
		RetryMax:     cfg.NDA.RetryMax,
		RetryWaitMin: cfg.NDA.RetryDelay(),
	}, logger)
	gen, err := ndatoken.NewGenerator(cfg.NDA.TokenURL, client, logger)
	if err != nil {
		return nil, err
	}
	return ndatoken.NewManager(gen, a.creds.NDAUsername, a.creds.NDAPassword, logger), nil
}

func (a *app) fetcher(ctx context.Context) (*storage.Fetcher, error) {
	tokens, err := a.tokenManager()
	if err != nil {
		return nil, err
	}
	client, err := storage.NewS3Client(ctx, &cfg.AWS, tokens)
	if err != nil {
		return nil, err
	}
	return storage.NewFetcher(client, logger), nil
}

func (a *app) synapseClient() (*synapse.Client, error) {
	if err := a.creds.RequireSynapse(cfg.Credentials.Source); err != nil {
		return nil, err
	}
	return synapse.NewClient(&cfg.Synapse, a.creds.SynapseAuthToken, logger)
}

// engine wires a sync engine. The state store is only opened when push is
// set, and Synapse only for a real push; the returned func releases them.
func (a *app) engine(ctx context.Context, push bool, concurrency int, dryRun bool) (*syncer.Engine, func(), error) {
	ndaClient, err := a.ndaClient()
	if err != nil {
		return nil, nil, err
	}
	fetcher, err := a.fetcher(ctx)
	if err != nil {
		return nil, nil, err
	}
	if concurrency <= 0 {
		concurrency = cfg.Sync.Concurrency
	}

	e := &syncer.Engine{
		NDA:         ndaClient,
		Fetcher:     fetcher,
		Logger:      logger,
		Concurrency: concurrency,
		DryRun:      dryRun,
	}
	closer := func() {}
	if !push {
		return e, closer, nil
	}

	if !dryRun {
		syn, err := a.synapseClient()
		if err != nil {
			return nil, nil, err
		}
		profile, err := syn.GetUserProfile(ctx)
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("user", profile.UserName).Info("Authenticated with Synapse")
		e.Synapse = syn
	}

	if cfg.Sync.StateDB != "" {
		store, err := state.Open(cfg.Sync.StateDB, logger)
		if err != nil {
			return nil, nil, err
		}
		e.State = store
		closer = func() {
			if err := store.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close state database")
			}
		}
	}
	return e, closer, nil
}
