package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/deepnoodle-ai/workgraph"
	"github.com/deepnoodle-ai/workgraph/kv"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// backend bundles everything persisted by the CLI.
type backend struct {
	store       kv.Store
	closer      io.Closer
	checkpoints *workgraph.CheckpointStore
	journal     workgraph.Journal
	graphs      *workgraph.GraphStore
}

func (b *backend) Close() error {
	return b.closer.Close()
}

func openStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (kv.Store, io.Closer, error) {
	switch cfg.Type {
	case "memory":
		return kv.NewMemoryStore(), nopCloser{}, nil
	case "file":
		s, err := kv.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case "badger":
		s, err := kv.OpenBadger(kv.BadgerConfig{Path: cfg.Path, SyncWrites: true, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "sqlite":
		s, err := kv.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "postgres":
		s, err := kv.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unknown store type %q", cfg.Type)
}

func openBackend(ctx context.Context, cfg *Config, metrics *workgraph.Metrics) (*backend, error) {
	store, closer, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	return &backend{
		store:  store,
		closer: closer,
		checkpoints: workgraph.NewCheckpointStore(workgraph.CheckpointStoreOptions{
			Store:          kv.WithPrefix(store, "checkpoints/"),
			MaxCheckpoints: cfg.Checkpoints.Keep,
			MaxAge:         cfg.Checkpoints.MaxAge,
			Logger:         logger,
			Metrics:        metrics,
		}),
		journal: workgraph.NewKVJournal(store),
		graphs:  workgraph.NewGraphStore(kv.WithPrefix(store, "graphs/")),
	}, nil
}
