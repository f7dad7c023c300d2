// Package service wires the configured source client, target store, run
// ledger and snapshot exporter into per-entity sync and export operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/crmsync/internal/config"
	"github.com/hyperengineering/crmsync/internal/ledger"
	"github.com/hyperengineering/crmsync/internal/orchestrator"
	"github.com/hyperengineering/crmsync/internal/snapshot"
	"github.com/hyperengineering/crmsync/internal/source"
	"github.com/hyperengineering/crmsync/internal/store"
	"github.com/hyperengineering/crmsync/internal/types"
)

// Service owns the long-lived resources of one process.
type Service struct {
	cfg      *config.Config
	target   *store.TargetStore
	ledger   *ledger.Ledger
	runner   *orchestrator.Runner
	exporter *snapshot.Exporter
}

// Open connects every resource cfg names. Resources opened before a failure
// are closed again.
func Open(ctx context.Context, cfg *config.Config) (*Service, error) {
	client, err := source.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(cfg.State.Path)
	if err != nil {
		return nil, err
	}
	slog.Info("ledger initialized", "component", "service", "path", cfg.State.Path)

	target, err := store.Open(ctx, cfg.Target.Driver, cfg.Target.DSN, cfg.Target.MaxOpenConns)
	if err != nil {
		led.Close()
		return nil, err
	}
	slog.Info("target store initialized", "component", "service", "driver", target.Dialect().Name())

	uploader, err := snapshot.NewUploader(cfg.Snapshot.Storage)
	if err != nil {
		target.Close()
		led.Close()
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		target:   target,
		ledger:   led,
		runner:   orchestrator.NewRunner(client, target, led, cfg.Sync.DaysBack),
		exporter: snapshot.NewExporter(target, uploader, led, cfg.Snapshot.TempDir),
	}, nil
}

// Config returns the configuration the service was opened with.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Ledger returns the run ledger.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// SyncEntity runs one incremental sync of e into its configured table.
func (s *Service) SyncEntity(ctx context.Context, e types.Entity) (*types.RunReport, error) {
	ec, err := s.cfg.Entity(e)
	if err != nil {
		return nil, err
	}
	return s.runner.Run(ctx, orchestrator.Job{
		Entity: e,
		Table:  ec.Table,
		Schema: ec.Schema,
	})
}

// ExportEntity exports the snapshot of e's configured table.
func (s *Service) ExportEntity(ctx context.Context, e types.Entity) (*types.SnapshotResult, error) {
	ec, err := s.cfg.Entity(e)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, snapshot.Job{
		Entity: e,
		Table:  ec.Table,
		Object: ec.SnapshotObject,
		Schema: ec.Schema,
	})
}

// Close releases the target store and the ledger.
func (s *Service) Close() error {
	var errs []error
	if err := s.target.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close target store: %w", err))
	}
	if err := s.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	return errors.Join(errs...)
}
