// Package persist is the optional cache warm start: it snapshots cache
// entries to a relational store and seeds them back on the next startup.
// It is not required for correctness; seeded entries revalidate on first
// access like any other stale entry.
package persist

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/fieldledger/go-sync-cache/cache"
)

// Row is the persisted form of one cache entry.
type Row struct {
	bun.BaseModel `bun:"table:cache_entries,alias:ce"`

	Key       string    `bun:"key,pk"`
	Data      []byte    `bun:"data,notnull"`
	FetchedAt time.Time `bun:"fetched_at,notnull"`
}

// Snapshotter saves and restores cache entries.
type Snapshotter struct {
	db     *bun.DB
	store  cache.Store
	logger *slog.Logger
}

// NewSnapshotter wires a snapshotter over an opened database.
func NewSnapshotter(db *bun.DB, store cache.Store, logger *slog.Logger) *Snapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{db: db, store: store, logger: logger.With("component", "persist")}
}

// Init creates the snapshot table when missing.
func (s *Snapshotter) Init(ctx context.Context) error {
	_, err := s.db.NewCreateTable().Model((*Row)(nil)).IfNotExists().Exec(ctx)
	return err
}

// Save replaces the stored snapshot with the store's current entries.
// Entries whose data does not marshal are skipped and logged; a warm start
// is best effort.
func (s *Snapshotter) Save(ctx context.Context) error {
	entries := s.store.Entries()
	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e.Data)
		if err != nil {
			s.logger.Warn("skipping unmarshalable entry", "key", e.Key.String(), "error", err)
			continue
		}
		rows = append(rows, Row{Key: e.Key.String(), Data: data, FetchedAt: e.FetchedAt})
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Row)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
}

// Load seeds the store from the stored snapshot. Seeded data is raw JSON;
// the first real fetch replaces it with typed data, so seeding never
// overrides live entries.
func (s *Snapshotter) Load(ctx context.Context) error {
	var rows []Row
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return err
	}
	for _, row := range rows {
		s.store.Seed(cache.ParseKey(row.Key), json.RawMessage(row.Data), row.FetchedAt)
	}
	s.logger.Info("cache warm start", "entries", len(rows))
	return nil
}

// Close releases the database handle.
func (s *Snapshotter) Close() error {
	return s.db.Close()
}
