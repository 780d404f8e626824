// Package invalidation maps change notifications to the cache key prefixes
// that must be marked stale, refetched or removed.
package invalidation

import (
	"context"
	"log/slog"

	"github.com/fieldledger/go-sync-cache/cache"
)

// Mode selects how an invalidation is applied.
type Mode int

const (
	// Soft marks entries stale; fetches happen lazily on next access.
	Soft Mode = iota
	// Active marks entries stale and immediately refetches every currently
	// observed entry under the prefix.
	Active
	// Remove deletes entries outright.
	Remove
)

func (m Mode) String() string {
	switch m {
	case Soft:
		return "soft"
	case Active:
		return "active"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Operation is the kind of change reported by the push channel.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent is a normalized insert/update/delete notification. Only the
// entity type and the id/foreign-key fields extractable from the records are
// used; everything else is opaque.
type ChangeEvent struct {
	Entity    string         `json:"entityType"`
	Operation Operation      `json:"operation"`
	NewRecord map[string]any `json:"newRecord,omitempty"`
	OldRecord map[string]any `json:"oldRecord,omitempty"`
}

// Engine resolves change events against the static rule set and drives the
// store's invalidation primitives.
type Engine struct {
	store  cache.Store
	rules  RuleSet
	logger *slog.Logger
}

// New constructs an Engine over the given store and rule set.
func New(store cache.Store, rules RuleSet, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, rules: rules, logger: logger.With("component", "invalidation")}
}

// Invalidate applies a single prefix invalidation in the given mode.
func (e *Engine) Invalidate(ctx context.Context, prefix cache.Key, mode Mode) {
	switch mode {
	case Soft:
		e.store.MarkStale(prefix)
	case Active:
		e.store.MarkStale(prefix)
		e.store.Refresh(ctx, prefix)
	case Remove:
		e.store.Remove(prefix)
	}
}

// Apply resolves a change event to its key prefixes and invalidates them.
// Derived invalidations run in Active mode so currently visible views
// refresh without user action; entries with no observers stay soft-stale
// until next access (the store's Refresh only touches observed entries).
func (e *Engine) Apply(ctx context.Context, ev ChangeEvent) {
	rule, ok := e.rules[ev.Entity]
	if !ok {
		e.logger.Debug("change event for unwatched entity ignored", "entity", ev.Entity)
		return
	}

	id := recordField(ev, "id")

	// The entity's own list prefix is always affected.
	e.Invalidate(ctx, cache.NewKey(ev.Entity, "list"), Active)

	if id != "" {
		detail := cache.NewKey(ev.Entity, "detail", id)
		if ev.Operation == OpDelete {
			// The record is gone; stale data for it can never refresh.
			e.Invalidate(ctx, detail, Remove)
		} else {
			e.Invalidate(ctx, detail, Active)
		}
	}

	// Owner-relationship prefixes derived from foreign keys on the records.
	for field, scope := range rule.ForeignKeys {
		if v := recordField(ev, field); v != "" {
			e.Invalidate(ctx, cache.NewKey(ev.Entity, scope, v), Active)
		}
	}

	// Cross-entity cascades from the static table.
	for _, c := range rule.Cascades {
		v := id
		if c.From != "id" {
			v = recordField(ev, c.From)
		}
		if v == "" {
			continue
		}
		e.Invalidate(ctx, cache.NewKey(c.Entity, c.Scope, v), Active)
	}
}

// InvalidateAll actively invalidates every entity domain in the rule set.
// The sync scheduler uses it for the full resync after a successful probe;
// only observed entries refetch eagerly.
func (e *Engine) InvalidateAll(ctx context.Context) {
	for entity := range e.rules {
		e.Invalidate(ctx, cache.NewKey(entity), Active)
	}
}

// recordField pulls a string field from the event's new record, falling back
// to the old record (deletes only carry the old one).
func recordField(ev ChangeEvent, field string) string {
	if v, ok := ev.NewRecord[field].(string); ok && v != "" {
		return v
	}
	if v, ok := ev.OldRecord[field].(string); ok && v != "" {
		return v
	}
	return ""
}
