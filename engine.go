// Package syncengine is the incremental state-synchronization engine: it
// tracks per-session, per-entity-type progress, streams ordered creates,
// updates and deletes to client replicas, backfills relationship-derived
// visibility, and re-baselines sessions whose state is unrecoverable.
package syncengine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/photofold/sync-engine/backfill"
	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
	"github.com/photofold/sync-engine/emitter"
	syncErrors "github.com/photofold/sync-engine/errors"
	"github.com/photofold/sync-engine/legacy"
	"github.com/photofold/sync-engine/stream"
)

const component = "engine"

// Config holds the tunables of one Engine.
type Config struct {
	// PageSize bounds one emitted page of the change feed. Default: 500.
	PageSize int

	// AckBatchCap bounds one ack batch. Default: 1000.
	AckBatchCap int
}

func (c *Config) setDefaults() {
	if c.PageSize == 0 {
		c.PageSize = emitter.DefaultPageSize
	}
	if c.AckBatchCap == 0 {
		c.AckBatchCap = 1000
	}
}

// Store is the full storage surface the engine runs on. *sqlite.Store
// satisfies it.
type Store interface {
	emitter.Source
	backfill.Source
	legacy.Source
	stream.Checkpoints
	stream.Visibility

	CreateSession(ctx context.Context, sessionID, userID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	AckBatch(ctx context.Context, sessionID string, items []catalog.AckItem) error
	PurgeTombstones(ctx context.Context, before time.Time) (int64, error)
}

// AckEntry is one wire-form ack: the record type the client is confirming
// and the cursor it has durably applied through.
type AckEntry struct {
	Type catalog.EntityType `json:"type"`
	Ack  *cursor.WireCursor `json:"ack"`
}

// AckRejection reports one entry of an ack batch that was refused. The rest
// of the batch still commits.
type AckRejection struct {
	Type   catalog.EntityType `json:"type"`
	Reason string             `json:"reason"`
}

// Stats is a snapshot of engine counters.
type Stats struct {
	StreamsOpened   uint64
	RecordsStreamed uint64
	AcksCommitted   uint64
	AcksRejected    uint64
	Resets          uint64
}

// Engine is the façade over the sync core: session streams, ack and reset
// processing, the legacy asset protocol, and tombstone maintenance.
type Engine struct {
	config     Config
	store      Store
	controller *stream.Controller
	legacy     *legacy.Service

	streamsOpened   atomic.Uint64
	recordsStreamed atomic.Uint64
	acksCommitted   atomic.Uint64
	acksRejected    atomic.Uint64
	resets          atomic.Uint64
}

// New creates an Engine on the given store. Most callers should use the
// Builder instead.
func New(store Store, config Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	config.setDefaults()
	if config.PageSize < 0 || config.AckBatchCap < 0 {
		return nil, fmt.Errorf("page size and ack batch cap must be positive")
	}
	cursor.InitDefaultCodecs()

	em := emitter.New(store, config.PageSize)
	resolver := backfill.New(store, config.PageSize)
	return &Engine{
		config:     config,
		store:      store,
		controller: stream.NewController(em, resolver, store, store),
		legacy:     legacy.New(store),
	}, nil
}

// CreateSession registers a sync session for an authenticated device login.
func (e *Engine) CreateSession(ctx context.Context, sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return syncErrors.E(syncErrors.Op("engine.CreateSession"), syncErrors.Component(component),
			syncErrors.KindProtocol, "session id and user id are required")
	}
	return e.store.CreateSession(ctx, sessionID, userID)
}

// DeleteSession invalidates a session and drops all of its checkpoints.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	return e.store.DeleteSession(ctx, sessionID)
}

// OpenStream drains the session's backlog for the requested entity groups
// into sink, ending with a completion marker. Records stay re-deliverable
// until acked.
func (e *Engine) OpenStream(ctx context.Context, req stream.OpenRequest, sink stream.Sink) error {
	e.streamsOpened.Add(1)
	counting := stream.SinkFunc(func(ctx context.Context, rec catalog.Record) error {
		e.recordsStreamed.Add(1)
		return sink.Send(ctx, rec)
	})
	return e.controller.Stream(ctx, req, counting)
}

// Ack commits client progress. Entries that fail validation are rejected
// individually and reported; the remaining entries land in one transaction
// with per-type monotonic advance, so stale or duplicate acks are silent
// no-ops. A batch over the configured cap is refused outright.
func (e *Engine) Ack(ctx context.Context, sessionID string, entries []AckEntry) ([]AckRejection, error) {
	op := syncErrors.Op("engine.Ack")
	if len(entries) > e.config.AckBatchCap {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol,
			fmt.Errorf("ack batch of %d exceeds cap %d", len(entries), e.config.AckBatchCap))
	}
	if _, err := e.store.SessionUser(ctx, sessionID); err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol, err)
	}

	var items []catalog.AckItem
	var rejected []AckRejection
	for _, entry := range entries {
		key, ok := catalog.CheckpointType(entry.Type)
		if !ok {
			rejected = append(rejected, AckRejection{Type: entry.Type, Reason: "unknown or non-ackable entity type"})
			continue
		}
		tok, err := cursor.UnmarshalWire(entry.Ack)
		if err != nil {
			rejected = append(rejected, AckRejection{Type: entry.Type, Reason: err.Error()})
			continue
		}
		if tok.IsZero() {
			rejected = append(rejected, AckRejection{Type: entry.Type, Reason: "empty ack cursor"})
			continue
		}
		items = append(items, catalog.AckItem{Type: key, Ack: tok})
	}

	if err := e.store.AckBatch(ctx, sessionID, items); err != nil {
		return rejected, err
	}
	e.acksCommitted.Add(uint64(len(items)))
	e.acksRejected.Add(uint64(len(rejected)))
	return rejected, nil
}

// Reset discards the session's checkpoints for the named entity groups, or
// all of them when none are named. The next stream open for an affected type
// serves a full scan. Resetting an absent checkpoint is a no-op success.
func (e *Engine) Reset(ctx context.Context, sessionID string, groups []string) error {
	op := syncErrors.Op("engine.Reset")
	if _, err := e.store.SessionUser(ctx, sessionID); err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol, err)
	}
	e.resets.Add(1)

	if len(groups) == 0 {
		return e.store.ResetCheckpoints(ctx, sessionID)
	}
	kinds, err := catalog.ExpandGroups(groups)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol, err)
	}
	return e.store.ResetCheckpoints(ctx, sessionID, catalog.CheckpointTypes(kinds)...)
}

// FullSync serves one page of the legacy bounded-pagination asset protocol.
func (e *Engine) FullSync(ctx context.Context, req legacy.FullSyncRequest) ([]catalog.AssetV1, error) {
	return e.legacy.FullSync(ctx, req)
}

// DeltaSync serves the legacy timestamp-window delta protocol.
func (e *Engine) DeltaSync(ctx context.Context, req legacy.DeltaSyncRequest) (*legacy.DeltaSyncResponse, error) {
	return e.legacy.DeltaSync(ctx, req)
}

// PurgeExpiredTombstones drops tombstones older than the retention window.
// Sessions with cursors that old are already forced through Reset, so the
// purge never hides a deletion from a recoverable session.
func (e *Engine) PurgeExpiredTombstones(ctx context.Context) (int64, error) {
	return e.store.PurgeTombstones(ctx, e.store.TombstoneHorizon())
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		StreamsOpened:   e.streamsOpened.Load(),
		RecordsStreamed: e.recordsStreamed.Load(),
		AcksCommitted:   e.acksCommitted.Load(),
		AcksRejected:    e.acksRejected.Load(),
		Resets:          e.resets.Load(),
	}
}
