package stream

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/photofold/sync-engine/backfill"
	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
	"github.com/photofold/sync-engine/emitter"
	syncErrors "github.com/photofold/sync-engine/errors"
	"github.com/photofold/sync-engine/storage/sqlite"
)

func init() {
	cursor.InitDefaultCodecs()
}

type capture struct {
	records []catalog.Record
}

func (c *capture) Send(_ context.Context, rec catalog.Record) error {
	c.records = append(c.records, rec)
	return nil
}

func (c *capture) types() []catalog.EntityType {
	out := make([]catalog.EntityType, len(c.records))
	for i, rec := range c.records {
		out[i] = rec.Type
	}
	return out
}

func setupController(t *testing.T, retention time.Duration) (*Controller, *sqlite.Store) {
	t.Helper()
	config := sqlite.DefaultConfig(filepath.Join(t.TempDir(), "stream_test.db"))
	if retention != 0 {
		config.TombstoneRetention = retention
	}
	store, err := sqlite.New(config)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	controller := NewController(emitter.New(store, 0), backfill.New(store, 0), store, store)
	return controller, store
}

func lastAck(t *testing.T, rec catalog.Record) cursor.Token {
	t.Helper()
	tok, err := cursor.UnmarshalWire(rec.Ack)
	if err != nil {
		t.Fatalf("record ack does not decode: %v", err)
	}
	return tok
}

func TestStreamDeliversBacklogThenCompletion(t *testing.T) {
	controller, store := setupController(t, 0)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")

	store.UpsertAlbum(ctx, catalog.AlbumV1{ID: "album-a", OwnerID: "u1", Name: "A"})
	store.UpsertAlbum(ctx, catalog.AlbumV1{ID: "album-b", OwnerID: "u1", Name: "B"})

	sink := &capture{}
	err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"albums"}}, sink)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	got := sink.types()
	want := []catalog.EntityType{catalog.TypeAlbumV1, catalog.TypeAlbumV1, catalog.TypeSyncCompleteV1}
	if len(got) != len(want) {
		t.Fatalf("record types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record types = %v, want %v", got, want)
		}
	}
}

// A deletion after the committed ack arrives as exactly one delete record on
// the next open; already-acked rows are not re-sent.
func TestStreamResumesFromAckAndDeliversDeletes(t *testing.T) {
	controller, store := setupController(t, 0)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")

	store.UpsertAlbum(ctx, catalog.AlbumV1{ID: "album-a", OwnerID: "u1", Name: "A"})
	store.UpsertAlbum(ctx, catalog.AlbumV1{ID: "album-b", OwnerID: "u1", Name: "B"})

	first := &capture{}
	if err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"albums"}}, first); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	// Commit progress through the last album record.
	ack := lastAck(t, first.records[1])
	if err := store.AckBatch(ctx, "s1", []catalog.AckItem{{Type: catalog.TypeAlbumV1, Ack: ack}}); err != nil {
		t.Fatalf("AckBatch() error = %v", err)
	}

	if _, err := store.Delete(ctx, catalog.KindAlbum, "album-a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	second := &capture{}
	if err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"albums"}}, second); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	got := second.types()
	want := []catalog.EntityType{catalog.TypeAlbumDeleteV1, catalog.TypeSyncCompleteV1}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("record types = %v, want %v", got, want)
	}
	del := second.records[0].Data.(catalog.AlbumDeleteV1)
	if del.AlbumID != "album-a" {
		t.Errorf("delete names %q, want album-a", del.AlbumID)
	}
}

// Backfill for a type is delivered before that type's checkpointed records in
// the same open. The watermark ack on the final backfill record commits under
// the backfill type, never under the feed type.
func TestStreamBackfillPrecedesCheckpointedRecords(t *testing.T) {
	controller, store := setupController(t, 0)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")

	store.UpsertAsset(ctx, catalog.AssetV1{ID: "p-old", OwnerID: "partner", Type: "image"})
	ack, _ := store.UpsertAsset(ctx, catalog.AssetV1{ID: "own-1", OwnerID: "u1", Type: "image"})
	if err := store.AckBatch(ctx, "s1", []catalog.AckItem{{Type: catalog.TypeAssetV1, Ack: ack}}); err != nil {
		t.Fatalf("AckBatch() error = %v", err)
	}

	// Partnership granted after the ack, then one ordinary change.
	grant, _ := store.UpsertPartner(ctx, catalog.PartnerV1{SharedByID: "partner", SharedWithID: "u1"})
	store.UpsertAsset(ctx, catalog.AssetV1{ID: "own-2", OwnerID: "u1", Type: "image"})

	sink := &capture{}
	if err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"assets"}}, sink); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	backfillIdx, normalIdx := -1, -1
	var watermark *catalog.Record
	for i, rec := range sink.records {
		switch rec.Type {
		case catalog.TypeAssetBackfillV1:
			backfillIdx = i
			if rec.Ack != nil {
				r := rec
				watermark = &r
			}
		case catalog.TypeAssetV1:
			normalIdx = i
		}
	}
	if backfillIdx == -1 {
		t.Fatalf("no backfill record in %v", sink.types())
	}
	if normalIdx == -1 {
		t.Fatalf("no checkpointed record in %v", sink.types())
	}
	if backfillIdx > normalIdx {
		t.Errorf("backfill at %d delivered after checkpointed record at %d", backfillIdx, normalIdx)
	}
	if watermark == nil {
		t.Fatal("no backfill record carries the watermark ack")
	}
	if got := lastAck(t, *watermark); got != grant {
		t.Errorf("watermark = %s, want the partnership token %s", got, grant)
	}
	if key, _ := catalog.CheckpointType(watermark.Type); key != catalog.TypeAssetBackfillV1 {
		t.Errorf("watermark commits under %s, want %s", key, catalog.TypeAssetBackfillV1)
	}
}

// A partnership granted between the records a client applied and the ack it
// committed must still backfill on the next open: the trigger is the backfill
// watermark, not the feed cursor, so a transition token below the committed
// ack cannot strand the partner's pre-existing library.
func TestStreamBackfillsTransitionBelowCommittedAck(t *testing.T) {
	controller, store := setupController(t, 0)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")

	store.UpsertAsset(ctx, catalog.AssetV1{ID: "p-old", OwnerID: "partner", Type: "image"})
	store.UpsertPartner(ctx, catalog.PartnerV1{SharedByID: "partner", SharedWithID: "u1"})
	ack, _ := store.UpsertAsset(ctx, catalog.AssetV1{ID: "own-1", OwnerID: "u1", Type: "image"})
	// The committed feed cursor lands past the partnership token.
	if err := store.AckBatch(ctx, "s1", []catalog.AckItem{{Type: catalog.TypeAssetV1, Ack: ack}}); err != nil {
		t.Fatalf("AckBatch() error = %v", err)
	}

	sink := &capture{}
	if err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"assets"}}, sink); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var delivered []catalog.Record
	for _, rec := range sink.records {
		if rec.Type == catalog.TypeAssetBackfillV1 && rec.Data != nil {
			delivered = append(delivered, rec)
		}
	}
	if len(delivered) != 1 {
		t.Fatalf("backfill delivered %d assets, want the partner's pre-existing one; stream = %v",
			len(delivered), sink.types())
	}
	var a catalog.AssetV1
	if err := json.Unmarshal(delivered[0].Data.(json.RawMessage), &a); err != nil {
		t.Fatalf("payload decode error = %v", err)
	}
	if a.ID != "p-old" {
		t.Errorf("backfilled asset = %s, want p-old", a.ID)
	}

	// Committing the watermark quiets the next open.
	mark := lastAck(t, delivered[0])
	if err := store.AckBatch(ctx, "s1", []catalog.AckItem{{Type: catalog.TypeAssetBackfillV1, Ack: mark}}); err != nil {
		t.Fatalf("AckBatch(watermark) error = %v", err)
	}
	quiet := &capture{}
	if err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"assets"}}, quiet); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	for _, rec := range quiet.records {
		if rec.Type == catalog.TypeAssetBackfillV1 {
			t.Errorf("committed transition backfilled again: %v", quiet.types())
		}
	}
}

// A first open pins the backfill watermark at the current relationship
// frontier with an ack-only record; the baseline itself comes from the
// from-zero feed scan, undoubled.
func TestStreamFirstOpenPinsWatermark(t *testing.T) {
	controller, store := setupController(t, 0)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")

	store.UpsertAsset(ctx, catalog.AssetV1{ID: "p1", OwnerID: "partner", Type: "image"})
	grant, _ := store.UpsertPartner(ctx, catalog.PartnerV1{SharedByID: "partner", SharedWithID: "u1"})

	sink := &capture{}
	if err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"assets"}}, sink); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	feedAssets, pins := 0, 0
	for _, rec := range sink.records {
		switch rec.Type {
		case catalog.TypeAssetV1:
			feedAssets++
		case catalog.TypeAssetBackfillV1:
			if rec.Data != nil {
				t.Error("first open delivered backfill data alongside the baseline scan")
			}
			pins++
			if got := lastAck(t, rec); got != grant {
				t.Errorf("pinned watermark = %s, want %s", got, grant)
			}
		}
	}
	if feedAssets != 1 {
		t.Errorf("baseline delivered %d assets, want 1 (the partner's)", feedAssets)
	}
	if pins != 1 {
		t.Errorf("got %d watermark records, want 1", pins)
	}
}

func TestStreamResetFlagForcesFullScan(t *testing.T) {
	controller, store := setupController(t, 0)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")

	store.UpsertAlbum(ctx, catalog.AlbumV1{ID: "album-a", OwnerID: "u1", Name: "A"})

	first := &capture{}
	controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"albums"}}, first)
	ack := lastAck(t, first.records[0])
	store.AckBatch(ctx, "s1", []catalog.AckItem{{Type: catalog.TypeAlbumV1, Ack: ack}})

	// Without reset the backlog is empty.
	quiet := &capture{}
	controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"albums"}}, quiet)
	if len(quiet.records) != 1 || quiet.records[0].Type != catalog.TypeSyncCompleteV1 {
		t.Fatalf("caught-up stream = %v, want completion only", quiet.types())
	}

	reopened := &capture{}
	err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"albums"}, Reset: true}, reopened)
	if err != nil {
		t.Fatalf("Stream(reset) error = %v", err)
	}
	if len(reopened.records) != 2 || reopened.records[0].Type != catalog.TypeAlbumV1 {
		t.Fatalf("reset stream = %v, want full album scan", reopened.types())
	}
}

func TestStreamStaleCursorYieldsResetRecord(t *testing.T) {
	controller, store := setupController(t, time.Millisecond)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")

	stale := cursor.AtTime(time.Now().Add(-48 * time.Hour))
	if err := store.AckBatch(ctx, "s1", []catalog.AckItem{{Type: catalog.TypeAlbumV1, Ack: stale}}); err != nil {
		t.Fatalf("AckBatch() error = %v", err)
	}

	sink := &capture{}
	if err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"albums"}}, sink); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var reset *catalog.SyncResetV1
	sawComplete := false
	for _, rec := range sink.records {
		switch rec.Type {
		case catalog.TypeSyncResetV1:
			r := rec.Data.(catalog.SyncResetV1)
			reset = &r
		case catalog.TypeSyncCompleteV1:
			sawComplete = true
		}
	}
	if reset == nil {
		t.Fatalf("no reset record in %v", sink.types())
	}
	found := false
	for _, typ := range reset.Types {
		if typ == catalog.TypeAlbumV1 {
			found = true
		}
	}
	if !found {
		t.Errorf("reset record types = %v, want %s listed", reset.Types, catalog.TypeAlbumV1)
	}
	if !sawComplete {
		t.Error("stream with stale cursor did not complete")
	}
}

func TestStreamScopeExcludesStrangers(t *testing.T) {
	controller, store := setupController(t, 0)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")

	store.UpsertAsset(ctx, catalog.AssetV1{ID: "mine", OwnerID: "u1", Type: "image"})
	store.UpsertAsset(ctx, catalog.AssetV1{ID: "strangers", OwnerID: "u9", Type: "image"})

	sink := &capture{}
	if err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"assets"}}, sink); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	for _, rec := range sink.records {
		if rec.Type != catalog.TypeAssetV1 {
			continue
		}
		var a catalog.AssetV1
		if err := json.Unmarshal(rec.Data.(json.RawMessage), &a); err != nil {
			t.Fatalf("payload decode error = %v", err)
		}
		if a.OwnerID == "u9" {
			t.Errorf("stranger's asset %s delivered", a.ID)
		}
	}
}

func TestStreamRejectsUnknownGroupAndSession(t *testing.T) {
	controller, store := setupController(t, 0)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")

	err := controller.Stream(ctx, OpenRequest{SessionID: "s1", Groups: []string{"stickers"}}, &capture{})
	if !syncErrors.IsProtocol(err) {
		t.Errorf("unknown group error kind = %s, want %s", syncErrors.KindOf(err), syncErrors.KindProtocol)
	}

	err = controller.Stream(ctx, OpenRequest{SessionID: "ghost"}, &capture{})
	if !syncErrors.IsProtocol(err) {
		t.Errorf("unknown session error kind = %s, want %s", syncErrors.KindOf(err), syncErrors.KindProtocol)
	}
}
