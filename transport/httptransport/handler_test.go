package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	syncengine "github.com/photofold/sync-engine"
	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
	"github.com/photofold/sync-engine/storage/sqlite"
)

func setupHandler(t *testing.T) (*Handler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.NewWithDataSource(filepath.Join(t.TempDir(), "http_test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine, err := syncengine.NewBuilder().WithStore(store).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return NewHandler(engine), store
}

func doRequest(t *testing.T, h *Handler, method, path string, headers map[string]string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeStream(t *testing.T, body string) []catalog.Record {
	t.Helper()
	var records []catalog.Record
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw struct {
			Type catalog.EntityType `json:"type"`
			Ack  *cursor.WireCursor `json:"ack"`
			Data json.RawMessage    `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			t.Fatalf("stream line does not decode: %v\n%s", err, line)
		}
		records = append(records, catalog.Record{Type: raw.Type, Ack: raw.Ack, Data: raw.Data})
	}
	return records
}

func TestStreamEndpointDeliversNDJSON(t *testing.T) {
	handler, store := setupHandler(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")
	store.UpsertAsset(ctx, catalog.AssetV1{ID: "a1", OwnerID: "u1", Type: "image"})

	rec := doRequest(t, handler, http.MethodPost, "/sync/stream",
		map[string]string{HeaderSessionID: "s1"},
		map[string]interface{}{"groups": []string{"assets"}})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
	}

	records := decodeStream(t, rec.Body.String())
	if len(records) != 2 {
		t.Fatalf("got %d records, want asset + completion", len(records))
	}
	if records[0].Type != catalog.TypeAssetV1 {
		t.Errorf("first record type = %s, want %s", records[0].Type, catalog.TypeAssetV1)
	}
	if records[1].Type != catalog.TypeSyncCompleteV1 {
		t.Errorf("last record type = %s, want %s", records[1].Type, catalog.TypeSyncCompleteV1)
	}
}

func TestStreamEndpointRequiresSessionHeader(t *testing.T) {
	handler, _ := setupHandler(t)
	rec := doRequest(t, handler, http.MethodPost, "/sync/stream", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStreamEndpointUnknownSession(t *testing.T) {
	handler, _ := setupHandler(t)
	rec := doRequest(t, handler, http.MethodPost, "/sync/stream",
		map[string]string{HeaderSessionID: "ghost"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAckEndpointRoundTrip(t *testing.T) {
	handler, store := setupHandler(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")
	store.UpsertAsset(ctx, catalog.AssetV1{ID: "a1", OwnerID: "u1", Type: "image"})

	streamRec := doRequest(t, handler, http.MethodPost, "/sync/stream",
		map[string]string{HeaderSessionID: "s1"},
		map[string]interface{}{"groups": []string{"assets"}})
	records := decodeStream(t, streamRec.Body.String())

	// Single-pair form.
	rec := doRequest(t, handler, http.MethodPost, "/sync/ack",
		map[string]string{HeaderSessionID: "s1"},
		map[string]interface{}{"type": records[0].Type, "ack": records[0].Ack})
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp ackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode ack response: %v", err)
	}
	if len(resp.Rejected) != 0 {
		t.Errorf("rejections = %v, want none", resp.Rejected)
	}

	// The next open is caught up.
	again := doRequest(t, handler, http.MethodPost, "/sync/stream",
		map[string]string{HeaderSessionID: "s1"},
		map[string]interface{}{"groups": []string{"assets"}})
	records = decodeStream(t, again.Body.String())
	if len(records) != 1 || records[0].Type != catalog.TypeSyncCompleteV1 {
		t.Errorf("post-ack stream = %d records, want completion only", len(records))
	}
}

func TestAckEndpointReportsRejections(t *testing.T) {
	handler, store := setupHandler(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")

	wire, _ := cursor.MarshalWire(store.Clock().Next())
	rec := doRequest(t, handler, http.MethodPost, "/sync/ack",
		map[string]string{HeaderSessionID: "s1"},
		map[string]interface{}{"acks": []map[string]interface{}{
			{"type": "StickerV1", "ack": wire},
			{"type": string(catalog.TypeAssetV1), "ack": wire},
		}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp ackResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Rejected) != 1 || resp.Rejected[0].Type != "StickerV1" {
		t.Errorf("rejected = %v, want the unknown type only", resp.Rejected)
	}
}

func TestResetEndpoint(t *testing.T) {
	handler, store := setupHandler(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")
	store.AckBatch(ctx, "s1", []catalog.AckItem{{Type: catalog.TypeAssetV1, Ack: store.Clock().Next()}})

	rec := doRequest(t, handler, http.MethodPost, "/sync/reset",
		map[string]string{HeaderSessionID: "s1"},
		map[string]interface{}{"groups": []string{"assets"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	acks, _ := store.GetAcks(ctx, "s1")
	if len(acks) != 0 {
		t.Errorf("checkpoints after reset = %v, want none", acks)
	}
}

func TestSessionEndpointLifecycle(t *testing.T) {
	handler, store := setupHandler(t)

	rec := doRequest(t, handler, http.MethodPost, "/sync/session",
		map[string]string{HeaderSessionID: "s1", HeaderUserID: "u1"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if user, err := store.SessionUser(context.Background(), "s1"); err != nil || user != "u1" {
		t.Fatalf("SessionUser() = %q, %v", user, err)
	}

	rec = doRequest(t, handler, http.MethodDelete, "/sync/session",
		map[string]string{HeaderSessionID: "s1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := store.SessionUser(context.Background(), "s1"); err != sqlite.ErrSessionNotFound {
		t.Errorf("session survived delete: %v", err)
	}
}

func TestLegacyEndpoints(t *testing.T) {
	handler, store := setupHandler(t)
	ctx := context.Background()
	store.UpsertAsset(ctx, catalog.AssetV1{ID: "a1", OwnerID: "u1", Type: "image"})

	rec := doRequest(t, handler, http.MethodPost, "/sync/full",
		map[string]string{HeaderUserID: "u1"},
		map[string]interface{}{"updatedUntil": time.Now().Add(time.Minute), "limit": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("full sync status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var full struct {
		Assets []catalog.AssetV1 `json:"assets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &full); err != nil {
		t.Fatalf("decode full sync response: %v", err)
	}
	if len(full.Assets) != 1 || full.Assets[0].ID != "a1" {
		t.Errorf("assets = %v, want [a1]", full.Assets)
	}

	rec = doRequest(t, handler, http.MethodPost, "/sync/delta",
		map[string]string{HeaderUserID: "u1"},
		map[string]interface{}{"updatedAfter": time.Now().Add(-time.Minute), "userIds": []string{"u1"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("delta sync status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler, _ := setupHandler(t)
	rec := doRequest(t, handler, http.MethodGet, "/sync/ack",
		map[string]string{HeaderSessionID: "s1"}, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	handler, _ := setupHandler(t)
	rec := doRequest(t, handler, http.MethodPost, "/sync/unknown", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
