package wstransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	syncengine "github.com/photofold/sync-engine"
	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
	"github.com/photofold/sync-engine/storage/sqlite"
)

func setupServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.NewWithDataSource(filepath.Join(t.TempDir(), "ws_test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine, err := syncengine.NewBuilder().WithStore(store).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	server := httptest.NewServer(NewHandler(engine))
	t.Cleanup(server.Close)
	return server, store
}

func dial(t *testing.T, server *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set(HeaderSessionID, sessionID)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// wireRecord is the client-side view of a stream record.
type wireRecord struct {
	Type catalog.EntityType `json:"type"`
	Ack  *cursor.WireCursor `json:"ack"`
	Data json.RawMessage    `json:"data"`
}

func readStream(t *testing.T, conn *websocket.Conn) []wireRecord {
	t.Helper()
	var records []wireRecord
	for {
		var rec wireRecord
		if err := conn.ReadJSON(&rec); err != nil {
			t.Fatalf("read stream: %v", err)
		}
		records = append(records, rec)
		if rec.Type == catalog.TypeSyncCompleteV1 {
			return records
		}
	}
}

func TestWebsocketStreamAndAck(t *testing.T) {
	server, store := setupServer(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "u1")
	store.UpsertAsset(ctx, catalog.AssetV1{ID: "a1", OwnerID: "u1", Type: "image"})

	conn := dial(t, server, "s1")

	if err := conn.WriteJSON(clientMessage{Action: "open", Groups: []string{"assets"}}); err != nil {
		t.Fatalf("write open: %v", err)
	}
	records := readStream(t, conn)
	if len(records) != 2 || records[0].Type != catalog.TypeAssetV1 {
		t.Fatalf("stream records = %+v, want asset then completion", records)
	}

	// Commit progress on the same socket.
	ack := syncengine.AckEntry{Type: records[0].Type, Ack: records[0].Ack}
	if err := conn.WriteJSON(clientMessage{Action: "ack", Acks: []syncengine.AckEntry{ack}}); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	var result serverMessage
	if err := conn.ReadJSON(&result); err != nil {
		t.Fatalf("read ack result: %v", err)
	}
	if result.Action != "ack-result" || len(result.Rejected) != 0 {
		t.Fatalf("ack result = %+v", result)
	}

	// Reopening on the same socket is caught up.
	if err := conn.WriteJSON(clientMessage{Action: "open", Groups: []string{"assets"}}); err != nil {
		t.Fatalf("write reopen: %v", err)
	}
	records = readStream(t, conn)
	if len(records) != 1 || records[0].Type != catalog.TypeSyncCompleteV1 {
		t.Errorf("post-ack stream = %+v, want completion only", records)
	}
}

func TestWebsocketUnknownAction(t *testing.T) {
	server, store := setupServer(t)
	store.CreateSession(context.Background(), "s1", "u1")

	conn := dial(t, server, "s1")
	if err := conn.WriteJSON(clientMessage{Action: "subscribe"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Action != "error" {
		t.Errorf("response action = %q, want error", msg.Action)
	}
}

func TestWebsocketRequiresSessionHeader(t *testing.T) {
	server, _ := setupServer(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without session header succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("response = %+v, want 400", resp)
	}
}
