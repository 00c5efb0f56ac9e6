// Package httptransport exposes the sync engine over HTTP: a newline-
// delimited JSON record stream plus JSON endpoints for ack, reset, session
// lifecycle and the legacy asset protocol.
//
// Authentication is external. The transport trusts the session and user
// identity headers placed by the upstream auth layer.
package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	syncengine "github.com/photofold/sync-engine"
	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
	syncErrors "github.com/photofold/sync-engine/errors"
	"github.com/photofold/sync-engine/legacy"
	"github.com/photofold/sync-engine/logging"
	"github.com/photofold/sync-engine/stream"
)

// Identity headers set by the upstream auth layer.
const (
	HeaderSessionID = "X-Sync-Session-Id"
	HeaderUserID    = "X-Sync-User-Id"
)

const component = "transport/http"

// Handler routes sync requests to an Engine.
type Handler struct {
	engine  *syncengine.Engine
	options *ServerOptions
	logger  *logging.Logger
}

// NewHandler creates a sync HTTP handler.
func NewHandler(engine *syncengine.Engine, opts ...ServerOption) *Handler {
	return &Handler{
		engine:  engine,
		options: applyServerOptions(opts...),
		logger:  logging.Default().WithComponent(component),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sync")
	switch path {
	case "/stream":
		h.handleStream(w, r)
	case "/ack":
		h.handleAck(w, r)
	case "/reset":
		h.handleReset(w, r)
	case "/session":
		h.handleSession(w, r)
	case "/full":
		h.handleFullSync(w, r)
	case "/delta":
		h.handleDeltaSync(w, r)
	default:
		http.NotFound(w, r)
	}
}

type streamRequest struct {
	Groups []string `json:"groups,omitempty"`
	Reset  bool     `json:"reset,omitempty"`
}

// handleStream drains the session backlog as newline-delimited JSON records,
// flushed per record so long backlogs reach slow clients incrementally.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, "missing "+HeaderSessionID+" header")
		return
	}
	var req streamRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)
	started := false

	err := h.engine.OpenStream(r.Context(), stream.OpenRequest{
		SessionID: sessionID,
		Groups:    req.Groups,
		Reset:     req.Reset,
	}, stream.SinkFunc(func(_ context.Context, rec catalog.Record) error {
		started = true
		if err := encoder.Encode(rec); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}))
	if err != nil {
		// Nothing sent yet: a proper status can still go out.
		if !started {
			respondWithError(w, statusForError(err), err.Error())
			return
		}
		h.logger.LogError(r.Context(), err, "stream aborted mid-flight")
	}
}

// ackRequest accepts either a single type/ack pair or a batch.
type ackRequest struct {
	Type catalog.EntityType    `json:"type,omitempty"`
	Ack  *cursor.WireCursor    `json:"ack,omitempty"`
	Acks []syncengine.AckEntry `json:"acks,omitempty"`
}

type ackResponse struct {
	Rejected []syncengine.AckRejection `json:"rejected,omitempty"`
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, "missing "+HeaderSessionID+" header")
		return
	}
	var req ackRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries := req.Acks
	if len(entries) == 0 && req.Type != "" {
		entries = []syncengine.AckEntry{{Type: req.Type, Ack: req.Ack}}
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	rejected, err := h.engine.Ack(ctx, sessionID, entries)
	if err != nil {
		respondWithError(w, statusForError(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, ackResponse{Rejected: rejected})
}

type resetRequest struct {
	Groups []string `json:"groups,omitempty"`
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, "missing "+HeaderSessionID+" header")
		return
	}
	var req resetRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()
	if err := h.engine.Reset(ctx, sessionID, req.Groups); err != nil {
		respondWithError(w, statusForError(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, "missing "+HeaderSessionID+" header")
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()
	switch r.Method {
	case http.MethodPost:
		userID := r.Header.Get(HeaderUserID)
		if userID == "" {
			respondWithError(w, http.StatusBadRequest, "missing "+HeaderUserID+" header")
			return
		}
		if err := h.engine.CreateSession(ctx, sessionID, userID); err != nil {
			respondWithError(w, statusForError(err), err.Error())
			return
		}
		respondWithJSON(w, http.StatusCreated, map[string]bool{"success": true})
	case http.MethodDelete:
		if err := h.engine.DeleteSession(ctx, sessionID); err != nil {
			respondWithError(w, statusForError(err), err.Error())
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleFullSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		respondWithError(w, http.StatusBadRequest, "missing "+HeaderUserID+" header")
		return
	}
	var req legacy.FullSyncRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = userID

	ctx, cancel := h.requestContext(r)
	defer cancel()
	assets, err := h.engine.FullSync(ctx, req)
	if err != nil {
		respondWithError(w, statusForError(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

func (h *Handler) handleDeltaSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		respondWithError(w, http.StatusBadRequest, "missing "+HeaderUserID+" header")
		return
	}
	var req legacy.DeltaSyncRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = userID

	ctx, cancel := h.requestContext(r)
	defer cancel()
	resp, err := h.engine.DeltaSync(ctx, req)
	if err != nil {
		respondWithError(w, statusForError(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// requestContext derives the context for one non-streaming request, applying
// the configured timeout. Streaming is exempt: draining a large backlog to a
// slow client may legitimately outlive any fixed bound.
func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.options.RequestTimeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), h.options.RequestTimeout)
}

// decodeBody decodes a size-limited JSON request body. An empty body decodes
// to the zero request.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.options.MaxRequestSize)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// statusForError maps the engine's error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch syncErrors.KindOf(err) {
	case syncErrors.KindProtocol:
		return http.StatusBadRequest
	case syncErrors.KindCursorInvalid:
		return http.StatusConflict
	case syncErrors.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
