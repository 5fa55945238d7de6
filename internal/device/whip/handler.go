package whip

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const maxSDPSize = 64 << 10

// ErrResourceNotFound is returned by a Backend for an unknown user/sensor.
var ErrResourceNotFound = errors.New("whip resource not found")

// Backend attaches WHIP publishers to sessions.
type Backend interface {
	// Publish attaches sensorID to the session of userID and returns the
	// SDP answer.
	Publish(ctx context.Context, userID, sensorID, offer string) (string, error)
	// Trickle forwards one candidate to a previously published sensor.
	Trickle(ctx context.Context, userID, sensorID string, candidate json.RawMessage) error
}

// Handler serves the WHIP endpoints:
//
//	POST  /whip/{userId}/{sensorId}   body: SDP offer     → 201, body: SDP answer
//	PATCH /whip/{userId}/{sensorId}   body: sdpfrag       → 204
//
// The ETag returned on POST must be sent back in If-Match on PATCH.
type Handler struct {
	backend Backend
	logger  *slog.Logger

	mu    sync.Mutex
	etags map[string]string
}

// NewHandler creates a WHIP handler.
func NewHandler(backend Backend, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{backend: backend, logger: logger, etags: make(map[string]string)}
}

// Register mounts the WHIP routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /whip/{userId}/{sensorId}", h.handlePublish)
	mux.HandleFunc("PATCH /whip/{userId}/{sensorId}", h.handleTrickle)
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	userID, sensorID := r.PathValue("userId"), r.PathValue("sensorId")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSDPSize))
	if err != nil || len(body) == 0 {
		http.Error(w, "missing offer", http.StatusBadRequest)
		return
	}

	answer, err := h.backend.Publish(r.Context(), userID, sensorID, string(body))
	if err != nil {
		h.forget(userID, sensorID)
		h.logger.Error("whip publish failed", "user", userID, "sensor", sensorID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	etag := `"` + uuid.New().String() + `"`
	h.mu.Lock()
	h.etags[resourceKey(userID, sensorID)] = etag
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", r.URL.Path)
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, answer)
}

func (h *Handler) handleTrickle(w http.ResponseWriter, r *http.Request) {
	userID, sensorID := r.PathValue("userId"), r.PathValue("sensorId")

	h.mu.Lock()
	etag, ok := h.etags[resourceKey(userID, sensorID)]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if match := r.Header.Get("If-Match"); match != "*" && match != etag {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSDPSize))
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	for _, candidate := range ParseSDPFragment(string(body)) {
		raw, err := candidateJSON(candidate)
		if err == nil {
			err = h.backend.Trickle(r.Context(), userID, sensorID, raw)
		}
		if errors.Is(err, ErrResourceNotFound) {
			h.forget(userID, sensorID)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			h.logger.Error("whip trickle failed", "user", userID, "sensor", sensorID, "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// forget drops the ETag of a resource the backend no longer knows.
func (h *Handler) forget(userID, sensorID string) {
	h.mu.Lock()
	delete(h.etags, resourceKey(userID, sensorID))
	h.mu.Unlock()
}

func candidateJSON(c webrtc.ICECandidateInit) (json.RawMessage, error) {
	return json.Marshal(c)
}

func resourceKey(userID, sensorID string) string {
	return userID + "/" + sensorID
}
