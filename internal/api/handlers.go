package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"yuzu/companion/internal/auth"
	"yuzu/companion/internal/capture"
	"yuzu/companion/internal/events"
	"yuzu/companion/internal/guardian"
	"yuzu/companion/internal/orchestrator"
	"yuzu/companion/internal/types"
)

// Session is the part of the session controller the HTTP surface drives.
type Session interface {
	PressMic(ctx context.Context) error
	ReleaseMic(ctx context.Context) error
	Session() types.Session
	LastMode() types.DialogueMode
	Events() *events.Store
}

// Usage is the parent-facing side of the guardian.
type Usage interface {
	Status(ctx context.Context) (guardian.Status, error)
	SetRules(ctx context.Context, r types.UsageRules) error
}

type Handlers struct {
	session       Session
	usage         Usage
	device        http.HandlerFunc
	connected     func() bool
	parentSecret  string
	tokenSkewSecs int
}

type Options struct {
	// Device serves the device websocket; Connected reports whether one is attached.
	Device        http.HandlerFunc
	Connected     func() bool
	ParentSecret  string
	TokenSkewSecs int
}

func NewHandlers(s Session, u Usage, opts Options) *Handlers {
	return &Handlers{
		session:       s,
		usage:         u,
		device:        opts.Device,
		connected:     opts.Connected,
		parentSecret:  opts.ParentSecret,
		tokenSkewSecs: opts.TokenSkewSecs,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error, extra map[string]any) {
	body := map[string]any{"ok": false, "error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := h.session.Session()
	connected := false
	if h.connected != nil {
		connected = h.connected()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":          sess,
		"dialogue_mode":    h.session.LastMode(),
		"device_connected": connected,
	})
}

func (h *Handlers) HandlePress(w http.ResponseWriter, r *http.Request) {
	err := h.session.PressMic(r.Context())
	var locked *orchestrator.LockedError
	var capErr *capture.CaptureError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": h.session.Session().Mode})
	case errors.As(err, &locked):
		writeError(w, http.StatusLocked, err, map[string]any{"lock": locked.Lock})
	case errors.Is(err, capture.ErrAlreadyRecording):
		writeError(w, http.StatusConflict, err, nil)
	case errors.As(err, &capErr):
		writeError(w, http.StatusServiceUnavailable, err, map[string]any{"reason": capErr.Reason})
	default:
		writeError(w, http.StatusInternalServerError, err, nil)
	}
}

func (h *Handlers) HandleRelease(w http.ResponseWriter, r *http.Request) {
	err := h.session.ReleaseMic(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": h.session.Session().Mode})
	case errors.Is(err, capture.ErrNotRecording):
		writeError(w, http.StatusConflict, err, nil)
	default:
		writeError(w, http.StatusInternalServerError, err, nil)
	}
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	evs := h.session.Events().List()
	writeJSON(w, http.StatusOK, map[string]any{
		"turn_id": h.session.Session().TurnID,
		"events":  evs,
	})
}

func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	st, err := h.usage.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) HandlePutRules(w http.ResponseWriter, r *http.Request) {
	if h.parentSecret == "" {
		http.Error(w, "parent auth not configured", http.StatusUnauthorized)
		return
	}
	token := auth.BearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if _, _, err := auth.ValidateToken(h.parentSecret, token, auth.SubjectParent, time.Now(), h.tokenSkewSecs); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	var rules types.UsageRules
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rules); err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}
	if err := h.usage.SetRules(r.Context(), rules); err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}
	h.session.Events().Append("rules_updated", map[string]any{"rules": rules})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rules": rules})
}

func (h *Handlers) HandleDeviceWS(w http.ResponseWriter, r *http.Request) {
	if h.device == nil {
		http.Error(w, "device bridge not configured", http.StatusServiceUnavailable)
		return
	}
	h.device(w, r)
}
