package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/amora-app/call-engine/internal/history"
	"github.com/amora-app/call-engine/internal/media"
	"github.com/amora-app/call-engine/internal/session"
	"github.com/amora-app/call-engine/internal/signaling"
)

// CallAPI is the slice of the session machine the control plane drives.
type CallAPI interface {
	Initiate(ctx context.Context, sessionID, peerID string, kind signaling.CallType) error
	Accept(ctx context.Context) error
	Reject() error
	End() error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	FlipCamera(ctx context.Context) error
	State() session.Snapshot
}

// Recents reads the local call log.
type Recents interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

type initiateRequest struct {
	SessionID string             `json:"sessionId"`
	PeerID    string             `json:"peerId"`
	CallType  signaling.CallType `json:"callType"`
}

func (s *Server) registerCallRoutes() {
	s.mux.HandleFunc("GET /call/state", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.calls.State())
	})

	s.mux.HandleFunc("POST /call", func(w http.ResponseWriter, r *http.Request) {
		var req initiateRequest
		if err := decodeStrict(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.calls.Initiate(r.Context(), req.SessionID, req.PeerID, req.CallType); err != nil {
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.calls.State())
	})

	s.mux.HandleFunc("POST /call/accept", func(w http.ResponseWriter, r *http.Request) {
		if err := s.calls.Accept(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.calls.State())
	})

	s.mux.HandleFunc("POST /call/reject", func(w http.ResponseWriter, r *http.Request) {
		if err := s.calls.Reject(); err != nil {
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.calls.State())
	})

	s.mux.HandleFunc("POST /call/end", func(w http.ResponseWriter, r *http.Request) {
		if err := s.calls.End(); err != nil {
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.calls.State())
	})

	s.mux.HandleFunc("POST /call/audio", func(w http.ResponseWriter, r *http.Request) {
		enabled, err := s.calls.ToggleAudio()
		if err != nil {
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"audioEnabled": enabled})
	})

	s.mux.HandleFunc("POST /call/video", func(w http.ResponseWriter, r *http.Request) {
		enabled, err := s.calls.ToggleVideo()
		if err != nil {
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"videoEnabled": enabled})
	})

	s.mux.HandleFunc("POST /call/camera/flip", func(w http.ResponseWriter, r *http.Request) {
		if err := s.calls.FlipCamera(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.calls.State())
	})

	s.mux.HandleFunc("GET /call/history", func(w http.ResponseWriter, r *http.Request) {
		if s.recents == nil {
			writeError(w, http.StatusNotFound, errors.New("history not enabled"))
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 500 {
				writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 500"))
				return
			}
			limit = n
		}
		recs, err := s.recents.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if recs == nil {
			recs = []history.Record{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"calls": recs})
	})
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}

// writeCallError maps the machine's error taxonomy onto HTTP statuses.
func writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, session.ErrNoActiveCall):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrSignalingUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, media.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, media.ErrNoDevice), errors.Is(err, session.ErrNotVideoCall):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}
