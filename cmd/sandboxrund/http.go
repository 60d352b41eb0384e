package main

import (
	"encoding/json"
	"net/http"

	"github.com/sandboxrun/sandboxrun/internal/logging"
	"github.com/sandboxrun/sandboxrun/session"
)

var httpLog = logging.L("http")

// launchRequest is the body of POST /sessions, per spec.md §6: app_id
// names the application to launch, owner_id names whose storage root to
// mount (omitted or equal to the caller's own id means an owner
// session; any other value means a client session against a share).
type launchRequest struct {
	AppID   string `json:"app_id"`
	OwnerID string `json:"owner_id"`
}

type launchResponse struct {
	SessionID    string `json:"session_id"`
	SignalingURL string `json:"signaling_url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// launchHandler authenticates the caller, resolves the owner id and
// asks the session manager to create and launch a session, returning
// the id the client then opens a signaling WebSocket against.
func launchHandler(auth Authenticator, mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		userID, ok := auth.Authenticate(r)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req launchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if req.AppID == "" {
			writeError(w, http.StatusBadRequest, "app_id is required")
			return
		}
		ownerID := req.OwnerID
		if ownerID == "" {
			ownerID = userID
		}

		sessionID, err := mgr.CreateSession(userID, ownerID, req.AppID)
		if err != nil {
			httpLog.Warn("session launch rejected", "userId", userID, "ownerId", ownerID, "appId", req.AppID, "error", err)
			writeError(w, http.StatusConflict, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, launchResponse{
			SessionID:    sessionID,
			SignalingURL: "/signal",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// Authenticator is declared locally rather than imported from signaling
// so this file doesn't need to know about WebSocket upgrades to check
// who's allowed to launch a session.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, ok bool)
}
