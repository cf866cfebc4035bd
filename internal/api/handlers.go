package api

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
)

// Trusted identity headers set by the fronting session layer after it has
// authenticated the user.
const (
	userIdHeader      = "X-User-Id"
	displayNameHeader = "X-Display-Name"
)

func (s *CallRoomApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *CallRoomApp) health(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *CallRoomApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId := r.Header.Get(userIdHeader)
	if userId == "" {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	displayName := r.Header.Get(displayNameHeader)
	if displayName == "" {
		displayName = userId
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client, err := s.cs.NewClient(userId, displayName, conn)
	if err != nil {
		s.log.Println("error registering client:", err)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
