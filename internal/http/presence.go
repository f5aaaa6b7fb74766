package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-settlement/internal/models"
)

type locationBody struct {
	ID     string       `json:"id" validate:"required"`
	Loc    models.Coord `json:"loc"`
	Online *bool        `json:"online,omitempty"`
}

// handleDriverLocation applies one presence update. Online defaults to true
// for drivers that only report position.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := s.decode(r, &body, false); err != nil {
		s.fail(w, r, err)
		return
	}
	d := models.DriverLocation{ID: body.ID, Loc: body.Loc, Online: true, Updated: time.Now().UTC()}
	if body.Online != nil {
		d.Online = *body.Online
	}
	if err := s.presence.Apply(r.Context(), d); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

var upgrader = websocket.Upgrader{}

// handleWS registers a driver's assignment channel until the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	a := actorFromContext(r.Context())
	if a.Role != models.RoleSystem && (a.Role != models.RoleDriver || a.ID != id) {
		s.fail(w, r, errForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "driver_id", id, "err", err)
		return
	}
	s.ws.Add(id, conn)
	go func() {
		defer func() {
			s.ws.Remove(id, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
