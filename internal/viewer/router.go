// Package viewer serves the rendered chat panel over local HTTP, together
// with health and metrics endpoints.
package viewer

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/tavern/chat-app/internal/metrics"
	"github.com/tavern/chat-app/internal/render"
	"github.com/tavern/chat-app/internal/session"
)

// Session is the part of the controller the viewer reports on.
type Session interface {
	State() session.ConnectionState
	Room() string
}

// RefreshSeconds is how often the panel page reloads itself.
const RefreshSeconds = 2

// NewRouter wires the viewer routes.
func NewRouter(panel *render.Panel, sess Session) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/panel", http.StatusFound)
	})

	r.Route("/panel", func(pr chi.Router) {
		pr.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeHTML(w, page(panel.HTML()))
		})
		pr.Get("/messages", func(w http.ResponseWriter, r *http.Request) {
			writeHTML(w, panel.MessagesHTML())
		})
		pr.Get("/players", func(w http.ResponseWriter, r *http.Request) {
			writeHTML(w, panel.CardsHTML())
		})
		pr.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeHTML(w, panel.StatusHTML())
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		state := sess.State()
		status := http.StatusOK
		if state != session.StateConnected {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"connection":   state.String(),
			"room":         sess.Room(),
			"participants": len(panel.Cards()),
		})
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(body)); err != nil {
		log.Debug().Err(err).Msg("[viewer] write response")
	}
}

func page(body string) string {
	return `<!DOCTYPE html><html><head><meta charset="utf-8">` +
		`<meta http-equiv="refresh" content="` + strconv.Itoa(RefreshSeconds) + `">` +
		`<title>Tavern chat</title></head><body>` + body + `</body></html>`
}
