package fmq

import (
	"fmt"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pulsereader/internal/httputil"
)

// Status summarizes the queue for the debug endpoint.
type Status struct {
	Path     string `json:"path"`
	NumSlots int64  `json:"num_slots"`
	Oldest   int64  `json:"oldest_msg_id"`
	Latest   int64  `json:"latest_msg_id"`
}

// Status reads the current queue bounds.
func (q *Queue) Status(r *http.Request) (Status, error) {
	latest, err := q.Latest(r.Context())
	if err != nil {
		return Status{}, err
	}
	return Status{
		Path:     q.path,
		NumSlots: q.numSlots,
		Oldest:   oldestFor(latest, q.numSlots),
		Latest:   latest,
	}, nil
}

// AttachAdminRoutes mounts live SQL debugging and a status endpoint for the
// queue under /debug/.
func (q *Queue) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+q.path, q.db, &tailsql.DBOptions{
		Label: "Pulse queue",
	})
	debug.Handle("tailsql/", "SQL live debugging of the pulse queue", tsql.NewMux())

	debug.HandleFunc("fmq", "Pulse queue bounds", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireGET(w, r) {
			return
		}
		st, err := q.Status(r)
		if err != nil {
			httputil.InternalServerError(w, err)
			return
		}
		httputil.WriteJSONOK(w, st)
	})
	return nil
}
