package reader

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/pulsereader/internal/httputil"
	"github.com/banshee-data/pulsereader/internal/packet"
)

type infoEntry struct {
	Kind   string      `json:"kind"`
	Seq    int64       `json:"seq,omitempty"`
	Time   *time.Time  `json:"time,omitempty"`
	Active bool        `json:"active"`
	Body   packet.Body `json:"body,omitempty"`
}

// AttachAdminRoutes mounts the reader status, the current ops info
// snapshot and a power chart of the latest pulse under /debug/.
func (r *Reader) AttachAdminRoutes(mux *http.ServeMux) {
	r.keepLast.Store(true)
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Reader "+r.id.String()[:8], func() any {
		st := r.Status()
		return fmt.Sprintf("%s, %d pulses", st.State, st.Pulses)
	})
	debug.HandleFunc("reader", "Pulse reader status", func(w http.ResponseWriter, req *http.Request) {
		if httputil.RequireGET(w, req) {
			httputil.WriteJSONOK(w, r.Status())
		}
	})
	debug.HandleFunc("opsinfo", "Latest ops info packets", func(w http.ResponseWriter, req *http.Request) {
		if !httputil.RequireGET(w, req) {
			return
		}
		st := r.Status()
		out := make([]infoEntry, 0, len(packet.InfoKinds))
		for _, k := range packet.InfoKinds {
			e := st.info[k]
			ent := infoEntry{Kind: k.String(), Active: e.Active}
			if e.Active {
				ent.Seq, ent.Body = e.Seq, e.Body
				t := e.Time
				ent.Time = &t
			}
			out = append(out, ent)
		}
		httputil.WriteJSONOK(w, out)
	})
	debug.HandleFunc("power", "Power profile of the latest pulse", func(w http.ResponseWriter, req *http.Request) {
		if !httputil.RequireGET(w, req) {
			return
		}
		p := r.last.Load()
		if p == nil {
			httputil.WriteJSONError(w, http.StatusNotFound, "no pulse yet")
			return
		}
		var buf bytes.Buffer
		if err := p.RenderPowerChart(&buf); err != nil {
			httputil.InternalServerError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}
