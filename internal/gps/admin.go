package gps

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/spotspray/internal/httputil"
)

// AttachAdminRoutes exposes the latest fix and ingestion counters under
// /debug/gps.
func (g *Ingester) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("GPS source", func() any { return g.dialer.String() })
	debug.HandleFunc("gps", "latest GNSS fix and ingestion counters", func(w http.ResponseWriter, r *http.Request) {
		fix, ok := g.cache.Snapshot()
		resp := struct {
			HasFix bool        `json:"has_fix"`
			Fix    *Fix        `json:"fix,omitempty"`
			Stats  IngestStats `json:"stats"`
		}{HasFix: ok, Stats: g.Stats()}
		if ok {
			resp.Fix = &fix
		}
		httputil.WriteJSONOK(w, resp)
	})
}
