package sampler

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/spotspray/internal/httputil"
)

// AttachAdminRoutes exposes pool counters under /debug/sampler. storage
// may be nil.
func (p *Pool) AttachAdminRoutes(mux *http.ServeMux, storage *StorageMonitor) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Sample mode", func() any { return p.cfg.Mode })
	debug.HandleFunc("sampler", "sample archival queue and worker counters", func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Stats       Stats    `json:"stats"`
			Dir         string   `json:"dir"`
			StorageUsed *float64 `json:"storage_used,omitempty"`
			StorageFull bool     `json:"storage_full"`
		}{Stats: p.Stats(), Dir: p.cfg.Dir}
		if storage != nil {
			used := storage.UsedFraction()
			resp.StorageUsed = &used
			resp.StorageFull = storage.Full()
		}
		httputil.WriteJSONOK(w, resp)
	})
}
