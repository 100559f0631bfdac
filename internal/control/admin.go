package control

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/spotspray/internal/httputil"
)

// AttachAdminRoutes exposes loop counters under /debug/control.
func (l *Loop) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Frames processed", func() any { return l.Frames() })
	debug.HandleFunc("control", "control loop counters and last FPS report", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, l.Status())
	})
}
