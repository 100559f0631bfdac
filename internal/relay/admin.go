package relay

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/spotspray/internal/httputil"
)

// AttachAdminRoutes exposes lane states and counters under /debug/relays,
// plus a POST endpoint that forces every relay off.
func (s *Scheduler) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Relay lanes", func() any { return len(s.lanes) })
	debug.HandleFunc("relays", "relay lane states and actuation counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, struct {
			Lanes []LaneState `json:"lanes"`
			Stats Stats       `json:"stats"`
		}{s.States(), s.Stats()})
	})
	debug.HandleSilentFunc("relays-off", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		if err := s.AllOff(); err != nil {
			httputil.InternalServerError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
