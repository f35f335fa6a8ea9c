package introspection

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"

	"github.com/hamicek/nexus/event"
)

// Router mounts the node-local introspection surface as an http.Handler:
//
//	GET /servers        server list with stats
//	GET /supervisors    supervisor list with children
//	GET /tree           process-tree view
//	GET /cluster/nodes  cluster view from heartbeat gossip
//	GET /events         websocket stream of lifecycle events
//
// The router is optional; nothing in the runtime core serves HTTP unless the
// embedding application mounts this. bus may be nil to disable /events.
func Router(c *Collector, bus *event.Bus) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Use(httprate.LimitByIP(100, time.Minute))

	r.Get("/servers", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, c.ListServers())
	})
	r.Get("/supervisors", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, c.ListSupervisors())
	})
	r.Get("/tree", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, c.ProcessTree())
	})
	r.Get("/cluster/nodes", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, c.ClusterNodes())
	})
	if bus != nil {
		r.Get("/events", eventsHandler(bus))
	}
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
