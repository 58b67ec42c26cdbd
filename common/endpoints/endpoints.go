// Package endpoints serves the admin paths every corral binary exposes:
// a health check and the stats registry rendered as JSON.
package endpoints

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/common/stats"
)

const (
	HealthPath  = "/health"
	MetricsPath = "/admin/metrics.json"
)

// NewAdminServer returns a server for addr rendering stat. Extra handlers may
// be mounted on Mux before Serve.
func NewAdminServer(addr string, stat stats.StatsReceiver) *AdminServer {
	s := &AdminServer{Addr: addr, Stats: stat, Mux: http.NewServeMux()}
	s.Mux.HandleFunc("/", helpHandler)
	s.Mux.HandleFunc(HealthPath, healthHandler)
	s.Mux.HandleFunc(MetricsPath, s.statsHandler)
	return s
}

type AdminServer struct {
	Addr  string
	Stats stats.StatsReceiver
	Mux   *http.ServeMux
}

func (s *AdminServer) Serve() error {
	log.Infof("Serving admin http & stats on %s", s.Addr)
	server := &http.Server{Addr: s.Addr, Handler: s.Mux, ReadHeaderTimeout: 10 * time.Second}
	return server.ListenAndServe()
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, fmt.Sprintf("Common paths: '%s', '%s'", HealthPath, MetricsPath), http.StatusNotImplemented)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *AdminServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	const contentTypeHdr = "Content-Type"
	const contentTypeVal = "application/json; charset=utf-8"
	w.Header().Set(contentTypeHdr, contentTypeVal)

	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// MakeStatsReceiver returns the process-wide receiver the admin server renders,
// scoped to the binary's name.
func MakeStatsReceiver(scope string) stats.StatsReceiver {
	s := stats.NewCustomStatsReceiver(stats.NewFinagleStatsRegistry)
	return s.Scope(scope).Precision(time.Millisecond)
}
