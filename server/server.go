// Package server exposes the progress of a calibration run over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speetb/indi-allsky/darks"
)

// ErrNoReading is returned by the temperature route before the first
// sensor reading of a run
var ErrNoReading = errors.New("no temperature reading yet")

// FloatT is the JSON body {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// Route is an HTTP method and path
type Route struct {
	Method string
	Path   string
}

func (r Route) String() string {
	return r.Method + " " + r.Path
}

// RouteTable maps routes to handlers
type RouteTable map[Route]http.HandlerFunc

// Endpoints lists the routes in the table, sorted
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.String())
	}
	sort.Strings(routes)
	return routes
}

// Bind adds the routes to r, along with GET /route-list which returns the
// endpoints as JSON
func (rt RouteTable) Bind(r chi.Router) {
	for route, meth := range rt {
		r.Method(route.Method, route.Path, meth)
	}
	r.Get("/route-list", func(w http.ResponseWriter, r *http.Request) {
		Reply(w, rt.Endpoints())
	})
}

// Reply encodes v as JSON
func Reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, ErrNoReading) {
				code = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), code)
			return
		}
		Reply(w, FloatT{F64: f})
	}
}

// GetStatus returns the run progress as JSON
func GetStatus(s *darks.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		Reply(w, s.Snapshot())
	}
}

// Temperature reads the last sensor temperature from the run status
func Temperature(s *darks.Status) func() (float64, error) {
	return func() (float64, error) {
		snap := s.Snapshot()
		if !snap.Measured {
			return 0, ErrNoReading
		}
		return snap.Temperature, nil
	}
}

// NewRouter builds the status routes.  A nil gatherer serves the default
// prometheus registry.
func NewRouter(s *darks.Status, g prometheus.Gatherer) chi.Router {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	rt := RouteTable{
		{http.MethodGet, "/status"}:      GetStatus(s),
		{http.MethodGet, "/temperature"}: GetFloat(Temperature(s)),
	}
	rt.Bind(r)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return r
}

// ListenAndServe serves h on addr until ctx is done
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		<-errs
		return nil
	}
}
