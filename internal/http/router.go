// v1
// internal/http/router.go
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"nrgchamp/tagfusion/internal/anchor"
	"nrgchamp/tagfusion/internal/clock"
	"nrgchamp/tagfusion/internal/fusion"
	"nrgchamp/tagfusion/internal/report"
	"nrgchamp/tagfusion/internal/sighting"
)

// maxSightingsBody bounds POST /sightings bodies.
const maxSightingsBody = 4 << 20

// PipelineView is the subset of fusion.Pipeline served over HTTP.
type PipelineView interface {
	Anchors() *anchor.Table
	Positions() []report.Estimate
	Latest(tag string) (report.Estimate, bool)
	Tags() []fusion.TagState
	Tag(tag string) (fusion.TagState, bool)
	Stats() fusion.Stats
	Deliver(s sighting.Sighting) fusion.Outcome
	Reject(source string, err error)
}

// Deps are the collaborators of the router. Metrics and Hub are optional.
type Deps struct {
	Logger   *slog.Logger
	Health   *HealthState
	Pipeline PipelineView
	Hub      *Hub
	Metrics  http.Handler
	Clock    clock.Clock
}

// NewRouter wires all HTTP routes exposed by the tag fusion service.
func NewRouter(d Deps) *mux.Router {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	r := mux.NewRouter()
	r.Handle("/health", healthLiveHandler()).Methods(http.MethodGet)
	r.Handle("/health/live", healthLiveHandler()).Methods(http.MethodGet)
	r.Handle("/health/ready", healthReadyHandler(d.Health)).Methods(http.MethodGet)
	r.Handle("/anchors", anchorsHandler(d)).Methods(http.MethodGet)
	r.Handle("/positions", positionsHandler(d)).Methods(http.MethodGet)
	r.Handle("/positions/{mac}", positionHandler(d)).Methods(http.MethodGet)
	r.Handle("/tags", tagsHandler(d)).Methods(http.MethodGet)
	r.Handle("/tags/{mac}", tagHandler(d)).Methods(http.MethodGet)
	r.Handle("/stats", statsHandler(d)).Methods(http.MethodGet)
	r.Handle("/sightings", sightingsHandler(d)).Methods(http.MethodPost)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}
	if d.Hub != nil {
		r.Handle("/ws", d.Hub).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func healthLiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "OK")
	})
}

func healthReadyHandler(health *HealthState) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if health == nil || !health.Ready() {
			writeText(w, http.StatusServiceUnavailable, "NOT_READY")
			return
		}
		writeText(w, http.StatusOK, "OK")
	})
}

func anchorsHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(d.Logger, w, http.StatusOK, d.Pipeline.Anchors().All())
	})
}

func positionsHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ests := d.Pipeline.Positions()
		out := make([]report.Position, 0, len(ests))
		for _, est := range ests {
			out = append(out, report.Project(est))
		}
		writeJSON(d.Logger, w, http.StatusOK, out)
	})
}

func positionHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mac, err := sighting.NormalizeMAC(mux.Vars(r)["mac"])
		if err != nil {
			writeJSON(d.Logger, w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		est, ok := d.Pipeline.Latest(mac)
		if !ok {
			writeJSON(d.Logger, w, http.StatusNotFound, errorBody{Error: "no position for " + mac})
			return
		}
		writeJSON(d.Logger, w, http.StatusOK, report.Project(est))
	})
}

func tagsHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(d.Logger, w, http.StatusOK, d.Pipeline.Tags())
	})
}

func tagHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mac, err := sighting.NormalizeMAC(mux.Vars(r)["mac"])
		if err != nil {
			writeJSON(d.Logger, w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		st, ok := d.Pipeline.Tag(mac)
		if !ok {
			writeJSON(d.Logger, w, http.StatusNotFound, errorBody{Error: "tag " + mac + " not seen"})
			return
		}
		writeJSON(d.Logger, w, http.StatusOK, st)
	})
}

func statsHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(d.Logger, w, http.StatusOK, d.Pipeline.Stats())
	})
}

type errorBody struct {
	Error string `json:"error"`
}

// ingestResult summarizes one POST /sightings request.
type ingestResult struct {
	Accepted  int      `json:"accepted"`
	Duplicate int      `json:"duplicate"`
	Quiescent int      `json:"quiescent"`
	Malformed int      `json:"malformed"`
	Errors    []string `json:"errors,omitempty"`
}

func sightingsHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
			writeJSON(d.Logger, w, http.StatusUnsupportedMediaType, errorBody{Error: "expected a JSON body"})
			return
		}
		body := http.MaxBytesReader(w, r.Body, maxSightingsBody)
		defer body.Close()

		const source = "http"
		sightings, errs := sighting.DecodeBatch(body, d.Clock.Now())
		var res ingestResult
		for _, err := range errs {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(d.Logger, w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
				return
			}
			d.Pipeline.Reject(source, err)
			res.Malformed++
			res.Errors = append(res.Errors, err.Error())
		}
		for _, s := range sightings {
			switch d.Pipeline.Deliver(s) {
			case fusion.OutcomeAccepted:
				res.Accepted++
			case fusion.OutcomeDuplicate:
				res.Duplicate++
			case fusion.OutcomeQuiescent:
				res.Quiescent++
			}
		}
		status := http.StatusAccepted
		if len(sightings) == 0 {
			status = http.StatusBadRequest
		}
		writeJSON(d.Logger, w, status, res)
	})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Error("write_response_failed", slog.Any("err", err))
	}
}
