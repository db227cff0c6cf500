package luxmeter

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/ztkent/lux-meter/internal/tools"
)

// NewRouter wires the dashboard, the JSON API and service identification.
func NewRouter(m *LuxMeter) *chi.Mux {
	r := chi.NewRouter()
	// Log requests and recover from panics
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logrus.StandardLogger(), NoColor: true}))
	r.Use(handleServerPanic)

	// Lux Meter Dashboard Controls
	r.With(tools.CheckInNetwork).Get("/", m.ServeDashboard())
	r.Route("/luxmeter", func(r chi.Router) {
		r.Use(tools.CheckInNetwork)
		r.Get("/start", m.Start())
		r.Get("/stop", m.Stop())
		r.Get("/measure", m.ServeMeasurement())
		r.Get("/settings", m.ServeSettings())
		r.Post("/settings", m.ServeSettings())
		r.Get("/current-conditions", m.CurrentConditions())
		r.Get("/export", m.ServeResultsDB())
		r.Post("/graph", m.ServeResultsGraph())
		r.Get("/status", m.ServeSensorStatus())
		r.Post("/results", m.ServeResultsTab())
	})

	// Lux Meter API, these serve a JSON response
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/start", m.Start())
		r.Get("/stop", m.Stop())
		r.Get("/measure", m.ServeMeasurement())
		r.Get("/settings", m.ServeSettings())
		r.Post("/settings", m.ServeSettings())
		r.Get("/current-conditions", m.CurrentConditions())
		r.Get("/export", m.ServeResultsDB())
	})

	// Route for service identification
	r.Get("/id", func(w http.ResponseWriter, r *http.Request) {
		response := struct {
			ServiceName string `json:"service_name"`
			Pid         int    `json:"pid"`
		}{
			ServiceName: "Lux Meter",
			Pid:         m.Pid,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(response)
	})
	return r
}

func handleServerPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logrus.WithField("panic", err).Error("Recovered from handler panic")
				ServeResponse(w, r, fmt.Sprintf("%v", err), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
