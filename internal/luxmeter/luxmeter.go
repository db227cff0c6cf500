package luxmeter

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ztkent/lux-meter/tsl2572"
)

//go:embed html/*
var templateFiles embed.FS

type LuxMeter struct {
	*tsl2572.TSL2572
	LuxResultsChan chan LuxResults
	ResultsDB      *sql.DB
	DBPath         string
	Interval       time.Duration
	Location       *time.Location
	Pid            int

	mu     sync.Mutex
	cancel context.CancelFunc
	jobID  string
	jobs   sync.WaitGroup
}

type LuxResults struct {
	tsl2572.Reading
	Infrared     float64
	Visible      float64
	FullSpectrum float64
	JobID        string
}

type Conditions struct {
	JobID                 string    `json:"jobID"`
	Lux                   float64   `json:"lux"`
	Ch0                   uint16    `json:"ch0"`
	Ch1                   uint16    `json:"ch1"`
	Gain                  float64   `json:"gain"`
	IntegrationTime       float64   `json:"integrationTime"`
	Converged             bool      `json:"converged"`
	FullSpectrum          float64   `json:"fullSpectrum"`
	Visible               float64   `json:"visible"`
	Infrared              float64   `json:"infrared"`
	RecordedAt            time.Time `json:"recordedAt"`
	DateRange             string    `json:"dateRange,omitempty"`
	RecordedHoursInRange  float64   `json:"recordedHoursInRange,omitempty"`
	FullSunlightInRange   float64   `json:"fullSunlightInRange,omitempty"`
	LightConditionInRange string    `json:"lightConditionInRange,omitempty"`
	AverageLuxInRange     float64   `json:"averageLuxInRange,omitempty"`
}

type Measurement struct {
	Lux             float64 `json:"lux"`
	Ch0             uint16  `json:"ch0"`
	Ch1             uint16  `json:"ch1"`
	Gain            float64 `json:"gain"`
	IntegrationTime float64 `json:"integrationTime"`
	Converged       bool    `json:"converged"`
	Saturated       bool    `json:"saturated"`
	Polls           int     `json:"polls"`
}

type Settings struct {
	ID              byte    `json:"id"`
	Model           string  `json:"model"`
	Gain            float64 `json:"gain"`
	GainDescription string  `json:"gainDescription"`
	IntegrationTime float64 `json:"integrationTime"`
}

const (
	MAX_JOB_DURATION = 8 * time.Hour
	RECORD_INTERVAL  = 30 * time.Second
	DB_PATH          = "luxmeter.db"
)

var errNoReadings = errors.New("no readings recorded")

// Running reports the ID of the active recording job, if any.
func (m *LuxMeter) Running() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobID, m.cancel != nil
}

// Start the sensor, and collect data in a loop
func (m *LuxMeter) Start() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.TSL2572 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}

		m.mu.Lock()
		if m.cancel != nil {
			m.mu.Unlock()
			ServeResponse(w, r, "The sensor is already started", http.StatusBadRequest)
			return
		}
		// Create a new context with a timeout to manage the sensor lifecycle
		ctx, cancel := context.WithTimeout(context.Background(), MAX_JOB_DURATION)
		jobID := uuid.New().String()
		m.cancel = cancel
		m.jobID = jobID
		m.jobs.Add(1)
		m.mu.Unlock()

		log.WithField("job_id", jobID).Info("It's going to be a bright day!")
		go m.runJob(ctx, jobID)
		ServeResponse(w, r, "Lux Reading Started", http.StatusOK)
	}
}

func (m *LuxMeter) runJob(ctx context.Context, jobID string) {
	logger := log.WithField("job_id", jobID)
	defer m.jobs.Done()
	defer m.finishJob(jobID)

	interval := m.Interval
	if interval <= 0 {
		interval = RECORD_INTERVAL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		reading, err := m.MeasureReading()
		switch {
		case err != nil:
			logger.WithError(err).Error("The sensor failed to measure")
		case reading.Saturated():
			logger.Warn("The sensor is saturated, attempting to set new optimal gain")
			if err := m.SetOptimalGain(); err != nil {
				logger.WithError(err).Error("The sensor failed to determine new optimal gain")
			} else {
				logger.Info("The sensor has been reconfigured with a new optimal gain")
			}
		default:
			result := LuxResults{
				Reading:      reading,
				Visible:      tsl2572.NormalizedOutput(tsl2572.TSL2572_VISIBLE, reading.Ch0, reading.Ch1),
				Infrared:     tsl2572.NormalizedOutput(tsl2572.TSL2572_INFRARED, reading.Ch0, reading.Ch1),
				FullSpectrum: tsl2572.NormalizedOutput(tsl2572.TSL2572_FULLSPECTRUM, reading.Ch0, reading.Ch1),
				JobID:        jobID,
			}
			select {
			case m.LuxResultsChan <- result:
			case <-ctx.Done():
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("Job Cancelled, stopping sensor")
			return
		case <-ticker.C:
		}
	}
}

func (m *LuxMeter) finishJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobID == jobID && m.cancel != nil {
		m.cancel()
		m.cancel = nil
		m.jobID = ""
	}
}

// Shutdown cancels any running job and waits for it to exit.
func (m *LuxMeter) Shutdown() {
	m.mu.Lock()
	if m.cancel != nil {
		log.WithField("job_id", m.jobID).Info("Shutting down, cancelling job")
		m.cancel()
		m.cancel = nil
		m.jobID = ""
	}
	m.mu.Unlock()
	m.jobs.Wait()
}

// Stop the sensor, and cancel the job context
func (m *LuxMeter) Stop() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.TSL2572 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}

		m.mu.Lock()
		if m.cancel == nil {
			m.mu.Unlock()
			ServeResponse(w, r, "The sensor is already stopped", http.StatusBadRequest)
			return
		}
		m.cancel()
		m.cancel = nil
		m.jobID = ""
		m.mu.Unlock()

		ServeResponse(w, r, "Lux Reading Stopped", http.StatusOK)
	}
}

// Take a single reading outside of any job
func (m *LuxMeter) ServeMeasurement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.TSL2572 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}
		reading, err := m.MeasureReading()
		if err != nil {
			log.WithError(err).Error("The sensor failed to measure")
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		serveData(w, r, Measurement{
			Lux:             reading.Lux,
			Ch0:             reading.Ch0,
			Ch1:             reading.Ch1,
			Gain:            reading.Gain,
			IntegrationTime: reading.IntegrationTime,
			Converged:       reading.Converged,
			Saturated:       reading.Saturated(),
			Polls:           reading.Polls,
		})
	}
}

// Read the sensor configuration, or apply gain/integration_time form values
func (m *LuxMeter) ServeSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.TSL2572 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}

		if r.Method == http.MethodPost {
			if err := m.applySettings(r); err != nil {
				var busErr *tsl2572.BusError
				if errors.As(err, &busErr) {
					ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
					return
				}
				ServeResponse(w, r, err.Error(), http.StatusBadRequest)
				return
			}
		}

		settings, err := m.readSettings()
		if err != nil {
			log.WithError(err).Error("Failed to read sensor settings")
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		serveData(w, r, settings)
	}
}

func (m *LuxMeter) applySettings(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return err
	}
	if v := r.FormValue("gain"); v != "" {
		gain, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid gain %q", v)
		}
		if err := m.SetGain(gain); err != nil {
			return err
		}
	}
	if v := r.FormValue("integration_time"); v != "" {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid integration_time %q", v)
		}
		if err := m.SetIntegrationTime(ms); err != nil {
			return err
		}
	}
	return nil
}

func (m *LuxMeter) readSettings() (Settings, error) {
	id, err := m.ID()
	if err != nil {
		return Settings{}, err
	}
	gain, err := m.Gain()
	if err != nil {
		return Settings{}, err
	}
	integrationTime, err := m.IntegrationTime()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		ID:              id,
		Model:           tsl2572.IDToString(id),
		Gain:            gain,
		GainDescription: tsl2572.GainToString(gain),
		IntegrationTime: integrationTime,
	}, nil
}

// Serve data about the most recent entry saved to the db
func (m *LuxMeter) CurrentConditions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conditions, err := m.getCurrentConditions()
		if errors.Is(err, errNoReadings) {
			ServeResponse(w, r, "No readings recorded", http.StatusNotFound)
			return
		} else if err != nil {
			log.WithError(err).Error("Failed to load current conditions")
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		serveData(w, r, conditions)
	}
}

// Return the most recent entry saved to the db
func (m *LuxMeter) getCurrentConditions() (Conditions, error) {
	if m.ResultsDB == nil {
		return Conditions{}, errNoReadings
	}
	conditions := Conditions{}
	row := m.ResultsDB.QueryRow(`
    SELECT job_id, lux, ch0, ch1, gain, integration_time, converged, full_spectrum, visible, infrared, created_at
    FROM readings ORDER BY id DESC LIMIT 1`)
	err := row.Scan(
		&conditions.JobID, &conditions.Lux, &conditions.Ch0, &conditions.Ch1,
		&conditions.Gain, &conditions.IntegrationTime, &conditions.Converged,
		&conditions.FullSpectrum, &conditions.Visible, &conditions.Infrared, &conditions.RecordedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Conditions{}, errNoReadings
	} else if err != nil {
		return Conditions{}, err
	}
	return conditions, nil
}

// Read from LuxResultsChan, write the results to sqlite
func (m *LuxMeter) MonitorAndRecordResults(ctx context.Context) {
	log.Info("Monitoring for new Lux Messages...")
	for {
		select {
		case result := <-m.LuxResultsChan:
			m.recordResult(result)
		case <-ctx.Done():
			return
		}
	}
}

func (m *LuxMeter) recordResult(result LuxResults) {
	logger := log.WithFields(log.Fields{"job_id": result.JobID, "lux": result.Lux, "converged": result.Converged})
	if math.IsInf(result.Lux, 0) || math.IsNaN(result.Lux) {
		logger.Warn("Lux is invalid, skipping record")
		return
	}
	_, err := m.ResultsDB.Exec(`
    INSERT INTO readings (job_id, lux, ch0, ch1, gain, integration_time, converged, full_spectrum, visible, infrared)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.JobID,
		result.Lux,
		result.Ch0,
		result.Ch1,
		result.Gain,
		result.IntegrationTime,
		result.Converged,
		result.FullSpectrum,
		result.Visible,
		result.Infrared,
	)
	if err != nil {
		logger.WithError(err).Error("Failed to record reading")
		return
	}
	logger.Debug("Recorded reading")
}

// Populate the response div with a message, or reply with a JSON message
func ServeResponse(w http.ResponseWriter, r *http.Request, message string, status int) {
	if isAPIRequest(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"message": message})
		return
	}

	tmpl, err := parseTemplateFile("html/response.gohtml")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, message); err != nil {
		log.WithError(err).Error("Failed to render response")
	}
}

// Reply with v as JSON, or as an indented block inside the response div
func serveData(w http.ResponseWriter, r *http.Request, v any) {
	if isAPIRequest(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(v)
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
		return
	}
	ServeResponse(w, r, string(data), http.StatusOK)
}

func isAPIRequest(r *http.Request) bool {
	return strings.Contains(r.URL.Path, "/api/v1/")
}

func parseTemplateFile(path string) (*template.Template, error) {
	content, err := templateFiles.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded template: %w", err)
	}

	tmpl, err := template.New(path).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return tmpl, nil
}
