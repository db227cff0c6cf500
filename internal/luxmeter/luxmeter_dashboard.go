package luxmeter

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	log "github.com/sirupsen/logrus"
	"github.com/ztkent/lux-meter/internal/tools"
	"github.com/ztkent/lux-meter/tsl2572"
)

// Reference lux levels drawn behind the readings
var luxLevels = []struct {
	Lux   int
	Title string
	Color string
}{
	{Lux: 500, Title: "Shade", Color: "DarkGrey"},
	{Lux: 1000, Title: "Partial Shade", Color: "WhiteSmoke"},
	{Lux: 10000, Title: "Partial Sun", Color: "SkyBlue"},
	{Lux: 25000, Title: "Full Sun", Color: "Yellow"},
}

// Serve the sqlite db for download
func (m *LuxMeter) ServeResultsDB() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbPath := m.DBPath
		if dbPath == "" {
			dbPath = DB_PATH
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(dbPath)))
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, dbPath)
	}
}

// Serve the homepage
func (m *LuxMeter) ServeDashboard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileContent, err := templateFiles.ReadFile("html/dashboard.html")
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to read embedded html file: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write(fileContent)
	}
}

// Status of the sensor and the recording job
func (m *LuxMeter) ServeSensorStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := parseTemplateFile("html/status.gohtml")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		type Status struct {
			Connected       bool
			Running         bool
			JobID           string
			Gain            string
			IntegrationTime string
		}
		status := Status{}
		if m.TSL2572 != nil {
			status.Connected = true
			status.JobID, status.Running = m.Running()
			gain, integrationTime := m.TSL2572.Settings()
			status.Gain = tsl2572.GainToString(gain)
			status.IntegrationTime = fmt.Sprintf("%.2fms", integrationTime)
		}

		if err := tmpl.Execute(w, status); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// Serve the results graph
func (m *LuxMeter) ServeResultsGraph() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.ResultsDB == nil {
			ServeResponse(w, r, errNoReadings.Error(), http.StatusNotFound)
			return
		}
		// Get the date range for the graph from the request
		startDate, endDate := tools.ParseStartAndEndDate(r, m.Location)

		rows, err := m.ResultsDB.Query("SELECT lux, created_at FROM readings WHERE created_at BETWEEN ? AND ? ORDER BY created_at", startDate, endDate)
		if err != nil {
			log.WithError(err).Error("Failed to query readings")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		// Prepare the data for the chart
		var luxValues []opts.LineData
		var timeValues []string
		maxLux := 0
		for rows.Next() {
			var lux float64
			var createdAt time.Time
			if err := rows.Scan(&lux, &createdAt); err != nil {
				log.WithError(err).Error("Failed to scan reading")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if lux > float64(maxLux) {
				// Round up to the nearest 5000
				maxLux = int(math.Ceil(lux/5000) * 5000)
			}
			luxValues = append(luxValues, opts.LineData{Value: lux})
			timeValues = append(timeValues, createdAt.Format("2006-01-02 15:04:05"))
		}
		if err := rows.Err(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{
				Theme:     types.ThemeChalk,
				PageTitle: "Lux Meter",
			}),
			charts.WithXAxisOpts(opts.XAxis{
				Name: "Time",
			}),
			charts.WithYAxisOpts(opts.YAxis{
				Name: "Lux",
				Min:  "0",
				Max:  fmt.Sprintf("%d", maxLux),
			}),
			charts.WithTooltipOpts(opts.Tooltip{
				Show:      true,
				Trigger:   "axis",
				TriggerOn: "mousemove",
			}),
			charts.WithToolboxOpts(opts.Toolbox{
				Show: true,
				Feature: &opts.ToolBoxFeature{
					SaveAsImage: &opts.ToolBoxFeatureSaveAsImage{
						Show:  true,
						Title: "Save as Image",
						Name:  "lux-meter",
					},
				},
			}),
		)
		line.SetXAxis(timeValues)
		for _, level := range luxLevels {
			data := make([]opts.LineData, len(timeValues))
			for i := range data {
				data[i] = opts.LineData{Value: level.Lux}
			}
			line.AddSeries(level.Title, data, charts.WithLineChartOpts(opts.LineChart{
				Color: level.Color,
			}))
		}
		line.AddSeries("Lux", luxValues)

		page := components.NewPage()
		page.AddCharts(line)

		w.Header().Set("Content-Type", "text/html")
		if err := page.Render(w); err != nil {
			log.WithError(err).Error("Failed to render graph")
			return
		}
		// Trigger an update for the results tab
		w.Write([]byte(`<div id='resultUpdateTrigger' hx-post='/luxmeter/results' hx-target='#resultsContent' hx-trigger='load'></div>`))
	}
}

// Update the info in the results tab
func (m *LuxMeter) ServeResultsTab() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conditions, err := m.getCurrentConditions()
		if err != nil && !errors.Is(err, errNoReadings) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		startDate, endDate := tools.ParseStartAndEndDate(r, m.Location)
		conditions, err = m.getHistoricalConditions(conditions, startDate, endDate)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		tmpl, err := parseTemplateFile("html/results.gohtml")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		type ConditionsForDisplay struct {
			JobID                 string
			Lux                   string
			Converged             bool
			FullSpectrum          string
			Visible               string
			Infrared              string
			DateRange             string
			RecordedHoursInRange  string
			FullSunlightInRange   string
			LightConditionInRange string
			AverageLuxInRange     string
			StartDate             string
			EndDate               string
		}
		err = tmpl.Execute(w, ConditionsForDisplay{
			JobID:                 conditions.JobID,
			Lux:                   fmt.Sprintf("%.4f", conditions.Lux),
			Converged:             conditions.Converged,
			FullSpectrum:          fmt.Sprintf("%.4f", conditions.FullSpectrum),
			Visible:               fmt.Sprintf("%.4f", conditions.Visible),
			Infrared:              fmt.Sprintf("%.4f", conditions.Infrared),
			DateRange:             conditions.DateRange,
			RecordedHoursInRange:  fmt.Sprintf("%.4f", conditions.RecordedHoursInRange),
			FullSunlightInRange:   fmt.Sprintf("%.4f", conditions.FullSunlightInRange),
			LightConditionInRange: conditions.LightConditionInRange,
			AverageLuxInRange:     fmt.Sprintf("%.4f", conditions.AverageLuxInRange),
			StartDate:             startDate,
			EndDate:               endDate,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// Summarise the readings recorded between startDate and endDate
func (m *LuxMeter) getHistoricalConditions(conditions Conditions, startDate string, endDate string) (Conditions, error) {
	if m.ResultsDB == nil {
		return conditions, nil
	}
	conditions.DateRange = fmt.Sprintf("%s - %s UTC", startDate, endDate)

	row := m.ResultsDB.QueryRow(`
    SELECT
        COALESCE(AVG(lux), 0),
        COALESCE(MIN(created_at), ''),
        COALESCE(MAX(created_at), '')
    FROM readings
    WHERE created_at BETWEEN ? AND ?`, startDate, endDate)
	var oldest, mostRecent sql.NullString
	if err := row.Scan(&conditions.AverageLuxInRange, &oldest, &mostRecent); err != nil {
		return conditions, err
	}
	if oldest.String == "" || mostRecent.String == "" {
		conditions.LightConditionInRange = "No Data in Range"
		return conditions, nil
	}

	// Minutes where the average lux was above 10k
	var fullSunMinutes int
	err := m.ResultsDB.QueryRow(`
    SELECT COUNT(*)
    FROM (
        SELECT AVG(lux) as avg_lux
        FROM readings
        WHERE created_at BETWEEN ? AND ?
        GROUP BY strftime('%Y-%m-%d %H:%M', created_at)
    )
    WHERE avg_lux > 10000`, startDate, endDate).Scan(&fullSunMinutes)
	if err != nil {
		return conditions, err
	}
	conditions.FullSunlightInRange = float64(fullSunMinutes) / 60

	first, last, err := parseRecordedRange(oldest.String, mostRecent.String)
	if err != nil {
		return conditions, err
	}
	conditions.RecordedHoursInRange = last.Sub(first).Hours()
	conditions.LightConditionInRange = classifyLight(conditions.FullSunlightInRange, conditions.RecordedHoursInRange)
	return conditions, nil
}

// created_at is stored by sqlite as text but may come back RFC3339 formatted
func parseRecordedRange(oldest, mostRecent string) (time.Time, time.Time, error) {
	first, last, err := tools.StartAndEndDateToTime(oldest, mostRecent)
	if err == nil {
		return first, last, nil
	}
	first, err = time.Parse(time.RFC3339, oldest)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	last, err = time.Parse(time.RFC3339, mostRecent)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return first, last, nil
}

// classifyLight buckets the share of recorded hours spent in full sun.
func classifyLight(fullSunHours, recordedHours float64) string {
	if recordedHours <= 0 {
		if fullSunHours > 0 {
			return "Full Sun"
		}
		return "Shade"
	}
	thresholds := []struct {
		share float64
		label string
	}{
		{0.5, "Full Sun"},
		{0.25, "Partial Sun"},
		{0.1, "Partial Shade"},
	}
	ratio := fullSunHours / recordedHours
	for _, t := range thresholds {
		if ratio > t.share {
			return t.label
		}
	}
	return "Shade"
}
