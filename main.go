package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ztkent/lux-meter/internal/luxmeter"
	"github.com/ztkent/lux-meter/internal/tools"
	"github.com/ztkent/lux-meter/tsl2572"
)

/*
	This is the primary entry point for the Lux Meter application.
	It should be running at startup, on a Raspberry Pi, with the TSL2572 sensor connected.
*/

type config struct {
	BusBackend      string
	BusNumber       int
	Address         uint16
	Gain            float64
	IntegrationTime float64
	RecordInterval  time.Duration
	DBPath          string
	LogLevel        string
	LogFile         string
	Timezone        string
	SSL             bool
	Port            string
}

func main() {
	cfg := loadConfig()
	logger, err := tools.SetupLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	tsl2572.SetLogger(logger)

	pid := os.Getpid()
	log.WithField("pid", pid).Info("LuxMeter starting")

	// connect to the lux sensor
	device, closeBus, err := openSensor(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to the TSL2572 sensor: %v", err)
	}
	defer closeBus()

	// connect to the sqlite database
	luxDB, err := tools.ConnectSqlite(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to the sqlite database: %v", err)
	}
	defer luxDB.Close()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warnf("Unknown timezone %q, using UTC: %v", cfg.Timezone, err)
		loc = time.UTC
	}

	meter := &luxmeter.LuxMeter{
		TSL2572:        device,
		ResultsDB:      luxDB,
		DBPath:         cfg.DBPath,
		LuxResultsChan: make(chan luxmeter.LuxResults),
		Interval:       cfg.RecordInterval,
		Location:       loc,
		Pid:            pid,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Listen for any result messages from our jobs, record them in sqlite
	go meter.MonitorAndRecordResults(ctx)

	server := &http.Server{
		Handler:           luxmeter.NewRouter(meter),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		meter.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if cfg.SSL {
		// Generate a self-signed certificate if one doesn't exist
		if err := tools.EnsureCertificate("cert.pem", "key.pem"); err != nil {
			log.Fatalf("Failed to prepare certificate: %v", err)
		}
		server.Addr = ":443"
		log.Infof("Starting HTTPS server on port %s", "443")
		err = server.ListenAndServeTLS("cert.pem", "key.pem")
	} else {
		server.Addr = ":" + cfg.Port
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Info("LuxMeter stopped")
}

// openSensor returns the sensor and a func that releases its bus.
func openSensor(cfg config) (*tsl2572.TSL2572, func() error, error) {
	sensorCfg := tsl2572.Config{
		BusNumber:       cfg.BusNumber,
		Address:         cfg.Address,
		Gain:            cfg.Gain,
		IntegrationTime: cfg.IntegrationTime,
	}
	switch cfg.BusBackend {
	case "periph":
		bus, err := tsl2572.OpenPeriph(strconv.Itoa(cfg.BusNumber), cfg.Address)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("Using periph bus %s", bus)
		device, err := tsl2572.New(bus, sensorCfg)
		if err != nil {
			bus.Close()
			return nil, nil, err
		}
		return device, bus.Close, nil
	default:
		device, err := tsl2572.NewTSL2572(sensorCfg)
		if err != nil {
			return nil, nil, err
		}
		return device, device.Close, nil
	}
}

func loadConfig() config {
	return config{
		BusBackend:      strings.ToLower(getEnv("BUS_BACKEND", "devfs")),
		BusNumber:       getEnvInt("I2C_BUS", tsl2572.TSL2572_BUS),
		Address:         uint16(getEnvInt("I2C_ADDR", int(tsl2572.TSL2572_ADDR))),
		Gain:            getEnvFloat("GAIN", tsl2572.TSL2572_GAIN_1X),
		IntegrationTime: getEnvFloat("INTEGRATION_TIME_MS", 50),
		RecordInterval:  getEnvDuration("RECORD_INTERVAL", luxmeter.RECORD_INTERVAL),
		DBPath:          getEnv("DB_PATH", luxmeter.DB_PATH),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFile:         getEnv("LOG_FILE", "luxmeter.log"),
		Timezone:        getEnv("TZ", "UTC"),
		SSL:             os.Getenv("SSL") == "true",
		Port:            getEnv("PORT", "80"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Accepts decimal or 0x prefixed values
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 0, 32)
	if err != nil {
		log.Warnf("Invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return int(n)
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warnf("Invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warnf("Invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
