package tsl2572

/*
 * tsl2572 - Package for interacting with TSL2572 ambient light sensors.
 *
 * Ref:
 * https://ams.com/documents/20143/36005/TSL2572_DS000178_4-00.pdf
 *
 */

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var l *logrus.Logger

func init() {
	l = newLogger(os.Getenv("LOG_LEVEL"))
}

// JSON logger on stdout at the given level, info when it doesn't parse.
func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.Formatter = &logrus.JSONFormatter{}
	logger.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// SetLogger replaces the package logger.
func SetLogger(logger *logrus.Logger) {
	if logger != nil {
		l = logger
	}
}

// ErrSaturated is returned by SetOptimalGain when no gain produced a usable reading.
var ErrSaturated = errors.New("tsl2572: all gain options are saturated")

// Config holds the bus location and the initial analog settings.
// Zero fields are replaced by the DefaultConfig values.
type Config struct {
	BusNumber       int
	Address         uint16
	Gain            float64
	IntegrationTime float64 // milliseconds
}

func DefaultConfig() Config {
	return Config{
		BusNumber:       TSL2572_BUS,
		Address:         TSL2572_ADDR,
		Gain:            TSL2572_GAIN_1X,
		IntegrationTime: 50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BusNumber == 0 {
		c.BusNumber = d.BusNumber
	}
	if c.Address == 0 {
		c.Address = d.Address
	}
	if c.Gain == 0 {
		c.Gain = d.Gain
	}
	if c.IntegrationTime == 0 {
		c.IntegrationTime = d.IntegrationTime
	}
	return c
}

// Reading is the outcome of one measurement cycle.
type Reading struct {
	Ch0             uint16
	Ch1             uint16
	Gain            float64
	IntegrationTime float64
	Lux             float64
	// Converged is false when the status register never reported a valid
	// conversion within the poll budget, the channels may then be stale.
	Converged bool
	Polls     int
}

// Saturated reports whether either ADC channel hit full scale.
func (r Reading) Saturated() bool {
	return r.Ch0 == 0xFFFF || r.Ch1 == 0xFFFF
}

type TSL2572 struct {
	regs   registerChannel
	closer BusCloser
	sleep  func(time.Duration)

	// Last values written to or decoded from the sensor
	gain            float64
	integrationTime float64
	*sync.Mutex
}

// Connect to a TSL2572 on /dev/i2c-<BusNumber> & set gain/timing.
// The returned sensor owns the bus, call Close to release it.
func NewTSL2572(cfg Config) (*TSL2572, error) {
	cfg = cfg.withDefaults()
	bus, err := OpenDevfs(cfg.BusNumber, cfg.Address)
	if err != nil {
		return nil, err
	}
	tsl, err := New(bus, cfg)
	if err != nil {
		bus.Close()
		return nil, err
	}
	tsl.closer = bus
	return tsl, nil
}

// New binds a sensor to an already addressed bus and writes the configured
// gain and integration time to the hardware. The bus stays owned by the caller.
func New(bus Bus, cfg Config) (*TSL2572, error) {
	cfg = cfg.withDefaults()
	tsl := &TSL2572{
		regs:  registerChannel{bus: bus},
		sleep: time.Sleep,
		Mutex: &sync.Mutex{},
	}

	id, err := tsl.regs.readByte(TSL2572_REGISTER_ID)
	if err != nil {
		return nil, fmt.Errorf("Failed to read device id: %w", err)
	}
	l.Debugf("Device ID: 0x%02X (%s)", id, IDToString(id))

	if err := tsl.setGain(cfg.Gain); err != nil {
		return nil, err
	}
	if err := tsl.setIntegrationTime(cfg.IntegrationTime); err != nil {
		return nil, err
	}
	return tsl, nil
}

// Close releases the bus if the sensor opened it.
func (tsl *TSL2572) Close() error {
	if tsl.closer == nil {
		return nil
	}
	return tsl.closer.Close()
}

// ID returns the raw device identification register.
func (tsl *TSL2572) ID() (byte, error) {
	tsl.Lock()
	defer tsl.Unlock()
	return tsl.regs.readByte(TSL2572_REGISTER_ID)
}

// Set the gain for the sensor. Anything other than 0.16, 1, 8 or 16 selects 120x.
func (tsl *TSL2572) SetGain(gain float64) error {
	tsl.Lock()
	defer tsl.Unlock()
	return tsl.setGain(gain)
}

func (tsl *TSL2572) setGain(gain float64) error {
	var config, control byte
	switch gain {
	case TSL2572_GAIN_0_16X:
		config, control = TSL2572_CONFIG_AGL, 0
	case TSL2572_GAIN_1X:
		config, control = 0, 0
	case TSL2572_GAIN_8X:
		config, control = 0, 1
	case TSL2572_GAIN_16X:
		config, control = 0, 2
	default:
		config, control = 0, 3
	}

	if err := tsl.regs.writeByte(TSL2572_REGISTER_CONFIG, config); err != nil {
		return err
	}
	if err := tsl.regs.writeByte(TSL2572_REGISTER_CONTROL, control); err != nil {
		return err
	}
	tsl.gain = decodeGain(config, control)
	return nil
}

// Gain reads the gain back from the sensor. Register combinations that
// SetGain never writes decode as 120.
func (tsl *TSL2572) Gain() (float64, error) {
	tsl.Lock()
	defer tsl.Unlock()
	return tsl.readGain()
}

func (tsl *TSL2572) readGain() (float64, error) {
	config, err := tsl.regs.readByte(TSL2572_REGISTER_CONFIG)
	if err != nil {
		return 0, err
	}
	control, err := tsl.regs.readByte(TSL2572_REGISTER_CONTROL)
	if err != nil {
		return 0, err
	}
	tsl.gain = decodeGain(config, control)
	return tsl.gain, nil
}

func decodeGain(config, control byte) float64 {
	agl := config & TSL2572_CONFIG_AGL
	again := control & TSL2572_CONTROL_AGAIN_MASK
	switch {
	case agl == TSL2572_CONFIG_AGL && again == 0:
		return TSL2572_GAIN_0_16X
	case agl == 0 && again == 0:
		return TSL2572_GAIN_1X
	case agl == 0 && again == 1:
		return TSL2572_GAIN_8X
	case agl == 0 && again == 2:
		return TSL2572_GAIN_16X
	default:
		return TSL2572_GAIN_120X
	}
}

// Set the integration time in milliseconds. Requests of 699ms or more
// write 0xFF, shorter ones are not range checked.
func (tsl *TSL2572) SetIntegrationTime(ms float64) error {
	tsl.Lock()
	defer tsl.Unlock()
	return tsl.setIntegrationTime(ms)
}

func (tsl *TSL2572) setIntegrationTime(ms float64) error {
	atime := integrationTimeToRegister(ms)
	if err := tsl.regs.writeByte(TSL2572_REGISTER_ATIME, atime); err != nil {
		return err
	}
	tsl.integrationTime = registerToIntegrationTime(atime)
	return nil
}

// IntegrationTime reads the timing register and converts it to an
// approximate duration in milliseconds.
func (tsl *TSL2572) IntegrationTime() (float64, error) {
	tsl.Lock()
	defer tsl.Unlock()
	return tsl.readIntegrationTime()
}

func (tsl *TSL2572) readIntegrationTime() (float64, error) {
	atime, err := tsl.regs.readByte(TSL2572_REGISTER_ATIME)
	if err != nil {
		return 0, err
	}
	tsl.integrationTime = registerToIntegrationTime(atime)
	return tsl.integrationTime, nil
}

func integrationTimeToRegister(ms float64) byte {
	if ms >= TSL2572_ATIME_CLAMP {
		return TSL2572_ATIME_MAX
	}
	// Truncate toward zero, then keep the low byte.
	return byte(int64(TSL2572_ATIME_CYCLES - ms/TSL2572_ATIME_STEP))
}

func registerToIntegrationTime(atime byte) float64 {
	return (TSL2572_ATIME_CYCLES - float64(atime)) * TSL2572_ATIME_STEP
}

// State returns the status register masked to the ALS valid and enable bits.
func (tsl *TSL2572) State() (byte, error) {
	tsl.Lock()
	defer tsl.Unlock()
	return tsl.state()
}

func (tsl *TSL2572) state() (byte, error) {
	status, err := tsl.regs.readByte(TSL2572_REGISTER_STATUS)
	if err != nil {
		return 0, err
	}
	return status & TSL2572_STATUS_MASK, nil
}

// Settings returns the last gain and integration time the driver
// wrote or read, without touching the bus.
func (tsl *TSL2572) Settings() (gain float64, integrationTime float64) {
	tsl.Lock()
	defer tsl.Unlock()
	return tsl.gain, tsl.integrationTime
}

// Measure runs one conversion and returns lux. A conversion that never
// reports valid within the poll budget is not an error, the lux is
// computed from whatever the data registers hold.
func (tsl *TSL2572) Measure() (float64, error) {
	reading, err := tsl.MeasureReading()
	if err != nil {
		return 0, err
	}
	return reading.Lux, nil
}

// MeasureReading is Measure with the raw channels and convergence flag.
func (tsl *TSL2572) MeasureReading() (Reading, error) {
	tsl.Lock()
	defer tsl.Unlock()
	return tsl.measure()
}

func (tsl *TSL2572) measure() (Reading, error) {
	// Capture the settings in effect for this conversion
	gain, err := tsl.readGain()
	if err != nil {
		return Reading{}, err
	}
	integrationTime, err := tsl.readIntegrationTime()
	if err != nil {
		return Reading{}, err
	}

	if err := tsl.stopALS(); err != nil {
		return Reading{}, err
	}
	if err := tsl.startALS(); err != nil {
		return Reading{}, err
	}

	reading := Reading{Gain: gain, IntegrationTime: integrationTime}
	for reading.Polls < TSL2572_POLL_ATTEMPTS {
		tsl.sleep(10 * time.Millisecond)
		reading.Polls++
		state, err := tsl.state()
		if err != nil {
			return Reading{}, err
		}
		if state == TSL2572_STATUS_MASK {
			reading.Converged = true
			break
		}
	}
	if !reading.Converged {
		l.Warnf("ALS did not report valid after %d polls, reading may be stale", reading.Polls)
	}

	if err := tsl.stopALS(); err != nil {
		return Reading{}, err
	}
	if err := tsl.setSleep(); err != nil {
		return Reading{}, err
	}

	// C0DATA, C0DATAH, C1DATA, C1DATAH
	data, err := tsl.regs.readBlock(TSL2572_REGISTER_C0DATA, 4)
	if err != nil {
		return Reading{}, err
	}
	l.Debugf("Bytes read: %v", data)
	reading.Ch0 = binary.LittleEndian.Uint16(data[0:])
	reading.Ch1 = binary.LittleEndian.Uint16(data[2:])
	l.Debugf("Channel 0: %v, Channel 1: %v", reading.Ch0, reading.Ch1)

	reading.Lux, err = CalculateLux(reading.Ch0, reading.Ch1, gain, integrationTime)
	if err != nil {
		return Reading{}, err
	}
	return reading, nil
}

func (tsl *TSL2572) stopALS() error {
	return tsl.regs.writeByte(TSL2572_REGISTER_ENABLE, TSL2572_ENABLE_PON)
}

func (tsl *TSL2572) startALS() error {
	return tsl.regs.writeByte(TSL2572_REGISTER_ENABLE, TSL2572_ENABLE_PON|TSL2572_ENABLE_AEN)
}

func (tsl *TSL2572) setSleep() error {
	return tsl.regs.writeByte(TSL2572_REGISTER_ENABLE, TSL2572_ENABLE_SLEEP)
}

// SetOptimalGain steps through the gains from most to least sensitive and
// keeps the first one that yields an unsaturated, non-zero reading.
func (tsl *TSL2572) SetOptimalGain() error {
	tsl.Lock()
	defer tsl.Unlock()

	gainOptions := []float64{TSL2572_GAIN_120X, TSL2572_GAIN_16X, TSL2572_GAIN_8X, TSL2572_GAIN_1X, TSL2572_GAIN_0_16X}
	for _, gain := range gainOptions {
		if err := tsl.setGain(gain); err != nil {
			return err
		}
		l.Debugf("Attempting - Gain: %v", GainToString(gain))
		reading, err := tsl.measure()
		if err != nil {
			var busErr *BusError
			if errors.As(err, &busErr) {
				return err
			}
			continue
		}
		if reading.Saturated() || reading.Lux == 0 {
			continue
		}
		l.Debugf("Set - Gain: %v", GainToString(gain))
		return nil
	}
	// Use default options
	if err := tsl.setGain(TSL2572_GAIN_1X); err != nil {
		return err
	}
	return ErrSaturated
}
