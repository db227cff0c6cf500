package tsl2572

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWrite struct {
	command byte
	data    []byte
}

// fakeBus is an in-memory register file addressed by command number.
type fakeBus struct {
	regs        map[byte]byte
	writes      []fakeWrite
	status      func() byte
	data        func(f *fakeBus) []byte
	failOn      map[byte]error
	statusReads int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		regs:   map[byte]byte{TSL2572_REGISTER_ID: TSL2572_ID_TSL25721},
		failOn: map[byte]error{},
	}
}

func (f *fakeBus) ReadReg(reg byte, buf []byte) error {
	if reg&TSL2572_COMMAND_BIT == 0 {
		return errors.New("command bit not set")
	}
	command := reg &^ TSL2572_COMMAND_BIT
	if err := f.failOn[command]; err != nil {
		return err
	}
	switch {
	case command == TSL2572_REGISTER_STATUS && f.status != nil:
		f.statusReads++
		buf[0] = f.status()
		return nil
	case command == TSL2572_REGISTER_C0DATA && f.data != nil:
		copy(buf, f.data(f))
		return nil
	}
	for i := range buf {
		buf[i] = f.regs[command+byte(i)]
	}
	return nil
}

func (f *fakeBus) WriteReg(reg byte, buf []byte) error {
	if reg&TSL2572_COMMAND_BIT == 0 {
		return errors.New("command bit not set")
	}
	command := reg &^ TSL2572_COMMAND_BIT
	if err := f.failOn[command]; err != nil {
		return err
	}
	f.writes = append(f.writes, fakeWrite{command: command, data: append([]byte(nil), buf...)})
	for i, b := range buf {
		f.regs[command+byte(i)] = b
	}
	return nil
}

func (f *fakeBus) setChannels(ch0, ch1 uint16) {
	f.regs[TSL2572_REGISTER_C0DATA] = byte(ch0)
	f.regs[TSL2572_REGISTER_C0DATA+1] = byte(ch0 >> 8)
	f.regs[TSL2572_REGISTER_C0DATA+2] = byte(ch1)
	f.regs[TSL2572_REGISTER_C0DATA+3] = byte(ch1 >> 8)
}

func (f *fakeBus) enableWrites() []byte {
	var values []byte
	for _, w := range f.writes {
		if w.command == TSL2572_REGISTER_ENABLE {
			values = append(values, w.data...)
		}
	}
	return values
}

func newTestSensor(t *testing.T, bus *fakeBus) (*TSL2572, *int) {
	t.Helper()
	tsl, err := New(bus, DefaultConfig())
	require.NoError(t, err)
	sleeps := 0
	tsl.sleep = func(d time.Duration) {
		assert.Equal(t, 10*time.Millisecond, d)
		sleeps++
	}
	bus.writes = nil
	return tsl, &sleeps
}

func TestNewLoggerLevels(t *testing.T) {
	tests := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"WARN":    logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"verbose": logrus.InfoLevel,
	}
	for level, want := range tests {
		assert.Equal(t, want, newLogger(level).GetLevel(), level)
	}
}

func TestNewWritesDefaultsToHardware(t *testing.T) {
	bus := newFakeBus()
	tsl, err := New(bus, Config{})
	require.NoError(t, err)

	require.Len(t, bus.writes, 3)
	assert.Equal(t, fakeWrite{TSL2572_REGISTER_CONFIG, []byte{0x00}}, bus.writes[0])
	assert.Equal(t, fakeWrite{TSL2572_REGISTER_CONTROL, []byte{0x00}}, bus.writes[1])
	// 256 - 50/2.73 = 237.68
	assert.Equal(t, fakeWrite{TSL2572_REGISTER_ATIME, []byte{237}}, bus.writes[2])

	gain, integrationTime := tsl.Settings()
	assert.Equal(t, 1.0, gain)
	assert.InDelta(t, 19*2.73, integrationTime, 1e-9)
	assert.NoError(t, tsl.Close())
}

func TestNewPropagatesBusError(t *testing.T) {
	bus := newFakeBus()
	bus.failOn[TSL2572_REGISTER_ID] = errors.New("nak")
	_, err := New(bus, DefaultConfig())
	var busErr *BusError
	require.ErrorAs(t, err, &busErr)
	assert.Equal(t, TSL2572_REGISTER_ID, busErr.Command)
	assert.Equal(t, "read", busErr.Op)
}

func TestID(t *testing.T) {
	bus := newFakeBus()
	bus.regs[TSL2572_REGISTER_ID] = 0x3D
	tsl, _ := newTestSensor(t, bus)
	id, err := tsl.ID()
	require.NoError(t, err)
	assert.Equal(t, byte(0x3D), id)
	assert.Equal(t, "TSL25723/TSL25727", IDToString(id))
}

func TestGainRoundTrip(t *testing.T) {
	tests := []struct {
		gain    float64
		config  byte
		control byte
	}{
		{gain: 0.16, config: 0x04, control: 0},
		{gain: 1, config: 0, control: 0},
		{gain: 8, config: 0, control: 1},
		{gain: 16, config: 0, control: 2},
	}
	for _, tt := range tests {
		t.Run(GainToString(tt.gain), func(t *testing.T) {
			bus := newFakeBus()
			tsl, _ := newTestSensor(t, bus)
			require.NoError(t, tsl.SetGain(tt.gain))
			assert.Equal(t, tt.config, bus.regs[TSL2572_REGISTER_CONFIG])
			assert.Equal(t, tt.control, bus.regs[TSL2572_REGISTER_CONTROL])

			got, err := tsl.Gain()
			require.NoError(t, err)
			assert.Equal(t, tt.gain, got)
		})
	}
}

func TestGainFallsBackTo120(t *testing.T) {
	for _, gain := range []float64{120, 0, -1, 2, 0.5, 25, 1000} {
		bus := newFakeBus()
		tsl, _ := newTestSensor(t, bus)
		require.NoError(t, tsl.SetGain(gain))
		assert.Equal(t, byte(0), bus.regs[TSL2572_REGISTER_CONFIG])
		assert.Equal(t, byte(3), bus.regs[TSL2572_REGISTER_CONTROL])

		got, err := tsl.Gain()
		require.NoError(t, err)
		assert.Equal(t, 120.0, got, "gain %v", gain)
	}
}

func TestGainUnknownCombinationDecodesAs120(t *testing.T) {
	bus := newFakeBus()
	tsl, _ := newTestSensor(t, bus)
	bus.regs[TSL2572_REGISTER_CONFIG] = TSL2572_CONFIG_AGL
	bus.regs[TSL2572_REGISTER_CONTROL] = 0x02

	got, err := tsl.Gain()
	require.NoError(t, err)
	assert.Equal(t, 120.0, got)
}

func TestGainIgnoresUnrelatedBits(t *testing.T) {
	bus := newFakeBus()
	tsl, _ := newTestSensor(t, bus)
	bus.regs[TSL2572_REGISTER_CONFIG] = 0xFB
	bus.regs[TSL2572_REGISTER_CONTROL] = 0xF1

	got, err := tsl.Gain()
	require.NoError(t, err)
	assert.Equal(t, 8.0, got)
}

func TestIntegrationTimeClamp(t *testing.T) {
	for _, ms := range []float64{699, 700, 5000} {
		bus := newFakeBus()
		tsl, _ := newTestSensor(t, bus)
		require.NoError(t, tsl.SetIntegrationTime(ms))
		assert.Equal(t, byte(0xFF), bus.regs[TSL2572_REGISTER_ATIME])

		got, err := tsl.IntegrationTime()
		require.NoError(t, err)
		assert.InDelta(t, 2.73, got, 1e-9)
	}
}

func TestIntegrationTimeRoundTripWithinOneStep(t *testing.T) {
	bus := newFakeBus()
	tsl, _ := newTestSensor(t, bus)
	for ms := 1.0; ms < 699; ms++ {
		require.NoError(t, tsl.SetIntegrationTime(ms))
		got, err := tsl.IntegrationTime()
		require.NoError(t, err)
		assert.InDelta(t, ms, got, TSL2572_ATIME_STEP+1e-9, "ms %v", ms)
	}
}

func TestIntegrationTimeHasNoLowerClamp(t *testing.T) {
	tests := []struct {
		ms   float64
		want byte
	}{
		{ms: 2.7, want: 255},
		{ms: 0, want: 0x00},   // 256 wraps
		{ms: -10, want: 0x03}, // 259.66 truncates to 259, wraps
	}
	for _, tt := range tests {
		bus := newFakeBus()
		tsl, _ := newTestSensor(t, bus)
		require.NoError(t, tsl.SetIntegrationTime(tt.ms))
		assert.Equal(t, tt.want, bus.regs[TSL2572_REGISTER_ATIME], "ms %v", tt.ms)
	}
}

func TestStateMasksValidAndEnableBits(t *testing.T) {
	bus := newFakeBus()
	tsl, _ := newTestSensor(t, bus)
	bus.regs[TSL2572_REGISTER_STATUS] = 0xFF
	state, err := tsl.State()
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), state)

	bus.regs[TSL2572_REGISTER_STATUS] = 0x01
	state, err = tsl.State()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), state)
}

func TestMeasureConverged(t *testing.T) {
	bus := newFakeBus()
	tsl, sleeps := newTestSensor(t, bus)
	require.NoError(t, tsl.SetIntegrationTime(50))
	bus.writes = nil
	bus.setChannels(100, 20)

	statuses := []byte{0x00, 0x01, 0x11, 0x11}
	bus.status = func() byte {
		s := statuses[0]
		statuses = statuses[1:]
		return s
	}

	reading, err := tsl.MeasureReading()
	require.NoError(t, err)

	assert.True(t, reading.Converged)
	assert.Equal(t, 3, reading.Polls)
	assert.Equal(t, 3, *sleeps)
	assert.Equal(t, 3, bus.statusReads)
	assert.Equal(t, []byte{0x01, 0x03, 0x01, 0x00}, bus.enableWrites())
	assert.Equal(t, uint16(100), reading.Ch0)
	assert.Equal(t, uint16(20), reading.Ch1)
	assert.Equal(t, 1.0, reading.Gain)

	want, err := CalculateLux(100, 20, 1, 19*2.73)
	require.NoError(t, err)
	assert.InDelta(t, want, reading.Lux, 1e-9)
}

func TestMeasureTimedOutStillReturnsLux(t *testing.T) {
	bus := newFakeBus()
	tsl, sleeps := newTestSensor(t, bus)
	bus.setChannels(0x0102, 0x0001)
	bus.status = func() byte { return 0x01 }

	lux, err := tsl.Measure()
	require.NoError(t, err)
	assert.Equal(t, 100, *sleeps)
	assert.Equal(t, 100, bus.statusReads)
	assert.Greater(t, lux, 0.0)
	assert.Equal(t, []byte{0x01, 0x03, 0x01, 0x00}, bus.enableWrites())

	reading, err := tsl.MeasureReading()
	require.NoError(t, err)
	assert.False(t, reading.Converged)
	assert.Equal(t, TSL2572_POLL_ATTEMPTS, reading.Polls)
	assert.Equal(t, uint16(0x0102), reading.Ch0)
	assert.Equal(t, uint16(0x0001), reading.Ch1)
}

func TestMeasureTimeoutTakesFullPollBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full poll budget")
	}
	bus := newFakeBus()
	tsl, err := New(bus, DefaultConfig())
	require.NoError(t, err)
	bus.status = func() byte { return 0x00 }

	start := time.Now()
	_, err = tsl.Measure()
	require.NoError(t, err)
	assert.True(t, time.Since(start) >= time.Second, "measure returned after %v", time.Since(start))
}

func TestMeasureUsesSettingsCapturedBeforeConversion(t *testing.T) {
	bus := newFakeBus()
	tsl, _ := newTestSensor(t, bus)
	require.NoError(t, tsl.SetGain(8))
	bus.setChannels(1000, 100)
	bus.status = func() byte { return 0x11 }
	bus.data = func(f *fakeBus) []byte {
		// Reconfigure behind the driver's back after the conversion
		f.regs[TSL2572_REGISTER_CONTROL] = 0x02
		return []byte{0xE8, 0x03, 0x64, 0x00}
	}

	reading, err := tsl.MeasureReading()
	require.NoError(t, err)
	assert.Equal(t, 8.0, reading.Gain)
	want, _ := CalculateLux(1000, 100, 8, reading.IntegrationTime)
	assert.InDelta(t, want, reading.Lux, 1e-9)
}

func TestMeasurePropagatesBusErrors(t *testing.T) {
	tests := []struct {
		name    string
		command byte
	}{
		{name: "gain read", command: TSL2572_REGISTER_CONFIG},
		{name: "timing read", command: TSL2572_REGISTER_ATIME},
		{name: "enable write", command: TSL2572_REGISTER_ENABLE},
		{name: "status poll", command: TSL2572_REGISTER_STATUS},
		{name: "channel data", command: TSL2572_REGISTER_C0DATA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newFakeBus()
			tsl, _ := newTestSensor(t, bus)
			transportErr := errors.New("bus busy")
			bus.failOn[tt.command] = transportErr

			lux, err := tsl.Measure()
			require.Error(t, err)
			assert.Zero(t, lux)
			assert.ErrorIs(t, err, transportErr)

			var busErr *BusError
			require.ErrorAs(t, err, &busErr)
			assert.Equal(t, tt.command, busErr.Command)
		})
	}
}

func TestSetOptimalGainPicksMostSensitiveUnsaturated(t *testing.T) {
	bus := newFakeBus()
	tsl, _ := newTestSensor(t, bus)
	bus.status = func() byte { return 0x11 }
	bus.data = func(f *fakeBus) []byte {
		if f.regs[TSL2572_REGISTER_CONTROL] >= 2 {
			return []byte{0xFF, 0xFF, 0x00, 0x10}
		}
		return []byte{0x00, 0x80, 0x00, 0x01}
	}

	require.NoError(t, tsl.SetOptimalGain())
	gain, err := tsl.Gain()
	require.NoError(t, err)
	assert.Equal(t, 8.0, gain)
}

func TestSetOptimalGainKeepsMaxGainWhenUnsaturated(t *testing.T) {
	bus := newFakeBus()
	tsl, _ := newTestSensor(t, bus)
	bus.status = func() byte { return 0x11 }
	bus.setChannels(100, 20)

	require.NoError(t, tsl.SetOptimalGain())
	gain, err := tsl.Gain()
	require.NoError(t, err)
	assert.Equal(t, TSL2572_GAIN_120X, gain)
}

func TestSetOptimalGainAllSaturated(t *testing.T) {
	bus := newFakeBus()
	tsl, _ := newTestSensor(t, bus)
	bus.status = func() byte { return 0x11 }
	bus.setChannels(0xFFFF, 0xFFFF)

	assert.ErrorIs(t, tsl.SetOptimalGain(), ErrSaturated)
	gain, err := tsl.Gain()
	require.NoError(t, err)
	assert.Equal(t, 1.0, gain)
}

func TestSetOptimalGainStopsOnBusError(t *testing.T) {
	bus := newFakeBus()
	tsl, _ := newTestSensor(t, bus)
	bus.failOn[TSL2572_REGISTER_STATUS] = errors.New("nak")

	var busErr *BusError
	assert.ErrorAs(t, tsl.SetOptimalGain(), &busErr)
}

func TestConcurrentMeasureAndSetGainDoNotInterleave(t *testing.T) {
	bus := newFakeBus()
	tsl, _ := newTestSensor(t, bus)
	bus.status = func() byte { return 0x11 }
	bus.setChannels(100, 20)

	const workers = 8
	gains := []float64{TSL2572_GAIN_0_16X, TSL2572_GAIN_1X, TSL2572_GAIN_8X, TSL2572_GAIN_16X}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := tsl.Measure()
			assert.NoError(t, err)
		}()
		go func(gain float64) {
			defer wg.Done()
			assert.NoError(t, tsl.SetGain(gain))
		}(gains[i%len(gains)])
	}
	wg.Wait()

	// Each cycle is ENABLE 1,3,1,0 with no gain writes in between, and
	// every CONFIG write is immediately followed by its CONTROL write.
	enable := bus.enableWrites()
	require.Len(t, enable, workers*4)
	for i := 0; i < len(enable); i += 4 {
		assert.Equal(t, []byte{0x01, 0x03, 0x01, 0x00}, enable[i:i+4])
	}
	measuring := false
	for i, w := range bus.writes {
		switch w.command {
		case TSL2572_REGISTER_ENABLE:
			measuring = w.data[0] != 0x00
		case TSL2572_REGISTER_CONFIG:
			assert.False(t, measuring, "gain written during a measurement")
			require.Less(t, i+1, len(bus.writes))
			assert.Equal(t, TSL2572_REGISTER_CONTROL, bus.writes[i+1].command)
		case TSL2572_REGISTER_CONTROL:
			assert.False(t, measuring, "gain written during a measurement")
		}
	}
}
