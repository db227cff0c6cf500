package tsl2572

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// PeriphBus adapts a periph.io I²C bus to the register protocol.
type PeriphBus struct {
	dev    *i2c.Dev
	closer i2c.BusCloser
}

// NewPeriphBus borrows bus, Close will not close it.
func NewPeriphBus(bus i2c.Bus, addr uint16) *PeriphBus {
	return &PeriphBus{dev: &i2c.Dev{Bus: bus, Addr: addr}}
}

// OpenPeriph initializes the periph host drivers and opens the named bus.
// An empty name selects the first bus registered.
func OpenPeriph(name string, addr uint16) (*PeriphBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("Failed to initialize periph host: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("Failed to open I²C bus %q: %w", name, err)
	}
	p := NewPeriphBus(bus, addr)
	p.closer = bus
	return p, nil
}

func (p *PeriphBus) ReadReg(reg byte, buf []byte) error {
	return p.dev.Tx([]byte{reg}, buf)
}

func (p *PeriphBus) WriteReg(reg byte, buf []byte) error {
	w := make([]byte, 0, len(buf)+1)
	w = append(w, reg)
	w = append(w, buf...)
	return p.dev.Tx(w, nil)
}

func (p *PeriphBus) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

func (p *PeriphBus) String() string {
	return p.dev.String()
}
