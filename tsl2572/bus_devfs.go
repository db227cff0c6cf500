package tsl2572

import (
	"fmt"

	"golang.org/x/exp/io/i2c"
)

// OpenDevfs opens /dev/i2c-<busNumber> and binds it to addr.
func OpenDevfs(busNumber int, addr uint16) (BusCloser, error) {
	path := fmt.Sprintf("/dev/i2c-%d", busNumber)
	device, err := i2c.Open(&i2c.Devfs{Dev: path}, int(addr))
	if err != nil {
		return nil, fmt.Errorf("Failed to open %s: %w", path, err)
	}
	return device, nil
}
