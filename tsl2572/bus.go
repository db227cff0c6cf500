package tsl2572

import (
	"fmt"
	"io"
)

// Bus is a transport already bound to the sensor's slave address.
// *i2c.Device from golang.org/x/exp/io/i2c satisfies it directly.
type Bus interface {
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) error
}

// BusCloser is a Bus that owns its underlying handle.
type BusCloser interface {
	Bus
	io.Closer
}

// BusError reports a failed register transfer. The driver never retries,
// the operation that hit it is aborted and the sensor may be left mid-conversion.
type BusError struct {
	Op      string
	Command byte
	Err     error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("tsl2572: %s command 0x%02X: %v", e.Op, e.Command, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// registerChannel maps command numbers onto the sensor's physical
// register addresses (command | TSL2572_COMMAND_BIT).
type registerChannel struct {
	bus Bus
}

func (c registerChannel) readBlock(command byte, length int) ([]byte, error) {
	buf := make([]byte, length)
	if err := c.bus.ReadReg(TSL2572_COMMAND_BIT|command, buf); err != nil {
		return nil, &BusError{Op: "read", Command: command, Err: err}
	}
	return buf, nil
}

func (c registerChannel) writeBlock(command byte, data []byte) error {
	if err := c.bus.WriteReg(TSL2572_COMMAND_BIT|command, data); err != nil {
		return &BusError{Op: "write", Command: command, Err: err}
	}
	return nil
}

func (c registerChannel) readByte(command byte) (byte, error) {
	buf, err := c.readBlock(command, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (c registerChannel) writeByte(command byte, value byte) error {
	return c.writeBlock(command, []byte{value})
}
