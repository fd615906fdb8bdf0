// Package serialio owns the serial handle to the gate controller: opening
// the device 8-N-1, writing command lines and splitting inbound bytes into
// frames.
package serialio

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// ReadTimeout is how long a single Read may block before returning zero
// bytes. It keeps the read loop responsive to Close.
const ReadTimeout = 200 * time.Millisecond

// DefaultBaudRate is used when the configuration leaves the baud rate unset.
const DefaultBaudRate = 9600

// Port is the byte channel to the controller. A serial.Port satisfies it;
// so do the simulator and test fakes.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a Port on the named device.
type Opener func(path string, baud int) (Port, error)

// OpenSerial opens a physical serial device 8-N-1 with a bounded read
// timeout.
func OpenSerial(path string, baud int) (Port, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialio: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialio: failed to set timeout on %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial devices present on this host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialio: listing ports: %w", err)
	}
	return ports, nil
}
