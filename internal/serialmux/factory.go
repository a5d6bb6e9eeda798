package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerial opens the serial device at path. The returned port implements
// TimeoutSerialPorter.
func OpenSerial(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial device paths present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
