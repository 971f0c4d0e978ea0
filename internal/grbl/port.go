package grbl

import (
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"

	"engraver/internal/services"
)

// Port is an open connection to the controller.
type Port = io.ReadWriteCloser

// Opener opens the device at path.
type Opener func(path string, baud int) (Port, error)

// OpenSerial opens a serial device in 8N1 mode. The port is opened
// exclusively, so a second engraver process cannot share it.
func OpenSerial(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortNotFound {
			return nil, services.Wrap(services.ErrDevice, "grbl", "open", fmt.Sprintf("serial port %s not found", path), err)
		}
		return nil, services.Wrap(services.ErrDevice, "grbl", "open", fmt.Sprintf("open %s", path), err)
	}
	return port, nil
}
