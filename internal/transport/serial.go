package transport

import (
	"go.bug.st/serial"
)

type serialPort struct {
	serial.Port
	name string
}

// OpenSerial opens a UART at 8N1 with the requested baud rate and read
// timeout, discarding anything already buffered by the driver.
func OpenSerial(spec Spec) (Port, error) {
	mode := &serial.Mode{
		BaudRate: spec.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(spec.Name, mode)
	if err != nil {
		return nil, wrapErr("open serial", spec.Name, err)
	}
	if err := p.SetReadTimeout(spec.ReadTimeout); err != nil {
		p.Close()
		return nil, wrapErr("set read timeout", spec.Name, err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return nil, wrapErr("flush", spec.Name, err)
	}

	return &serialPort{Port: p, name: spec.Name}, nil
}

func (p *serialPort) Name() string { return p.name }

func (p *serialPort) Kind() Kind { return KindSerial }

