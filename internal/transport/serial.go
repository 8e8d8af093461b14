package transport

import (
	"context"

	"github.com/banshee-data/pulsereader/internal/serialport"
)

// SerialDialer opens a digitizer serial line.
type SerialDialer struct {
	Path    string
	Options serialport.PortOptions
	// Open defaults to serialport.Open; tests substitute a mock.
	Open serialport.Opener
}

func (d SerialDialer) Dial(ctx context.Context) (Conn, error) {
	open := d.Open
	if open == nil {
		open = serialport.Open
	}
	p, err := open(d.Path, d.Options)
	if err != nil {
		return nil, err
	}
	return serialport.NewDeadlineConn(p), nil
}

func (d SerialDialer) String() string {
	return "serial://" + d.Path + " (" + d.Options.String() + ")"
}

// NewSerialBackend is shorthand for a StreamBackend with a SerialDialer.
func NewSerialBackend(path string, portOpts serialport.PortOptions, opts StreamOptions) (*StreamBackend, error) {
	if _, err := portOpts.Normalise(); err != nil {
		return nil, err
	}
	opts.Dialer = SerialDialer{Path: path, Options: portOpts}
	return NewStreamBackend(opts)
}
