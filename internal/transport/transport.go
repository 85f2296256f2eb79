// Package transport provides the communication-driver collaborators the
// MCOM core is parameterised by. The core only ever calls Tx/Rx/HasRxData;
// the protocol itself never inspects socket- or stream-specific details.
package transport

import (
	"fmt"
	"io"
	"net"
)

// DataUnitSize must match mcom.DataUnitSize; duplicated here (rather than
// importing the root package) to keep this collaborator free of a
// dependency on the protocol core.
const DataUnitSize = 4

// Driver is the minimal interface the MCOM engine needs from its transport:
// Tx sends a whole multiple of DataUnitSize bytes, Rx receives exactly ndu
// data units (blocking), and HasRxData peeks non-blockingly for available
// input.
type Driver interface {
	Tx(data []byte) error
	Rx(ndu int) ([]byte, error)
	HasRxData() (bool, error)
}

// SocketDriver adapts a net.Conn, typically a TCP socket.
type SocketDriver struct {
	Conn net.Conn
}

// NewSocketDriver wraps conn as a Driver.
func NewSocketDriver(conn net.Conn) *SocketDriver {
	return &SocketDriver{Conn: conn}
}

func (d *SocketDriver) Tx(data []byte) error {
	if len(data)%DataUnitSize != 0 {
		return fmt.Errorf("transport: tx length %d not a multiple of %d", len(data), DataUnitSize)
	}
	_, err := d.Conn.Write(data)
	return err
}

func (d *SocketDriver) Rx(ndu int) ([]byte, error) {
	return readDataUnits(d.Conn, ndu)
}

func (d *SocketDriver) HasRxData() (bool, error) {
	// A net.Conn has no portable non-blocking peek; callers that need
	// readiness polling should use SetReadDeadline themselves. HasRxData
	// is driver-facing convenience only, never called by the engine
	// itself.
	return true, nil
}

// StreamDriver adapts an io.ReadWriter such as a serial stream, with a
// small read-ahead cache so HasRxData can peek without discarding bytes.
type StreamDriver struct {
	RW    io.ReadWriter
	cache []byte
}

// NewStreamDriver wraps rw as a Driver.
func NewStreamDriver(rw io.ReadWriter) *StreamDriver {
	return &StreamDriver{RW: rw}
}

func (d *StreamDriver) Tx(data []byte) error {
	if len(data)%DataUnitSize != 0 {
		return fmt.Errorf("transport: tx length %d not a multiple of %d", len(data), DataUnitSize)
	}
	_, err := d.RW.Write(data)
	return err
}

func (d *StreamDriver) Rx(ndu int) ([]byte, error) {
	remaining := ndu * DataUnitSize
	out := make([]byte, 0, remaining)
	if len(d.cache) > 0 {
		n := len(d.cache)
		if n > remaining {
			n = remaining
		}
		out = append(out, d.cache[:n]...)
		d.cache = d.cache[n:]
		remaining -= n
	}
	for remaining > 0 {
		buf := make([]byte, remaining)
		n, err := d.RW.Read(buf)
		if n == 0 {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("transport: connection broken: %w", err)
		}
		out = append(out, buf[:n]...)
		remaining -= n
	}
	return out, nil
}

func (d *StreamDriver) HasRxData() (bool, error) {
	if len(d.cache) > 0 {
		return true, nil
	}
	buf := make([]byte, DataUnitSize)
	n, err := d.RW.Read(buf)
	if n > 0 {
		d.cache = append(d.cache, buf[:n]...)
	}
	if err != nil && err != io.EOF {
		return len(d.cache) > 0, err
	}
	return len(d.cache) > 0, nil
}

func readDataUnits(r io.Reader, ndu int) ([]byte, error) {
	remaining := ndu * DataUnitSize
	out := make([]byte, 0, remaining)
	for remaining > 0 {
		buf := make([]byte, remaining)
		n, err := r.Read(buf)
		if n == 0 {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("transport: connection broken: %w", err)
		}
		out = append(out, buf[:n]...)
		remaining -= n
	}
	return out, nil
}
