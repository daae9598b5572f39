package session

import "io"

// handle is the live I/O channel to a supervised process. The driver owns
// it exclusively while the record is attached.
type handle interface {
	io.Reader
	io.Writer
	// Resize forwards new terminal dimensions to the process.
	Resize(cols, rows uint16) error
	// Terminate asks the process to stop.
	Terminate() error
	// Kill stops the process forcefully.
	Kill() error
	// Wait blocks until the process exits.
	Wait() error
	// Close releases the I/O channel without stopping a host-backed process.
	Close() error
}
