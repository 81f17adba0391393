// Package ssh provides the node-to-node SSH transport used to stream
// datasets and copy VPS configuration files between nodes.
package ssh

import (
	"context"
	"io"
)

// Transport is a connection to another node.
type Transport interface {
	// Run executes cmd on the remote node, feeding stdin when it is not
	// nil, and returns the combined output. A non-zero exit status is
	// reported as *engine.CommandError.
	Run(ctx context.Context, cmd string, stdin io.Reader) (string, error)

	// Upload writes the content of r to remotePath over SFTP, creating
	// parent directories.
	Upload(ctx context.Context, r io.Reader, remotePath string, mode uint32) (int64, error)

	// Remove deletes a remote file. A missing file is not an error.
	Remove(ctx context.Context, remotePath string) error

	// Close releases the connection.
	Close() error
}

// Dialer opens transports to other nodes.
type Dialer interface {
	Dial(ctx context.Context, host string) (Transport, error)
}

// TransportError wraps a connection-level failure.
type TransportError struct {
	// Op is the operation that failed (connect, session, sftp, upload).
	Op string

	Err error

	// IsTemporary marks failures worth retrying, e.g. a refused connection.
	IsTemporary bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
