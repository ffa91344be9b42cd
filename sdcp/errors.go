package sdcp

import "errors"

var (
	ErrAlreadyOpen     = errors.New("sdcp: endpoint already open")
	ErrNotOpen         = errors.New("sdcp: endpoint not open")
	ErrClosed          = errors.New("sdcp: endpoint closed")
	ErrInvalidIdentity = errors.New("sdcp: identity has no certificate")
	ErrBusy            = errors.New("sdcp: peer queue full")
	ErrHelloTimeout    = errors.New("sdcp: no hello response within timeout")
	ErrAborted         = errors.New("sdcp: operation aborted")
)
