package mapmeet

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// no active session or the token could not be fetched
	ErrAuthUnavailable = errors.New("auth unavailable")
	ErrEncodingFailed  = errors.New("encoding failed")
	// non-2xx response, or a payload that does not have the expected shape
	ErrDecodingFailed  = errors.New("decoding failed")
	ErrTransportFailed = errors.New("transport failed")
	ErrNotFound        = errors.New("not found")
	// e.g. username already taken
	ErrConflict = errors.New("conflict")
	// the backend answered `success: false` to a write
	ErrRejected      = errors.New("rejected")
	ErrSessionClosed = errors.New("session closed")
	ErrInvalid       = errors.New("invalid")
)

// GatewayError is returned by every gateway call.
// `errors.Is(err, ErrTransportFailed)` etc. matches on the kind.
type GatewayError struct {
	Kind     error
	Endpoint string
	// http status when the failure came from a response, otherwise 0
	Status int
	Err    error
}

func newGatewayError(kind error, endpoint string, err error) *GatewayError {
	return &GatewayError{
		Kind:     kind,
		Endpoint: endpoint,
		Err:      err,
	}
}

func (self *GatewayError) Error() string {
	m := fmt.Sprintf("%s %s", self.Endpoint, self.Kind)
	if self.Status != 0 {
		m = fmt.Sprintf("%s (%d)", m, self.Status)
	}
	if self.Err != nil {
		m = fmt.Sprintf("%s: %s", m, self.Err)
	}
	return m
}

func (self *GatewayError) Is(target error) bool {
	return target == self.Kind
}

func (self *GatewayError) Unwrap() error {
	return self.Err
}
