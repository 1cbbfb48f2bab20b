package signature

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig wraps every rejected signer configuration
	ErrInvalidConfig = errors.New("invalid signature config")
	// ErrMismatch is returned by Verify when a header value does not sign
	// the payload
	ErrMismatch = errors.New("signature mismatch")
)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func mismatchf(header, format string, args ...interface{}) error {
	return fmt.Errorf("%w in %s: %s", ErrMismatch, header, fmt.Sprintf(format, args...))
}
