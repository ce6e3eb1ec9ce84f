// Package errs contains the sentinel errors shared by the voice transport
// packages. Callers wrap them with fmt.Errorf and test with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation indicates a gateway message or media frame that
	// arrived out of sequence or could not be interpreted. The message is
	// dropped.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrMalformedVarint indicates a varint whose continuation bit never
	// cleared within the maximum width of the target type.
	ErrMalformedVarint = errors.New("malformed varint")

	// ErrBufferTooSmall indicates the destination buffer cannot hold the
	// value being written. Nothing is written in that case.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrInvalidCommitWelcome indicates the group provider rejected a commit
	// or welcome. The session recovers by sending a fresh key package.
	ErrInvalidCommitWelcome = errors.New("invalid commit or welcome")

	// ErrTransport indicates a UDP send or receive failure.
	ErrTransport = errors.New("transport failure")

	// ErrCryptoProvider indicates an unrecoverable failure in the group
	// provider. The session has to be bootstrapped again.
	ErrCryptoProvider = errors.New("crypto provider failure")
)

// CloseError is returned when the voice gateway closes the websocket.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("voice gateway closed with code %d: %s", e.Code, e.Reason)
}

var _ error = (*CloseError)(nil)

// Voice gateway close codes with non-default handling.
const (
	CloseAuthenticationFailed = 4004
	CloseSessionNoLongerValid = 4006
	CloseServerNotFound       = 4011
	CloseDisconnected         = 4014
	CloseUnknownEncryption    = 4016
)

// Resumable reports whether the connection may be resumed after the close.
func (e *CloseError) Resumable() bool {
	switch e.Code {
	case CloseAuthenticationFailed, CloseSessionNoLongerValid, CloseServerNotFound,
		CloseDisconnected, CloseUnknownEncryption:
		return false
	}
	return true
}

// Terminal reports whether no reconnect of any kind should be attempted.
func (e *CloseError) Terminal() bool {
	switch e.Code {
	case CloseAuthenticationFailed, CloseServerNotFound, CloseDisconnected, CloseUnknownEncryption:
		return true
	}
	return false
}
