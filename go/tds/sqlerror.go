/*
Copyright 2026 The Tabstream Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tds

import (
	"errors"
	"fmt"
)

// Client-side error numbers. Server-reported errors keep the number the
// server sent; these numbers identify conditions detected by the client
// itself and live outside the server's error number range.
const (
	// ERMalformedFrame is a corrupt or oversized frame header. Fatal,
	// the connection must close.
	ERMalformedFrame = 100001

	// ERWrongState is caller misuse of the connection state machine.
	// Recoverable, the caller may retry from the correct state.
	ERWrongState = 100002

	// EREncryptionNegotiationFailed means client and server could not
	// agree on an encryption level during pre-login.
	EREncryptionNegotiationFailed = 100003

	// EREncryptionHandshakeFailed means the in-band encryption handshake
	// itself failed.
	EREncryptionHandshakeFailed = 100004

	// ERAuthenticationRejected is a server-reported credential failure.
	ERAuthenticationRejected = 100005

	// ERTooManyRedirects means login exceeded the routing hop limit.
	ERTooManyRedirects = 100006

	// ERUnknownToken is a response token this client does not understand.
	// Fatal, the stream is no longer trustworthy.
	ERUnknownToken = 100007

	// ERUnknownType is a column data type this client does not decode.
	ERUnknownType = 100008

	// ERCancelAckTimeout means the server never acknowledged a cancel
	// request. The connection is not reusable.
	ERCancelAckTimeout = 100009

	// ERTokenExpired means a bearer token expired and the authenticator
	// cannot mint a replacement.
	ERTokenExpired = 100010
)

// ProtoError is the error structure returned for protocol and server
// failures. Server errors carry the server's number, severity and text
// verbatim.
type ProtoError struct {
	Num      int
	State    uint8
	Severity uint8
	Message  string
}

// NewProtoError creates a new ProtoError.
func NewProtoError(number int, format string, args ...any) *ProtoError {
	return &ProtoError{
		Num:     number,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (pe *ProtoError) Error() string {
	if pe.Severity > 0 {
		return fmt.Sprintf("%s (errno %v) (severity %v)", pe.Message, pe.Num, pe.Severity)
	}
	return fmt.Sprintf("%s (errno %v)", pe.Message, pe.Num)
}

// Number returns the error number.
func (pe *ProtoError) Number() int {
	return pe.Num
}

// IsFatal reports whether the error ends the connection's usefulness.
// Recoverable conditions (caller misuse, timeouts the caller can retry)
// leave the connection alive.
func (pe *ProtoError) IsFatal() bool {
	return pe.Num != ERWrongState
}

// ErrorNumber extracts the error number from err, or 0 if err is not a
// *ProtoError.
func ErrorNumber(err error) int {
	var pe *ProtoError
	if errors.As(err, &pe) {
		return pe.Num
	}
	return 0
}
