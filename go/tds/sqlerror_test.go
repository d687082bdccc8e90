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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtoErrorFormat(t *testing.T) {
	err := NewProtoError(ERWrongState, "connection is %v", StateExecuting)
	assert.Equal(t, "connection is Executing (errno 100002)", err.Error())

	withSeverity := &ProtoError{Num: 208, Severity: 16, Message: "invalid object name"}
	assert.Equal(t, "invalid object name (errno 208) (severity 16)", withSeverity.Error())
}

func TestProtoErrorFatal(t *testing.T) {
	assert.False(t, NewProtoError(ERWrongState, "misuse").IsFatal())
	assert.True(t, NewProtoError(ERMalformedFrame, "corrupt").IsFatal())
	assert.True(t, NewProtoError(ERUnknownToken, "unknown").IsFatal())
}

func TestErrorNumber(t *testing.T) {
	assert.Equal(t, ERTooManyRedirects, ErrorNumber(NewProtoError(ERTooManyRedirects, "hops")))
	assert.Equal(t, 0, ErrorNumber(errors.New("plain")))
	assert.Equal(t, 0, ErrorNumber(nil))

	// Wrapped errors still report their number.
	wrapped := fmt.Errorf("query failed: %w", NewProtoError(ERCancelAckTimeout, "timeout"))
	assert.Equal(t, ERCancelAckTimeout, ErrorNumber(wrapped))
}
