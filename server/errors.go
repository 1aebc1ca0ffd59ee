// Copyright 2024 The Pulse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
)

// ErrorKind classifies failures into the outcomes the transport layer and
// retry policies care about.
type ErrorKind int8

const (
	ErrorKindValidation ErrorKind = iota
	ErrorKindNotFound
	ErrorKindConflict
	ErrorKindUnavailable
	ErrorKindTimeout
	ErrorKindFatal
)

var ErrRowsAffectedCount = errors.New("rows_affected_count")

// statusError wraps an outgoing client-facing error together with an
// underlying cause error.
type statusError struct {
	kind  ErrorKind
	msg   string
	cause error
}

// Implement the error interface.
func (s *statusError) Error() string {
	return s.msg
}

// Unwrap exposes the cause to errors.Is/errors.As chains.
func (s *statusError) Unwrap() error {
	return s.cause
}

func (s *statusError) Kind() ErrorKind {
	return s.kind
}

// StatusError creates errors that carry a client-facing classification and
// wrap underlying causes, usually DB errors.
func StatusError(kind ErrorKind, msg string, cause error) error {
	return &statusError{
		kind:  kind,
		msg:   msg,
		cause: cause,
	}
}

// ErrorKindOf extracts the classification from an error chain. Unclassified
// errors are treated by their shape: context deadlines become timeouts,
// missing rows become not-found, anything else is an availability problem.
func ErrorKindOf(err error) ErrorKind {
	var s *statusError
	if errors.As(err, &s) {
		return s.kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, sql.ErrNoRows):
		return ErrorKindNotFound
	default:
		return ErrorKindUnavailable
	}
}

func httpStatusForKind(kind ErrorKind) int {
	switch kind {
	case ErrorKindValidation:
		return http.StatusBadRequest
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindConflict:
		return http.StatusConflict
	case ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case ErrorKindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
