/*
Copyright 2025 The tsio Authors.

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

// Package apierror holds the error taxonomy exposed at the HTTP boundary.
// Client-visible messages are deterministic strings keyed by an error code
// and never contain repository names, user names, keys or token fragments;
// the full cause and its context only go to the server log.
package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Kind is the wire error code.
type Kind string

const (
	KindDatabase        Kind = "DATABASE_ERROR"
	KindStorage         Kind = "STORAGE_ERROR"
	KindNotFound        Kind = "NOT_FOUND"
	KindInvalidInput    Kind = "INVALID_INPUT"
	KindUnauthorized    Kind = "UNAUTHORIZED"
	KindPayloadTooLarge Kind = "PAYLOAD_TOO_LARGE"
)

func (k Kind) httpStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error pairs a client-safe message with server-side context.
type Error struct {
	kind    Kind
	message string
	fields  logrus.Fields
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Kind exposes the wire code for tests and callers that branch on it.
func (e *Error) Kind() Kind {
	return e.kind
}

// Message exposes the client-visible message.
func (e *Error) Message() string {
	return e.message
}

// Status exposes the HTTP status the error renders with.
func (e *Error) Status() int {
	return e.kind.httpStatus()
}

// WithField attaches server-side context that Write will log but never
// send to the client.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.fields == nil {
		e.fields = logrus.Fields{}
	}
	e.fields[key] = value
	return e
}

// Database wraps a database failure. The client message is fixed.
func Database(cause error) *Error {
	return &Error{
		kind:    KindDatabase,
		message: "An internal database error occurred",
		cause:   cause,
	}
}

// Storage wraps an object store failure. The message names the kind of
// storage operation that failed and must not contain the key or credentials;
// the key goes to the log.
func Storage(cause error, message, key string) *Error {
	err := &Error{
		kind:    KindStorage,
		message: message,
		cause:   cause,
	}
	if key != "" {
		err.WithField("key", key)
	}
	return err
}

// NotFound reports a missing entity. The entity name is client-visible,
// the id is only logged.
func NotFound(entity, id string) *Error {
	return (&Error{
		kind:    KindNotFound,
		message: fmt.Sprintf("%s not found", entity),
	}).WithField("id", id)
}

// InvalidInput reports a rejected request with the specific reason.
func InvalidInput(reason string) *Error {
	return &Error{
		kind:    KindInvalidInput,
		message: reason,
	}
}

// Unauthorized reports a credential failure. The client only learns the
// generic message; the credential kind and reason go to the log.
func Unauthorized(message, credentialKind, reason string) *Error {
	return (&Error{
		kind:    KindUnauthorized,
		message: message,
	}).WithField("credential_kind", credentialKind).WithField("reason", reason)
}

// PayloadTooLarge reports an upload that exceeds its size limit.
func PayloadTooLarge(size, limit int64) *Error {
	return (&Error{
		kind:    KindPayloadTooLarge,
		message: fmt.Sprintf("Payload of %d bytes exceeds the limit of %d bytes", size, limit),
	}).WithField("size", size).WithField("limit", limit)
}

// From coerces err into an *Error. Anything untyped is an internal failure
// and renders like a database error so no detail leaks.
func From(err error) *Error {
	if apiErr, ok := err.(*Error); ok {
		return apiErr
	}
	return Database(err)
}

type response struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Write renders err at the HTTP boundary: the sanitized body goes to the
// client, the cause and attached fields go to the log. Server-side failures
// log at error level, client mistakes at debug.
func Write(w http.ResponseWriter, log *logrus.Entry, err error) {
	apiErr := From(err)
	entry := log.WithField("kind", string(apiErr.kind))
	if len(apiErr.fields) > 0 {
		entry = entry.WithFields(apiErr.fields)
	}
	if apiErr.cause != nil {
		entry = entry.WithError(apiErr.cause)
	}
	status := apiErr.kind.httpStatus()
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed.")
	} else {
		entry.Debug("Request rejected.")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response{Error: string(apiErr.kind), Message: apiErr.message}); err != nil {
		log.WithError(err).Error("Failed to encode error response.")
	}
}
