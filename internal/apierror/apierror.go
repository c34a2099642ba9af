/*
Copyright 2024.

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

// Package apierror implements the error taxonomy of §7: a small set of named
// kinds, an aggregated field-violation list for InvalidParams, and HTTP status
// mapping.
//
// Grounded in internal/webhooks/unifiippool_webhook.go's validate() function,
// which accumulates a field.ErrorList across many checks and calls
// ToAggregate() once — the same shape as napi's "collect every field
// violation into one response" policy.
package apierror

import (
	"fmt"
	"net/http"
	"strings"
)

// Kind is one of the error kinds named in §7.
type Kind string

const (
	KindInvalidParams     Kind = "InvalidParams"
	KindResourceNotFound  Kind = "ResourceNotFound"
	KindNotAuthorized     Kind = "NotAuthorized"
	KindInUse             Kind = "InUse"
	KindSubnetFull        Kind = "SubnetFull"
	KindPoolFull          Kind = "PoolFull"
	KindNicTagsAmbiguous  Kind = "NicTagsAmbiguous"
	KindPoolIpNotAllowed  Kind = "PoolIpNotAllowed"
	KindEtagConflict      Kind = "EtagConflict"
	KindTransientRetry    Kind = "TransientRetryable"
	KindNoNetworksForIP   Kind = "NoNetworksForIP"
	KindBucketNotFound    Kind = "BucketNotFound"
)

// FieldCode is the per-field violation code used inside an InvalidParams
// error, per §7.
type FieldCode string

const (
	CodeInvalidParameter FieldCode = "InvalidParameter"
	CodeMissingParameter FieldCode = "MissingParameter"
	CodeDuplicate        FieldCode = "Duplicate"
	CodeUsedBy           FieldCode = "UsedBy"
	CodeUnknownParams    FieldCode = "UnknownParameters"
)

// FieldError is one violation in an aggregated InvalidParams response.
type FieldError struct {
	Field   string      `json:"field"`
	Code    FieldCode   `json:"code"`
	Message string      `json:"message"`
	Invalid interface{} `json:"invalid,omitempty"`
}

func (f FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", f.Field, f.Message, f.Code)
}

// Error is the uniform error type surfaced by every orchestrator operation.
// Status() maps it to the HTTP status named in §7.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError // only meaningful for KindInvalidParams
	UsedBy  []UsedByRef  // only meaningful for KindInUse
	cause   error
}

// UsedByRef names an entity that prevents deletion of another, per §7 InUse.
type UsedByRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Code string `json:"code"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for _, f := range e.Fields {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is/errors.As reach a wrapped cause, matching the
// pkg/errors.Wrap idiom the teacher uses throughout the reconciler.
func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for e's kind, per §7.
func (e *Error) Status() int {
	switch e.Kind {
	case KindInvalidParams, KindInUse, KindPoolFull, KindNicTagsAmbiguous, KindPoolIpNotAllowed:
		return http.StatusUnprocessableEntity
	case KindResourceNotFound, KindNoNetworksForIP:
		return http.StatusNotFound
	case KindNotAuthorized:
		return http.StatusForbidden
	case KindSubnetFull:
		return http.StatusInsufficientStorage
	case KindTransientRetry:
		return http.StatusServiceUnavailable
	case KindBucketNotFound, KindEtagConflict:
		// EtagConflict must never be surfaced directly (§7); treat it as a
		// bug if it escapes to this layer.
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New builds a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches cause to a new Error of the given kind, preserving it for
// errors.Is/errors.As/errors.Cause.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// InUse builds a KindInUse error naming the entities that block deletion.
func InUse(message string, refs ...UsedByRef) *Error {
	return &Error{Kind: KindInUse, Message: message, UsedBy: refs}
}

// Is reports whether err (or any error it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == k
}

// Aggregator collects field violations across a validation pass and builds a
// single InvalidParams error at the end, mirroring field.ErrorList.ToAggregate().
type Aggregator struct {
	fields []FieldError
}

// Add records a field violation.
func (a *Aggregator) Add(field string, code FieldCode, message string, invalid interface{}) {
	a.fields = append(a.fields, FieldError{Field: field, Code: code, Message: message, Invalid: invalid})
}

// Required is shorthand for Add with CodeMissingParameter.
func (a *Aggregator) Required(field, message string) {
	a.Add(field, CodeMissingParameter, message, nil)
}

// Invalid is shorthand for Add with CodeInvalidParameter.
func (a *Aggregator) Invalid(field, message string, invalid interface{}) {
	a.Add(field, CodeInvalidParameter, message, invalid)
}

// HasErrors reports whether any violation has been recorded.
func (a *Aggregator) HasErrors() bool {
	return len(a.fields) > 0
}

// ToError returns nil if no violations were recorded, else a single
// KindInvalidParams *Error carrying every recorded violation.
func (a *Aggregator) ToError() *Error {
	if !a.HasErrors() {
		return nil
	}
	return &Error{Kind: KindInvalidParams, Message: "invalid parameters", Fields: a.fields}
}
