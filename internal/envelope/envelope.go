// Package envelope provides the result wrapper returned by every exposed
// graphsync operation. A Result is exactly one of Success, Error or Degraded;
// callers switch on the concrete type.
package envelope

import (
	"errors"

	gserrors "graphsync/internal/errors"
)

// Status names the result variant.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusDegraded Status = "degraded"
)

// Warning represents a non-fatal issue.
type Warning struct {
	Code    string `json:"code,omitempty"` // machine-readable code
	Message string `json:"message"`
}

// Result is the closed set of operation outcomes.
type Result interface {
	Status() Status
	result()
}

// Success carries the operation payload.
type Success struct {
	Data    interface{}
	Summary string
}

// Error reports a failed operation. Code is one of the internal/errors codes.
type Error struct {
	Code    string
	Message string
}

// Degraded carries a usable payload produced with warnings.
type Degraded struct {
	Data     interface{}
	Summary  string
	Warnings []Warning
}

func (Success) Status() Status  { return StatusSuccess }
func (Error) Status() Status    { return StatusError }
func (Degraded) Status() Status { return StatusDegraded }

func (Success) result()  {}
func (Error) result()    {}
func (Degraded) result() {}

// Fail converts err into an Error result, keeping its code when it carries one.
func Fail(err error) Error {
	var gerr *gserrors.GraphsyncError
	if errors.As(err, &gerr) {
		return Error{Code: string(gerr.Code), Message: gerr.Message}
	}
	return Error{Code: string(gserrors.CodeOf(err)), Message: err.Error()}
}

// NoActiveSession is the result for operations addressed to an unknown client.
func NoActiveSession(clientID string) Error {
	return Error{
		Code:    string(gserrors.NoActiveSession),
		Message: "no active session for client " + clientID,
	}
}

// DataOf returns the payload of a Success or Degraded result, nil otherwise.
func DataOf(r Result) interface{} {
	switch v := r.(type) {
	case Success:
		return v.Data
	case Degraded:
		return v.Data
	default:
		return nil
	}
}

// Response is the serialized form of a Result.
type Response struct {
	SchemaVersion string      `json:"schemaVersion"`
	Status        Status      `json:"status"`
	Summary       string      `json:"summary,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Warnings      []Warning   `json:"warnings,omitempty"`
	Error         *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo is the serialized form of an Error result.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CurrentSchemaVersion is the current envelope schema version.
const CurrentSchemaVersion = "1.0"

// ToResponse flattens r for serialization.
func ToResponse(r Result) Response {
	resp := Response{SchemaVersion: CurrentSchemaVersion, Status: r.Status()}
	switch v := r.(type) {
	case Success:
		resp.Data = v.Data
		resp.Summary = v.Summary
	case Degraded:
		resp.Data = v.Data
		resp.Summary = v.Summary
		resp.Warnings = v.Warnings
	case Error:
		resp.Summary = v.Message
		resp.Error = &ErrorInfo{Code: v.Code, Message: v.Message}
	}
	return resp
}
