// Package protocol implements the line-delimited JSON control protocol.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is the protocol version sent in every response.
const Version = "1.0"

// Status is the response status field.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusInvalidCommand Status = "invalid_command"
	StatusInvalidParams  Status = "invalid_params"
)

// ErrorCode is the machine-readable error code of a failed request.
type ErrorCode string

const (
	CodeParseError     ErrorCode = "PARSE_ERROR"
	CodeUnknownCommand ErrorCode = "UNKNOWN_COMMAND"
	CodeInvalidParams  ErrorCode = "INVALID_PARAMS"
	CodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Kind identifies a command.
type Kind string

const (
	GetStatus        Kind = "get_status"
	SetMode          Kind = "set_mode"
	SetBrightness    Kind = "set_brightness"
	AdjustBrightness Kind = "adjust_brightness"
	GetConfig        Kind = "get_config"
	Unknown          Kind = "unknown"
)

// ParseKind maps a command name to its Kind. Unrecognized names yield Unknown.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case GetStatus, SetMode, SetBrightness, AdjustBrightness, GetConfig:
		return k
	default:
		return Unknown
	}
}

// ErrParse wraps every request decoding failure.
var ErrParse = errors.New("parse error")

// ErrInvalidParams wraps every parameter validation failure.
var ErrInvalidParams = errors.New("invalid params")

// Request is a decoded request envelope.
type Request struct {
	Version string                 `json:"version,omitempty"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Kind returns the command kind of the request.
func (r Request) Kind() Kind {
	return ParseKind(r.Command)
}

// ParseRequest decodes a single request line. Numbers in params are kept as
// json.Number so integer parameters can be validated exactly.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if dec.More() {
		return Request{}, fmt.Errorf("%w: trailing data after request", ErrParse)
	}
	return req, nil
}

// IntParam returns the named integer parameter, requiring it to be within
// [min, max].
func (r Request) IntParam(name string, min, max int) (int, error) {
	raw, ok := r.Params[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing '%s' parameter", ErrInvalidParams, name)
	}

	var v int64
	switch n := raw.(type) {
	case json.Number:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: '%s' must be an integer", ErrInvalidParams, name)
		}
		v = i
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%w: '%s' must be an integer", ErrInvalidParams, name)
		}
		v = int64(n)
	case int:
		v = int64(n)
	default:
		return 0, fmt.Errorf("%w: '%s' must be an integer", ErrInvalidParams, name)
	}

	if v < int64(min) || v > int64(max) {
		return 0, fmt.Errorf("%w: '%s' must be between %d and %d", ErrInvalidParams, name, min, max)
	}
	return int(v), nil
}

// StringParam returns the named string parameter.
func (r Request) StringParam(name string) (string, error) {
	raw, ok := r.Params[name]
	if !ok {
		return "", fmt.Errorf("%w: missing '%s' parameter", ErrInvalidParams, name)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: '%s' must be a string", ErrInvalidParams, name)
	}
	return s, nil
}

// Response is a response envelope.
type Response struct {
	Version   string                 `json:"version"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	ErrorCode ErrorCode              `json:"error_code,omitempty"`
}

// Encode marshals the response as one newline-terminated line.
func (r Response) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Success builds a success response.
func Success(message string, data map[string]interface{}) Response {
	return Response{Version: Version, Status: StatusSuccess, Message: message, Data: data}
}

// Failure builds an error response. The code is reported both at the top
// level and inside data, where older clients look for it.
func Failure(status Status, code ErrorCode, message string) Response {
	return Response{
		Version:   Version,
		Status:    status,
		Message:   message,
		Data:      map[string]interface{}{"error_code": string(code)},
		ErrorCode: code,
	}
}

// ParseFailure reports a request that could not be decoded.
func ParseFailure(err error) Response {
	return Failure(StatusError, CodeParseError, "JSON "+err.Error())
}

// UnknownCommand reports an unrecognized command name.
func UnknownCommand(command string) Response {
	if command == "" {
		return Failure(StatusInvalidCommand, CodeUnknownCommand, "Missing command")
	}
	return Failure(StatusInvalidCommand, CodeUnknownCommand, fmt.Sprintf("Unknown command: %s", command))
}

// InvalidParams reports a parameter validation failure.
func InvalidParams(err error) Response {
	msg := strings.TrimPrefix(err.Error(), ErrInvalidParams.Error()+": ")
	return Failure(StatusInvalidParams, CodeInvalidParams, msg)
}

// InternalError reports a failure inside the daemon while handling a request.
func InternalError(err error) Response {
	return Failure(StatusError, CodeInternalError, fmt.Sprintf("Internal error: %v", err))
}
