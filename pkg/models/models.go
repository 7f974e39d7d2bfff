package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultContentType is the container format the capture side produces unless
// configured otherwise.
const DefaultContentType = "audio/webm"

// Chunk is one periodic slice of captured audio.
type Chunk struct {
	Index int
	Data  []byte
}

// Payload is the single blob sent for analysis at the end of a recording.
type Payload struct {
	SessionID   string `json:"sessionId"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// Concat joins chunks in slice order into one payload. A nil or empty slice
// yields a zero-length payload.
func Concat(sessionID, contentType string, chunks []Chunk) *Payload {
	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c.Data...)
	}
	return &Payload{
		SessionID:   sessionID,
		ContentType: contentType,
		Data:        data,
	}
}

// Arguments holds the supporting and challenging arguments for one statement.
type Arguments struct {
	Supporting  []string `json:"supporting"`
	Challenging []string `json:"challenging"`
}

// AnalysisResult is the parsed response from the analysis service.
type AnalysisResult struct {
	Analysis   string      `json:"analysis"`
	Statements []string    `json:"statements"`
	Arguments  []Arguments `json:"arguments"`
}

// ArgumentsFor returns the arguments aligned with statement i. Missing
// entries come back empty.
func (r *AnalysisResult) ArgumentsFor(i int) Arguments {
	if r == nil || i < 0 || i >= len(r.Arguments) {
		return Arguments{Supporting: []string{}, Challenging: []string{}}
	}
	a := r.Arguments[i]
	if a.Supporting == nil {
		a.Supporting = []string{}
	}
	if a.Challenging == nil {
		a.Challenging = []string{}
	}
	return a
}

// wireResult mirrors the response body. Error is only present when the
// service reports a failure.
type wireResult struct {
	Analysis   *string      `json:"analysis"`
	Statements []*string    `json:"statements"`
	Arguments  []*Arguments `json:"arguments"`
	Error      *string      `json:"error"`
}

// ErrServiceReported is returned by DecodeAnalysisResult when the body is a
// well-formed error object rather than a result.
type ErrServiceReported struct {
	Message string
}

func (e *ErrServiceReported) Error() string {
	return "service reported error: " + e.Message
}

// DecodeAnalysisResult validates and parses a response body. The body must be
// a JSON object; analysis must be a string when present; statements must be an
// array of strings; arguments an array of objects holding string arrays.
// Absent lists default to empty.
func DecodeAnalysisResult(body []byte) (*AnalysisResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("response is not a JSON object")
	}

	var w wireResult
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if w.Error != nil && w.Analysis == nil && len(w.Statements) == 0 {
		return nil, &ErrServiceReported{Message: *w.Error}
	}

	res := &AnalysisResult{
		Statements: make([]string, 0, len(w.Statements)),
		Arguments:  make([]Arguments, 0, len(w.Arguments)),
	}
	if w.Analysis != nil {
		res.Analysis = *w.Analysis
	}
	for i, s := range w.Statements {
		if s == nil {
			return nil, fmt.Errorf("statement %d is null", i)
		}
		res.Statements = append(res.Statements, *s)
	}
	for _, a := range w.Arguments {
		var args Arguments
		if a != nil {
			args = *a
		}
		if args.Supporting == nil {
			args.Supporting = []string{}
		}
		if args.Challenging == nil {
			args.Challenging = []string{}
		}
		res.Arguments = append(res.Arguments, args)
	}
	return res, nil
}

// ErrorKind classifies a failed session.
type ErrorKind string

const (
	KindDeviceDenied      ErrorKind = "device_denied"
	KindServerUnreachable ErrorKind = "server_unreachable"
	KindServerError       ErrorKind = "server_error"
	KindProtocolError     ErrorKind = "protocol_error"
)

// TransportError is a terminal failure of one recording session.
type TransportError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Status  int       `json:"status,omitempty"`
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// UserMessage returns the short text shown in the status area.
func (e *TransportError) UserMessage() string {
	var b strings.Builder
	switch e.Kind {
	case KindDeviceDenied:
		b.WriteString("Microphone access denied")
	case KindServerUnreachable:
		b.WriteString("Analysis service unreachable")
	case KindServerError:
		fmt.Fprintf(&b, "Analysis service error (HTTP %d)", e.Status)
	case KindProtocolError:
		b.WriteString("Unexpected response from analysis service")
	default:
		b.WriteString("Analysis failed")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// NewTransportError builds a TransportError of the given kind.
func NewTransportError(kind ErrorKind, format string, args ...any) *TransportError {
	return &TransportError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
