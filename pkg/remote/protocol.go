package remote

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Response statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Errors reported for requests that never reach a command.
const (
	ErrSyntax      = "Syntax error"
	ErrUnsupported = "Unsupported command"
)

// maxLine bounds a single request or response.
const maxLine = 10 * 1024 * 1024

// Greeting is pushed by the server when a client connects.
type Greeting struct {
	Version string `json:"version"`
}

// Request asks the daemon to run one administrative command.
type Request struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the reply to a request. Response is set on success, Error on
// failure.
type Response struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// OK reports whether the command succeeded.
func (r *Response) OK() bool {
	return r.Status == StatusOK
}

// Encoder writes newline terminated JSON values.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes v followed by a newline and flushes.
func (e *Encoder) Encode(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// OK writes a successful response.
func (e *Encoder) OK(response interface{}) error {
	data, err := marshalObject(response)
	if err != nil {
		return err
	}
	return e.Encode(&Response{Status: StatusOK, Response: data})
}

// Failed writes a failed response. A string becomes a JSON string, anything
// else is marshalled as is.
func (e *Encoder) Failed(detail interface{}) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}
	return e.Encode(&Response{Status: StatusFailed, Error: data})
}

func marshalObject(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return data, nil
}

// Decoder reads newline terminated JSON values.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	return &Decoder{r: scanner}
}

// Next returns the next non-empty line. It returns io.EOF when the stream
// ends.
func (d *Decoder) Next() ([]byte, error) {
	for d.r.Scan() {
		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}

// Decode reads the next line into v.
func (d *Decoder) Decode(v interface{}) error {
	line, err := d.Next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return nil
}

// ParseRequest decodes one request line. Lines that are not a JSON object
// with a command name are syntax errors.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, err
	}
	if req.Command == "" {
		return nil, fmt.Errorf("missing command")
	}
	return &req, nil
}

// ParseParams decodes command parameters into target. Missing parameters
// leave target untouched.
func ParseParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
