// Package interpreter implements the host side of the framed
// request/response protocol spoken over an interactive sandbox's stdio,
// per spec §4.2. The in-sandbox counterpart (server.py) is an embedded
// Python script this package never reimplements in Go — per the design
// notes in spec §9, dynamic namespace snapshotting is inherently
// runtime-typed and is deliberately kept in an interpreted runtime. The
// host only ever handles opaque framed bytes.
package interpreter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Frame markers, defined verbatim in spec §4.2. Exported so test
// doubles standing in for the in-sandbox Interpreter Server (see
// internal/isolation/isolationtest) can speak the same literal protocol
// without duplicating the strings.
const (
	requestStart  = RequestStart
	requestEnd    = RequestEnd
	responseStart = ResponseStart
	responseEnd   = ResponseEnd

	RequestStart  = ">>> REQUEST_START <<<"
	RequestEnd    = ">>> REQUEST_END <<<"
	ResponseStart = ">>> RESPONSE_START <<<"
	ResponseEnd   = ">>> RESPONSE_END <<<"

	// ReadyMarker is emitted once on stdout after the Interpreter
	// Server's warmup imports complete.
	ReadyMarker = ">>> INTERPRETER_READY <<<"
)

// Request is the body of one framed request.
type Request struct {
	Code         string  `json:"code"`
	State        *string `json:"state,omitempty"`
	CaptureState bool    `json:"capture_state,omitempty"`
}

// Response is the body of one framed response.
type Response struct {
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	ExitCode int      `json:"exit_code"`
	State    *string  `json:"state"`
	Files    []string `json:"files"`
	Error    *string  `json:"error"`
}

// WriteRequest frames and writes req to w.
func WriteRequest(w io.Writer, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n%s\n%s\n", requestStart, body, requestEnd)
	return err
}

// ReadResponse scans r for exactly one framed response, ignoring any
// log noise outside the markers per spec §4.2. It returns
// io.ErrUnexpectedEOF if the stream ends before RESPONSE_END is seen,
// which callers treat as SandboxUnhealthy.
func ReadResponse(r io.Reader) (Response, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	var body bytes.Buffer
	inFrame := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == responseStart:
			inFrame = true
			body.Reset()
		case line == responseEnd:
			if !inFrame {
				continue
			}
			var resp Response
			if err := json.Unmarshal(body.Bytes(), &resp); err != nil {
				return Response{}, fmt.Errorf("unmarshal response body: %w", err)
			}
			return resp, nil
		case inFrame:
			body.WriteString(line)
			body.WriteByte('\n')
		default:
			// log noise outside the markers; ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, err
	}
	return Response{}, io.ErrUnexpectedEOF
}

// WaitForReady scans r for ReadyMarker, returning once it's seen. Any
// other output is discarded.
func WaitForReady(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if scanner.Text() == ReadyMarker {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
