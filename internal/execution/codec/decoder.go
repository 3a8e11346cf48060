package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Decoder reads newline-delimited frames from a byte stream. Input may
// arrive in chunks of any size; a frame is only parsed once its
// terminating newline has been read.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode returns the next frame. Lines that are not JSON objects are
// returned as a *DiagnosticError; the stream stays usable and the next
// call continues with the following line. Blank lines are skipped.
// io.EOF is returned once the stream is exhausted.
func (d *Decoder) Decode() (Frame, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return Frame{}, err
		}

		// an unterminated last line is still a line
		line = bytes.TrimRight(line, "\r\n")

		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return Frame{}, err
			}
			continue
		}

		return Parse(line)
	}
}

// Parse parses a single line, without its trailing newline.
func Parse(line []byte) (Frame, error) {
	raw := string(line)

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, &DiagnosticError{Line: raw}
	}

	var f Frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Frame{}, &DiagnosticError{Line: raw, Cause: err}
	}

	f.Raw = raw

	return f, nil
}

// Handler receives decoded frames and diagnostic lines.
type Handler interface {
	HandleFrame(Frame)
	HandleDiagnostic(line string)
}

// HandlerFuncs adapts two functions to the Handler interface. Nil
// functions are ignored.
type HandlerFuncs struct {
	Frame      func(Frame)
	Diagnostic func(string)
}

func (h HandlerFuncs) HandleFrame(f Frame) {
	if h.Frame != nil {
		h.Frame(f)
	}
}

func (h HandlerFuncs) HandleDiagnostic(line string) {
	if h.Diagnostic != nil {
		h.Diagnostic(line)
	}
}

// Pump decodes frames from r until the stream ends, passing every frame
// and every malformed line to h. It returns nil on a clean EOF.
func Pump(r io.Reader, h Handler) error {
	dec := NewDecoder(r)

	for {
		f, err := dec.Decode()

		var diag *DiagnosticError
		switch {
		case err == nil:
			h.HandleFrame(f)
		case errors.As(err, &diag):
			h.HandleDiagnostic(diag.Line)
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
	}
}
