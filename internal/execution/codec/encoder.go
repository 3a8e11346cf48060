package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Encoder writes frames as compact, newline-terminated JSON. It is safe
// for concurrent use; each frame is written with a single Write call so
// frames from different goroutines never interleave.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode serializes the frame and writes it, followed by a newline.
func (e *Encoder) Encode(f Frame) error {
	line, err := Marshal(f)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}

// Marshal returns the wire representation of the frame, including the
// trailing newline.
func Marshal(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	// encoding/json escapes newlines in strings and compacts raw
	// messages, so this only trips on a broken Marshaler.
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, ErrEmbeddedNewline
	}

	return append(data, '\n'), nil
}
