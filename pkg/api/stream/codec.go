package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/aescanero/dagflow/pkg/domain"
	json "github.com/goccy/go-json"
)

// ContentType is the media type of an event stream response
const ContentType = "application/octet-stream"

// maxLineSize bounds a single encoded event when decoding
const maxLineSize = 4 << 20

type flusher interface {
	Flush()
}

// Encoder writes events as newline-delimited JSON. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder writing to w. Writers with a Flush method
// are flushed after every event.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one event line
func (e *Encoder) Encode(ev domain.Event) error {
	data, err := Marshal(ev)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if f, ok := e.w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// Marshal returns the encoded line of ev, including the trailing newline
func Marshal(ev domain.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return append(data, '\n'), nil
}

// Decoder reads events written by an Encoder
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// Decode returns the next event, or io.EOF when the stream is exhausted.
// Blank lines are ignored.
func (d *Decoder) Decode() (domain.Event, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return domain.Event{}, fmt.Errorf("failed to decode event: %w", err)
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return domain.Event{}, err
	}
	return domain.Event{}, io.EOF
}
