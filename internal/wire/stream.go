package wire

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// MaxLineSize bounds a single framed envelope.
const MaxLineSize = 1 << 20

// Decoder reads newline-delimited envelopes.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next envelope. A *ProtocolError means one line was bad and
// reading may continue; any other error ends the stream.
func (d *Decoder) Next() (Envelope, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			continue
		}
		return Unmarshal(line)
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var (
		buf      []byte
		overflow bool
	)
	for {
		chunk, isPrefix, err := d.r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 && !overflow {
				return buf, nil
			}
			return nil, err
		}
		if !overflow {
			if len(buf)+len(chunk) > MaxLineSize {
				overflow = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if isPrefix {
			continue
		}
		if overflow {
			return nil, &ProtocolError{Reason: "envelope exceeds max line size"}
		}
		return buf, nil
	}
}

// Encoder writes newline-delimited envelopes. Writes are serialized so that
// concurrent callers never interleave partial frames.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes e followed by a newline as a single write.
func (e *Encoder) Encode(env Envelope) error {
	b, err := Marshal(env)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(b)
	return err
}
