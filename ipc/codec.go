package ipc

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

// DefaultMaxLineSize bounds a single NDJSON line.
const DefaultMaxLineSize = 4 << 20

// Decoder reads newline-delimited messages. Partial reads are buffered until
// the terminating newline arrives and blank lines are skipped.
type Decoder struct {
	r   *bufio.Reader
	max int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10), max: DefaultMaxLineSize}
}

// SetMaxLineSize changes the line size limit. Non-positive values restore the
// default.
func (d *Decoder) SetMaxLineSize(n int) {
	if n <= 0 {
		n = DefaultMaxLineSize
	}
	d.max = n
}

// Decode returns the next message. A *ParseError or ErrUnknownMessageType
// leaves the decoder positioned at the next line, so callers can log and
// continue. Any other error is terminal.
func (d *Decoder) Decode() (Message, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}
	return Decode(line)
}

func (d *Decoder) readLine() ([]byte, error) {
	var (
		line    []byte
		dropped bool
	)
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !dropped {
			line = append(line, chunk...)
			if len(line) > d.max+1 {
				dropped = true
				line = nil
			}
		}
		switch {
		case err == nil:
			if dropped {
				return nil, &ParseError{Err: ErrLineTooLong}
			}
			line = bytes.TrimRight(line, "\r\n")
			if len(bytes.TrimSpace(line)) == 0 {
				line = line[:0]
				continue
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(line) > 0 || dropped):
			if len(bytes.TrimSpace(line)) == 0 && !dropped {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// Encoder writes one message per line. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msg followed by a newline as a single write.
func (e *Encoder) Encode(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return e.WriteLine(data)
}

// WriteLine writes an already encoded message.
func (e *Encoder) WriteLine(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.w.Write(buf)
	return err
}
