// Package chunk implements the framed wire format used on every broker
// message: a stream of typed, length-prefixed binary chunks. Each chunk is a
// 4-byte ASCII tag, a 32-bit big-endian body length, the body bytes, and one
// zero pad byte when alignment is enabled and the body length is odd.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const (
	// TagSize is the fixed width of a chunk type tag.
	TagSize = 4

	headerSize = TagSize + 4
)

var (
	// ErrClosed is returned for reads or seeks on a closed chunk.
	ErrClosed = errors.New("chunk: closed")

	// ErrOutOfRange is returned when a seek would leave the chunk body.
	ErrOutOfRange = errors.New("chunk: offset out of range")
)

// Chunk is a decoded (type, body) pair as returned by ReadAll.
type Chunk struct {
	Type string
	Body []byte
}

// PadTag left-pads or truncates a name to exactly TagSize ASCII bytes.
func PadTag(name string) string {
	if len(name) >= TagSize {
		return name[:TagSize]
	}
	pad := make([]byte, TagSize-len(name))
	for i := range pad {
		pad[i] = ' '
	}
	return string(pad) + name
}

// Writer emits chunks onto a byte-oriented transport.
type Writer struct {
	w     io.Writer
	align bool
}

// NewWriter returns a Writer. When align is true, chunks with odd body
// lengths are followed by a single zero pad byte.
func NewWriter(w io.Writer, align bool) *Writer {
	return &Writer{w: w, align: align}
}

// WriteChunk emits one chunk: tag, big-endian length, body, optional pad.
// The tag must already be exactly TagSize bytes (see PadTag).
func (w *Writer) WriteChunk(typ string, body []byte) error {
	if len(typ) != TagSize {
		return fmt.Errorf("chunk: tag %q is not %d bytes", typ, TagSize)
	}
	var header [headerSize]byte
	copy(header[:TagSize], typ)
	binary.BigEndian.PutUint32(header[TagSize:], uint32(len(body)))
	if _, err := w.w.Write(header[:]); err != nil {
		return fmt.Errorf("chunk: write header: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("chunk: write body: %w", err)
	}
	if w.align && len(body)%2 == 1 {
		if _, err := w.w.Write([]byte{0}); err != nil {
			return fmt.Errorf("chunk: write pad: %w", err)
		}
	}
	if f, ok := w.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("chunk: flush: %w", err)
		}
	}
	return nil
}

// Reader reads a single chunk from an underlying stream. Constructing a
// Reader consumes the chunk header; Read then advances through the body, and
// Close skips whatever remains (body and pad) so the next chunk header begins
// immediately after.
type Reader struct {
	r      io.Reader
	typ    string
	length int64
	offset int64
	align  bool
	closed bool
}

// NewReader reads the next chunk header from r. io.EOF at the header position
// is the terminal signal for a stream of chunks; an EOF after the first
// header byte is reported as io.ErrUnexpectedEOF.
func NewReader(r io.Reader, align bool) (*Reader, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("chunk: read header: %w", io.ErrUnexpectedEOF)
	}
	return &Reader{
		r:      r,
		typ:    string(header[:TagSize]),
		length: int64(binary.BigEndian.Uint32(header[TagSize:])),
		align:  align,
	}, nil
}

// Type returns the 4-byte tag of this chunk.
func (c *Reader) Type() string { return c.typ }

// Len returns the body length declared in the header.
func (c *Reader) Len() int64 { return c.length }

// Read reads body bytes from the current offset. Reads at or past the body
// end return 0, io.EOF; a mid-body EOF on the underlying stream is an error.
func (c *Reader) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	remaining := c.length - c.offset
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := io.ReadFull(c.r, p)
	c.offset += int64(n)
	if err != nil {
		return n, fmt.Errorf("chunk: body truncated: %w", io.ErrUnexpectedEOF)
	}
	return n, nil
}

// Seek repositions the body offset. The resulting offset must stay within
// [0, Len]. Seeking forward consumes bytes from the underlying stream;
// seeking backward is only possible when the underlying stream is an
// io.Seeker.
func (c *Reader) Seek(offset int64, whence int) (int64, error) {
	if c.closed {
		return 0, ErrClosed
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = c.offset + offset
	case io.SeekEnd:
		target = c.length + offset
	default:
		return 0, fmt.Errorf("chunk: invalid whence %d", whence)
	}
	if target < 0 || target > c.length {
		return 0, fmt.Errorf("%w: %d not in [0, %d]", ErrOutOfRange, target, c.length)
	}
	switch {
	case target > c.offset:
		if err := c.skip(target - c.offset); err != nil {
			return 0, err
		}
	case target < c.offset:
		s, ok := c.r.(io.Seeker)
		if !ok {
			return 0, fmt.Errorf("chunk: cannot seek backward on %T", c.r)
		}
		if _, err := s.Seek(target-c.offset, io.SeekCurrent); err != nil {
			return 0, fmt.Errorf("chunk: seek: %w", err)
		}
	}
	c.offset = target
	return target, nil
}

// Close skips any unread body bytes plus the alignment pad, leaving the
// underlying stream at the next chunk boundary. Close is idempotent.
func (c *Reader) Close() error {
	if c.closed {
		return nil
	}
	skip := c.length - c.offset
	if c.align && c.length%2 == 1 {
		skip++
	}
	if err := c.skip(skip); err != nil {
		return err
	}
	c.offset = c.length
	c.closed = true
	return nil
}

func (c *Reader) skip(n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, c.r, n); err != nil {
		return fmt.Errorf("chunk: skip: %w", io.ErrUnexpectedEOF)
	}
	return nil
}

// ReadAll constructs chunks from r until EOF and returns the accumulated
// (type, body) pairs. A mid-stream failure returns the chunks decoded so far;
// the error is logged rather than propagated so a partial stream still yields
// its intact prefix.
func ReadAll(r io.Reader, align bool, logger *zap.Logger) []Chunk {
	var out []Chunk
	for {
		cr, err := NewReader(r, align)
		if err == io.EOF {
			return out
		}
		if err != nil {
			logger.Error("Malformed chunk header", zap.Error(err), zap.Int("decoded", len(out)))
			return out
		}
		body := make([]byte, cr.Len())
		if _, err := io.ReadFull(cr, body); err != nil && cr.Len() > 0 {
			logger.Error("Truncated chunk body",
				zap.String("type", cr.Type()),
				zap.Int64("declared", cr.Len()),
				zap.Error(err))
			return out
		}
		if err := cr.Close(); err != nil {
			logger.Error("Truncated chunk pad", zap.String("type", cr.Type()), zap.Error(err))
			return out
		}
		out = append(out, Chunk{Type: cr.Type(), Body: body})
	}
}
