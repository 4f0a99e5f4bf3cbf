package transport

import (
	"encoding/binary"
	"errors"
	"io"
)

// lengthPrefixSize is the size of the stream frame length prefix.
const lengthPrefixSize = 4

// streamWriter writes messages with a 4-byte little-endian length prefix.
type streamWriter struct {
	w io.Writer
}

func newStreamWriter(w io.Writer) *streamWriter {
	return &streamWriter{w: w}
}

// Write writes one framed message.
func (sw *streamWriter) Write(msg []byte) error {
	if len(msg) == 0 {
		return ErrInvalidLengthPrefix
	}
	if len(msg) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	// Single write so concurrent frames never interleave on the wire.
	buf := make([]byte, lengthPrefixSize+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[lengthPrefixSize:], msg)
	_, err := sw.w.Write(buf)
	return err
}

// streamReader reads length-prefixed messages.
type streamReader struct {
	r io.Reader
}

func newStreamReader(r io.Reader) *streamReader {
	return &streamReader{r: r}
}

// Read returns the next message. A clean end of stream between frames is
// io.EOF; a stream cut inside a frame is io.ErrUnexpectedEOF.
func (sr *streamReader) Read() ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(sr.r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, ErrInvalidLengthPrefix
	}
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	msg := make([]byte, n)
	if _, err := io.ReadFull(sr.r, msg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}
