package framestore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"frameforge/internal/frame"
)

// Ext is the file extension of natively encoded frames.
const Ext = ".ffm"

const formatV1 = "frameforge/v1"

// preamble precedes the pixel payload so listings can stop reading early.
type preamble struct {
	Format string       `msgpack:"format"`
	ID     string       `msgpack:"id"`
	Width  int          `msgpack:"width"`
	Height int          `msgpack:"height"`
	Header frame.Header `msgpack:"header"`
}

// Encode writes f as a preamble followed by the full frame.
func Encode(w io.Writer, f *frame.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(preamble{Format: formatV1, ID: f.ID, Width: f.Width, Height: f.Height, Header: f.Header}); err != nil {
		return fmt.Errorf("encode %s preamble: %w", f.ID, err)
	}
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode %s: %w", f.ID, err)
	}
	return nil
}

// Marshal is Encode into a byte slice.
func Marshal(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a frame written by Encode.
func Decode(r io.Reader) (*frame.Frame, error) {
	dec := msgpack.NewDecoder(r)
	if _, err := decodePreamble(dec); err != nil {
		return nil, err
	}
	var f frame.Frame
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// DecodeEntry reads only the preamble.
func DecodeEntry(r io.Reader, location string) (Entry, error) {
	p, err := decodePreamble(msgpack.NewDecoder(r))
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", location, err)
	}
	return Entry{ID: p.ID, Location: location, Width: p.Width, Height: p.Height, Summary: p.Header}, nil
}

func decodePreamble(dec *msgpack.Decoder) (preamble, error) {
	var p preamble
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("decode preamble: %w", err)
	}
	if p.Format != formatV1 {
		return p, fmt.Errorf("unsupported frame format %q", p.Format)
	}
	return p, nil
}
