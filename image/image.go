// Package image reads and writes compiled IL programs.
//
// An image is the 4-byte magic "ILVM", a big-endian uint16 format version,
// and a canonical CBOR body. Instruction chains are flattened into one node
// array per block so that decoding depth stays constant no matter how long
// a chain is.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/ilvm/syntax"
)

// Magic identifies an image file.
var Magic = [4]byte{'I', 'L', 'V', 'M'}

// Version is the image format version written by this package.
// v1: initial format
const Version uint16 = 1

// HeaderSize is magic(4) + version(2).
const HeaderSize = 6

var (
	ErrBadMagic  = errors.New("not an IL image")
	ErrVersion   = errors.New("unsupported image version")
	ErrMalformed = errors.New("malformed image")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{MaxArrayElements: 1 << 24}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// IsImage reports whether data starts with the image magic.
func IsImage(data []byte) bool {
	return len(data) >= len(Magic) && bytes.Equal(data[:len(Magic)], Magic[:])
}

// Marshal encodes blocks as an image.
func Marshal(blocks []syntax.Block) ([]byte, error) {
	body, err := encodeProgram(blocks, true)
	if err != nil {
		return nil, err
	}
	enc, err := encMode.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("image: encode: %w", err)
	}

	out := make([]byte, HeaderSize, HeaderSize+len(enc))
	copy(out, Magic[:])
	binary.BigEndian.PutUint16(out[4:], Version)
	return append(out, enc...), nil
}

// encodeProgram flattens every block. Source positions are kept only when
// withPos is set.
func encodeProgram(blocks []syntax.Block, withPos bool) (program, error) {
	body := program{Blocks: make([]block, 0, len(blocks))}
	for _, b := range blocks {
		nodes, err := flatten(b.Body)
		if err != nil {
			return program{}, fmt.Errorf("image: block %d: %w", b.Addr, err)
		}
		blk := block{Addr: b.Addr, Nodes: nodes}
		if withPos {
			blk.Line, blk.Column = b.Pos.Line, b.Pos.Column
		}
		body.Blocks = append(body.Blocks, blk)
	}
	return body, nil
}

// Unmarshal decodes an image produced by Marshal.
func Unmarshal(data []byte) ([]syntax.Block, error) {
	if !IsImage(data) {
		return nil, ErrBadMagic
	}
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
	}
	if v := binary.BigEndian.Uint16(data[4:]); v == 0 || v > Version {
		return nil, fmt.Errorf("%w: %d (this build reads up to %d)", ErrVersion, v, Version)
	}

	var body program
	if err := decMode.Unmarshal(data[HeaderSize:], &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	blocks := make([]syntax.Block, 0, len(body.Blocks))
	for _, b := range body.Blocks {
		chain, err := rebuild(b.Nodes)
		if err != nil {
			return nil, fmt.Errorf("image: block %d: %w", b.Addr, err)
		}
		blocks = append(blocks, syntax.Block{
			Addr: b.Addr,
			Body: chain,
			Pos:  syntax.Position{Line: b.Line, Column: b.Column},
		})
	}
	return blocks, nil
}

// Write encodes blocks to w.
func Write(w io.Writer, blocks []syntax.Block) error {
	data, err := Marshal(blocks)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Read decodes an image from r.
func Read(r io.Reader) ([]syntax.Block, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("image: read: %w", err)
	}
	return Unmarshal(data)
}

// WriteFile writes blocks to the image file at path.
func WriteFile(path string, blocks []syntax.Block) error {
	data, err := Marshal(blocks)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadFile loads the image file at path.
func ReadFile(path string) ([]syntax.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
