// Package columnar implements the self-describing container used for
// photon lists and cached spectral tables: a magic tag, a YAML header
// block and a sequence of named float64 columns, each zstd-compressed.
//
// Layout (little endian):
//
//	magic[4] version:u16 headerLen:u32 header[headerLen]
//	ncols:u32 { nameLen:u16 name[nameLen] nvalues:u64 zlen:u64 zdata[zlen] }*
package columnar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// Version is the container format version written by Write.
const Version uint16 = 1

const (
	maxHeaderBytes = 16 << 20
	maxNameBytes   = 1 << 10
)

// Column is one named float64 array.
type Column struct {
	Name string
	Data []float64
}

// Write encodes header and columns into w.
func Write(w io.Writer, magic [4]byte, header any, cols []Column) error {
	hdr, err := yaml.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(hdr) > maxHeaderBytes {
		return fmt.Errorf("header too large: %d bytes", len(hdr))
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	defer func() { _ = enc.Close() }()

	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(hdr))); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(cols))); err != nil {
		return err
	}
	for _, c := range cols {
		if len(c.Name) > maxNameBytes {
			return fmt.Errorf("column name too long: %q", c.Name)
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(c.Name))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, c.Name); err != nil {
			return err
		}
		raw := make([]byte, 8*len(c.Data))
		for i, v := range c.Data {
			binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
		}
		z := enc.EncodeAll(raw, nil)
		if err := binary.Write(w, binary.LittleEndian, uint64(len(c.Data))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(z))); err != nil {
			return err
		}
		if _, err := w.Write(z); err != nil {
			return fmt.Errorf("writing column %s: %w", c.Name, err)
		}
	}
	return nil
}

// ErrBadMagic is returned when the stream does not start with the expected tag.
var ErrBadMagic = errors.New("bad magic")

// Read decodes a container from r into header (a pointer) and returns its
// columns in file order. All structural problems are returned as plain
// errors; callers wrap them with the artifact path.
func Read(r io.Reader, magic [4]byte, header any) ([]Column, error) {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrBadMagic, got[:], magic[:])
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported container version %d", version)
	}
	var hdrLen uint32
	if err := binary.Read(r, binary.LittleEndian, &hdrLen); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if hdrLen > maxHeaderBytes {
		return nil, fmt.Errorf("header length %d exceeds limit", hdrLen)
	}
	hdr := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if err := yaml.Unmarshal(hdr, header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	var ncols uint32
	if err := binary.Read(r, binary.LittleEndian, &ncols); err != nil {
		return nil, fmt.Errorf("reading column count: %w", err)
	}
	cols := make([]Column, 0, ncols)
	for i := uint32(0); i < ncols; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("column %d: reading name length: %w", i, err)
		}
		if int(nameLen) > maxNameBytes {
			return nil, fmt.Errorf("column %d: name length %d exceeds limit", i, nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("column %d: reading name: %w", i, err)
		}
		var n, zlen uint64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("column %s: reading length: %w", name, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &zlen); err != nil {
			return nil, fmt.Errorf("column %s: reading compressed length: %w", name, err)
		}
		z := make([]byte, 0, min(zlen, 1<<26))
		z, err = readN(r, z, zlen)
		if err != nil {
			return nil, fmt.Errorf("column %s: reading data: %w", name, err)
		}
		raw, err := dec.DecodeAll(z, nil)
		if err != nil {
			return nil, fmt.Errorf("column %s: decompressing: %w", name, err)
		}
		if uint64(len(raw)) != 8*n {
			return nil, fmt.Errorf("column %s: decoded %d bytes, want %d", name, len(raw), 8*n)
		}
		data := make([]float64, n)
		for j := range data {
			data[j] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*j:]))
		}
		cols = append(cols, Column{Name: string(name), Data: data})
	}
	return cols, nil
}

// readN appends exactly n bytes from r to buf without trusting n for a
// single up-front allocation.
func readN(r io.Reader, buf []byte, n uint64) ([]byte, error) {
	chunk := make([]byte, 1<<16)
	for n > 0 {
		k := uint64(len(chunk))
		if n < k {
			k = n
		}
		if _, err := io.ReadFull(r, chunk[:k]); err != nil {
			return nil, err
		}
		buf = append(buf, chunk[:k]...)
		n -= k
	}
	return buf, nil
}

// Lookup returns the column with the given name.
func Lookup(cols []Column, name string) ([]float64, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c.Data, true
		}
	}
	return nil, false
}
