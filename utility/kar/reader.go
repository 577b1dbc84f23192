// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kar

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4"
	"golang.org/x/exp/mmap"
)

// Open opens the kar archived from r. It will also check
// if the file is actually a kar archive, will return an error
// when file incorrect.
func Open(r io.ReaderAt) (*Archive, error) {
	preamble := make([]byte, preambleLength)
	if err := readFull(r, preamble, 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(preamble[:MagicLength], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrFileFormat)
	}

	headerSize := binaryToInt64(preamble[MagicLength:])
	if headerSize <= 0 || headerSize > maxHeaderSize {
		return nil, fmt.Errorf("%w: header size %d", ErrFileFormat, headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if err := readFull(r, headerBytes, preambleLength); err != nil {
		return nil, err
	}

	ar := &Archive{
		reader:     r,
		dataOffset: preambleLength + headerSize,
		index:      make(map[string]IndexEntry),
	}
	if err := gobDecode(&ar.header, headerBytes); err != nil {
		return nil, err
	}
	for _, e := range ar.header.Index {
		if e.Offset < 0 || e.Size < 0 || e.CompressedSize < 0 {
			return nil, fmt.Errorf("%w: entry %s", ErrFileFormat, e.Name)
		}
		ar.index[e.Name] = e
	}
	return ar, nil
}

// OpenFile memory maps the archive at path.
func OpenFile(path string) (*Archive, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	ar, err := Open(m)
	if err != nil {
		m.Close()
		return nil, err
	}
	ar.closer = m
	return ar, nil
}

func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: truncated", ErrFileFormat)
	}
	return err
}

// Archive provides concurrent io for a kar file, and can provide
// an io.Reader for each file separately to perform actions on.
type Archive struct {
	reader     io.ReaderAt
	closer     io.Closer
	header     Header
	dataOffset int64
	index      map[string]IndexEntry
}

// Header returns the archive header, including its index.
func (a *Archive) Header() Header {
	return a.header
}

// List returns the names of the files in archive order.
func (a *Archive) List() []string {
	names := make([]string, 0, len(a.header.Index))
	for _, e := range a.header.Index {
		names = append(names, e.Name)
	}
	return names
}

// Stat returns the index entry of a file.
func (a *Archive) Stat(name string) (IndexEntry, error) {
	e, ok := a.index[name]
	if !ok {
		return IndexEntry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e, nil
}

// ReadAll returns the entire contents of a file with a given name
func (a *Archive) ReadAll(name string) ([]byte, error) {
	r, err := a.Open(name)
	if err != nil {
		return nil, err
	}
	data := make([]byte, r.Size())
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("kar: read %s: %w", name, err)
	}
	return data, nil
}

// Open returns a Reader for a file in the Archive
func (a *Archive) Open(name string) (*Reader, error) {
	e, err := a.Stat(name)
	if err != nil {
		return nil, err
	}
	section := io.NewSectionReader(a.reader, a.dataOffset+e.Offset, e.CompressedSize)
	return &Reader{
		entry: e,
		lz:    lz4.NewReader(section),
	}, nil
}

// Close releases the memory mapping of archives opened with OpenFile.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// Reader is a reader for a single file in an Archive.
// Abstracts away the location that needs to be known.
type Reader struct {
	entry IndexEntry
	lz    *lz4.Reader
}

// Name returns the file name.
func (r *Reader) Name() string { return r.entry.Name }

// Size returns the uncompressed size.
func (r *Reader) Size() int64 { return r.entry.Size }

// Read reads already decompressed data
func (r *Reader) Read(p []byte) (n int, err error) {
	return r.lz.Read(p)
}
