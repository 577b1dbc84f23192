// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package kar is an api for an lz4 backed file format.
// It's purpose is to be well suited for streaming resources from it.
// It's designed to be memory mapped, so (unlike tar) it knows where all
// the files are located before they're read. The archive itself is not
// compressed, rather every file is individually compressed, so it can
// be read from its place and decompressed on the fly. It can be read
// from concurrently.
//
// Layout:
//
//	"KAR\x00" | header size (int64, little endian) | gob Header | entries
//
// Entry offsets are relative to the first byte after the header.
package kar

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
)

// package errors
var (
	ErrFileFormat = errors.New("kar: corrupted or not a kar archive")
	ErrNotFound   = errors.New("kar: no such file in archive")
	ErrDuplicate  = errors.New("kar: duplicate file name")
)

// Sizes relevant to the header of file
const (
	MagicLength            = 4
	HeaderSizeNumberLength = 8

	preambleLength = MagicLength + HeaderSizeNumberLength

	// maxHeaderSize bounds the gob header a reader is willing to decode.
	maxHeaderSize = 64 << 20
)

// FormatVersion is written to the Version of every new archive.
const FormatVersion = 1

var magic = [MagicLength]byte{'K', 'A', 'R', '\x00'}

// IndexEntry is info for one file in the file index.
type IndexEntry struct {
	Name           string
	Offset         int64
	Size           int64
	CompressedSize int64
}

// Header is the file header for kar files.
type Header struct {
	Author      string
	DateCreated int64
	Version     int64
	Index       []IndexEntry
}

func int64ToBinary(num int64) []byte {
	b := make([]byte, HeaderSizeNumberLength)
	binary.LittleEndian.PutUint64(b, uint64(num))
	return b
}

func binaryToInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func gobEncode(data interface{}) ([]byte, error) {
	var encoded bytes.Buffer
	if err := gob.NewEncoder(&encoded).Encode(data); err != nil {
		return nil, err
	}
	return encoded.Bytes(), nil
}

func gobDecode(obj interface{}, b []byte) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(obj); err != nil {
		return fmt.Errorf("%w: header: %v", ErrFileFormat, err)
	}
	return nil
}
