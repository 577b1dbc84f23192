// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kar_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koru3d/rhi/utility/kar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testString1 = "idunvovkjnreovmegihjbrqlkmfrjnb"
	testString2 = "idunvovkjnreovmsdvwrvnervnreegihjbrqlkmfrjnb"
)

func build(t *testing.T, files map[string]string, order ...string) []byte {
	t.Helper()
	builder, err := kar.NewBuilder(kar.Header{
		Author:      "devblok",
		DateCreated: time.Now().Unix(),
	})
	require.NoError(t, err)
	defer builder.Close()
	for _, name := range order {
		require.NoError(t, builder.Add(name, strings.NewReader(files[name])))
	}
	var buf bytes.Buffer
	_, err = builder.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestCreateAndRead(t *testing.T) {
	data := build(t, map[string]string{"test": testString1, "test2": testString2}, "test", "test2")

	ar, err := kar.Open(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"test", "test2"}, ar.List())
	assert.Equal(t, "devblok", ar.Header().Author)

	f, err := ar.Open("test2")
	require.NoError(t, err)
	assert.Equal(t, "test2", f.Name())
	assert.Equal(t, int64(len(testString2)), f.Size())
	result, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, testString2, string(result))
}

func TestCreateAndReadAll(t *testing.T) {
	big := strings.Repeat("koru ", 50000)
	data := build(t, map[string]string{"test": testString1, "big": big, "empty": ""}, "test", "big", "empty")

	ar, err := kar.Open(bytes.NewReader(data))
	require.NoError(t, err)

	got, err := ar.ReadAll("test")
	require.NoError(t, err)
	assert.Equal(t, testString1, string(got))

	got, err = ar.ReadAll("big")
	require.NoError(t, err)
	assert.Equal(t, big, string(got))
	e, err := ar.Stat("big")
	require.NoError(t, err)
	assert.Less(t, e.CompressedSize, e.Size)

	got, err = ar.ReadAll("empty")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ar.ReadAll("missing")
	assert.ErrorIs(t, err, kar.ErrNotFound)
}

func TestConcurrentReads(t *testing.T) {
	data := build(t, map[string]string{"test": testString1, "test2": testString2}, "test", "test2")
	ar, err := kar.Open(bytes.NewReader(data))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, want := "test", testString1
			if i%2 == 1 {
				name, want = "test2", testString2
			}
			got, err := ar.ReadAll(name)
			assert.NoError(t, err)
			assert.Equal(t, want, string(got))
		}(i)
	}
	wg.Wait()
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := kar.Open(bytes.NewReader([]byte("PK\x03\x04 definitely a zip")))
	assert.ErrorIs(t, err, kar.ErrFileFormat)

	_, err = kar.Open(bytes.NewReader([]byte("KAR")))
	assert.ErrorIs(t, err, kar.ErrFileFormat)

	data := build(t, map[string]string{"test": testString1}, "test")
	_, err = kar.Open(bytes.NewReader(data[:20]))
	assert.ErrorIs(t, err, kar.ErrFileFormat)

	corrupt := append([]byte(nil), data...)
	for i := 12; i < 40; i++ {
		corrupt[i] = 0xff
	}
	_, err = kar.Open(bytes.NewReader(corrupt))
	assert.ErrorIs(t, err, kar.ErrFileFormat)
}

func TestOpenFileMapped(t *testing.T) {
	data := build(t, map[string]string{"test": testString1, "test2": testString2}, "test", "test2")
	path := filepath.Join(t.TempDir(), "opentest.kar")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	ar, err := kar.OpenFile(path)
	require.NoError(t, err)
	defer ar.Close()

	got, err := ar.ReadAll("test")
	require.NoError(t, err)
	assert.Equal(t, testString1, string(got))

	_, err = kar.OpenFile(filepath.Join(t.TempDir(), "missing.kar"))
	assert.Error(t, err)
}
