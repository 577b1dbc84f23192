// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core_test

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/koru3d/rhi/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 7, 255})
		}
	}
	return img
}

func TestSliceUint32(t *testing.T) {
	words := core.SliceUint32([]byte{0x03, 0x02, 0x23, 0x07, 1, 0, 0, 0, 9})
	assert.Equal(t, []uint32{0x07230203, 1}, words)
	assert.Empty(t, core.SliceUint32(nil))
}

func TestGetPixels(t *testing.T) {
	pix := core.GetPixels(testImage(3, 2), 0)
	require.Len(t, pix, 3*2*4)
	assert.Equal(t, []uint8{2, 1, 7, 255}, pix[(1*3+2)*4:(1*3+2)*4+4])

	padded := core.GetPixels(testImage(3, 2), 16)
	require.Len(t, padded, 16*2)
	assert.Equal(t, []uint8{2, 1, 7, 255}, padded[16+8:16+12])
}

func TestTimeFrames(t *testing.T) {
	tm := core.NewTime(core.TimeConfiguration{FramesPerSecond: 50})
	defer tm.Stop()
	assert.Equal(t, 50, tm.Fps())

	start := time.Now()
	tm.Frame(start)
	delta := tm.Frame(start.Add(20 * time.Millisecond))
	assert.Equal(t, 20*time.Millisecond, delta)
	assert.Equal(t, uint64(2), tm.Frames())
	assert.Greater(t, tm.AverageFps(), 0.0)
}

func BenchmarkGetPixelsNoRowPitch(b *testing.B) {
	img := testImage(256, 256)
	for idx := 0; idx < b.N; idx++ {
		core.GetPixels(img, 0)
	}
}

func BenchmarkGetPixelsBigRowPitch(b *testing.B) {
	img := testImage(256, 256)
	for idx := 0; idx < b.N; idx++ {
		core.GetPixels(img, 2048)
	}
}

func BenchmarkSliceUint32Big(b *testing.B) {
	data := make([]byte, 1<<20)
	for idx := 0; idx < b.N; idx++ {
		core.SliceUint32(data)
	}
}
