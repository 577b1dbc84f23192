// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"encoding/binary"
	"image"
	"image/draw"
)

// SliceUint32 reads bytes as little endian words, that is used
// to submit vulkan shaders for processing. Trailing bytes that do not
// fill a word are dropped.
func SliceUint32(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words
}

// GetPixels transforms a given image into right arrangement of pixels
// by drawing the decoded image onto a controlled RGBA canvas. A row
// pitch larger than the packed row leaves padding after every row.
func GetPixels(img image.Image, rowPitch int) []uint8 {
	bounds := img.Bounds()
	packed := 4 * bounds.Dx()
	if rowPitch < packed {
		rowPitch = packed
	}
	rgba := &image.RGBA{
		Pix:    make([]uint8, rowPitch*bounds.Dy()),
		Stride: rowPitch,
		Rect:   bounds,
	}
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba.Pix
}
