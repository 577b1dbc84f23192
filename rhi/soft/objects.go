// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package soft

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"

	"github.com/koru3d/rhi/rhi"
	"golang.org/x/image/draw"
)

type buffer struct {
	data []byte
}

func newBuffer(size int, initial []byte) *buffer {
	b := &buffer{data: make([]byte, size)}
	copy(b.data, initial)
	return b
}

type level struct {
	width, height int
	pix           []byte
}

type texture struct {
	format rhi.TextureFormat
	levels []level
}

func newTexture(desc rhi.TextureDesc) (*texture, error) {
	bpp := desc.Format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: format %s", rhi.ErrUnsupported, desc.Format)
	}
	t := &texture{
		format: desc.Format,
		levels: make([]level, desc.Levels()),
	}
	w, h := desc.Width, desc.Height
	for i := range t.levels {
		t.levels[i] = level{width: w, height: h, pix: make([]byte, w*h*bpp)}
		w, h = half(w), half(h)
	}
	copy(t.levels[0].pix, desc.Data)
	return t, nil
}

func half(v int) int {
	if v > 1 {
		return v / 2
	}
	return 1
}

func (t *texture) write(lvl int, r rhi.Region, data []byte) error {
	if lvl < 0 || lvl >= len(t.levels) {
		return fmt.Errorf("%w: mip level %d of %d", rhi.ErrInvalidArgument, lvl, len(t.levels))
	}
	l := &t.levels[lvl]
	if r.X < 0 || r.Y < 0 || r.X+r.Width > l.width || r.Y+r.Height > l.height {
		return fmt.Errorf("%w: region %+v outside %dx%d", rhi.ErrInvalidArgument, r, l.width, l.height)
	}
	bpp := t.format.BytesPerPixel()
	row := r.Width * bpp
	if len(data) < row*r.Height {
		return fmt.Errorf("%w: %d bytes for region %+v", rhi.ErrInvalidArgument, len(data), r)
	}
	for y := 0; y < r.Height; y++ {
		dst := ((r.Y+y)*l.width + r.X) * bpp
		copy(l.pix[dst:dst+row], data[y*row:(y+1)*row])
	}
	return nil
}

// generateMipMaps downsamples each level from the previous one. Only
// four channel 8 bit formats can be filtered.
func (t *texture) generateMipMaps() error {
	if t.format != rhi.FormatRGBA8 && t.format != rhi.FormatBGRA8 {
		return fmt.Errorf("%w: mipmap generation for %s", rhi.ErrUnsupported, t.format)
	}
	for i := 1; i < len(t.levels); i++ {
		src, dst := t.levels[i-1], t.levels[i]
		srcImg := &image.RGBA{Pix: src.pix, Stride: src.width * 4, Rect: image.Rect(0, 0, src.width, src.height)}
		dstImg := &image.RGBA{Pix: dst.pix, Stride: dst.width * 4, Rect: image.Rect(0, 0, dst.width, dst.height)}
		draw.BiLinear.Scale(dstImg, dstImg.Bounds(), srcImg, srcImg.Bounds(), draw.Src, nil)
	}
	return nil
}

func (t *texture) fill(c [4]byte) {
	bpp := t.format.BytesPerPixel()
	pix := t.levels[0].pix
	for i := 0; i+bpp <= len(pix); i += bpp {
		copy(pix[i:i+bpp], c[:])
	}
}

type program struct {
	name   string
	stages []rhi.ShaderType
}

const spirvMagic = 0x07230203

// compile checks program sources well enough to catch the mistakes a
// real compiler would reject first: missing entry points and sources
// in the wrong language.
func compile(desc rhi.ProgramDesc) (*program, error) {
	p := &program{name: desc.Name}
	for _, stage := range desc.Stages {
		switch desc.Language {
		case rhi.LanguageGLSL:
			if !bytes.Contains(stage.Source, []byte("void main")) {
				return nil, &rhi.CompileError{
					Program: desc.Name,
					Stage:   stage.Type,
					Log:     "ERROR: 0:1: 'main' : function not defined",
				}
			}
		case rhi.LanguageSPIRV:
			if len(stage.Source) < 20 || len(stage.Source)%4 != 0 ||
				binary.LittleEndian.Uint32(stage.Source) != spirvMagic {
				return nil, &rhi.CompileError{
					Program: desc.Name,
					Stage:   stage.Type,
					Log:     "invalid SPIR-V module header",
				}
			}
		default:
			return nil, fmt.Errorf("%w: language %s", rhi.ErrUnsupported, desc.Language)
		}
		p.stages = append(p.stages, stage.Type)
	}
	return p, nil
}

type target struct {
	width, height int
	colors        []*texture
	depth         *texture
}

func newTarget(desc rhi.RenderTargetDesc) (*target, error) {
	t := &target{}
	attachment := func(tex *rhi.Texture) (*texture, error) {
		native, ok := tex.Native().(*texture)
		if !ok {
			return nil, fmt.Errorf("%w: attachment %d has no storage", rhi.ErrNotReady, tex.ID())
		}
		t.width, t.height = tex.Extent()
		return native, nil
	}
	for _, c := range desc.Colors {
		native, err := attachment(c)
		if err != nil {
			return nil, err
		}
		t.colors = append(t.colors, native)
	}
	if desc.DepthStencil != nil {
		native, err := attachment(desc.DepthStencil)
		if err != nil {
			return nil, err
		}
		t.depth = native
	}
	return t, nil
}
