// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vulkan

import (
	"encoding/binary"
	"fmt"

	vk "github.com/devblok/vulkan"
	"github.com/koru3d/rhi/core"
	"github.com/koru3d/rhi/rhi"
)

var formats = [...]vk.Format{
	rhi.FormatR8:              vk.FormatR8Unorm,
	rhi.FormatRG8:             vk.FormatR8g8Unorm,
	rhi.FormatRGBA8:           vk.FormatR8g8b8a8Unorm,
	rhi.FormatBGRA8:           vk.FormatB8g8r8a8Unorm,
	rhi.FormatR32F:            vk.FormatR32Sfloat,
	rhi.FormatRGBA16F:         vk.FormatR16g16b16a16Sfloat,
	rhi.FormatRGBA32F:         vk.FormatR32g32b32a32Sfloat,
	rhi.FormatDepth24Stencil8: vk.FormatD24UnormS8Uint,
	rhi.FormatDepth32F:        vk.FormatD32Sfloat,
}

type texture struct {
	device vk.Device
	image  vk.Image
	view   vk.ImageView
	memory memory

	format        rhi.TextureFormat
	native        vk.Format
	aspect        vk.ImageAspectFlagBits
	width, height int
	levels        int

	// rest is the layout the image is kept in between operations.
	rest vk.ImageLayout
}

func restLayout(desc rhi.TextureDesc) vk.ImageLayout {
	switch {
	case desc.Usage&rhi.TextureSampled != 0:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case desc.Usage&rhi.TextureColorAttachment != 0:
		return vk.ImageLayoutColorAttachmentOptimal
	case desc.Usage&rhi.TextureDepthStencilAttachment != 0:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	}
	return vk.ImageLayoutGeneral
}

func (b *Backend) newTexture(desc rhi.TextureDesc) (*texture, error) {
	t := &texture{
		device: b.device,
		format: desc.Format,
		native: formats[desc.Format],
		aspect: vk.ImageAspectColorBit,
		width:  desc.Width,
		height: desc.Height,
		levels: desc.Levels(),
		rest:   restLayout(desc),
	}
	usage := vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit
	if desc.Usage&rhi.TextureSampled != 0 {
		usage |= vk.ImageUsageSampledBit
	}
	if desc.Usage&rhi.TextureColorAttachment != 0 {
		usage |= vk.ImageUsageColorAttachmentBit
	}
	if desc.Format.IsDepth() {
		t.aspect = vk.ImageAspectDepthBit
		if desc.Format == rhi.FormatDepth24Stencil8 {
			t.aspect |= vk.ImageAspectStencilBit
		}
		usage |= vk.ImageUsageDepthStencilAttachmentBit
	}

	ici := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  uint32(desc.Width),
			Height: uint32(desc.Height),
			Depth:  1,
		},
		MipLevels:     uint32(t.levels),
		ArrayLayers:   1,
		Format:        t.native,
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         vk.ImageUsageFlags(usage),
		SharingMode:   vk.SharingModeExclusive,
		Samples:       vk.SampleCount1Bit,
	}
	var image vk.Image
	if err := check("vk.CreateImage", vk.CreateImage(b.device, &ici, nil, &image)); err != nil {
		return nil, err
	}
	t.image = image

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(b.device, image, &req)
	req.Deref()
	mem, err := b.alloc.malloc(req, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		t.release()
		return nil, err
	}
	t.memory = mem
	if err := check("vk.BindImageMemory", vk.BindImageMemory(b.device, image, mem.memory, 0)); err != nil {
		t.release()
		return nil, err
	}

	ivci := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   t.native,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(t.aspect),
			LevelCount: uint32(t.levels),
			LayerCount: 1,
		},
	}
	var view vk.ImageView
	if err := check("vk.CreateImageView", vk.CreateImageView(b.device, &ivci, nil, &view)); err != nil {
		t.release()
		return nil, err
	}
	t.view = view

	full := rhi.Region{Width: desc.Width, Height: desc.Height}
	if desc.Data != nil {
		err = b.upload(t, 0, full, desc.Data, vk.ImageLayoutUndefined)
	} else {
		err = b.immediate(func(cmd vk.CommandBuffer) error {
			barrier(cmd, t.image, t.aspect, 0, t.levels, vk.ImageLayoutUndefined, t.rest)
			return nil
		})
	}
	if err != nil {
		t.release()
		return nil, err
	}
	return t, nil
}

// upload copies data into region of level lvl through a staging buffer.
// from is the layout the image is currently in.
func (b *Backend) upload(t *texture, lvl int, r rhi.Region, data []byte, from vk.ImageLayout) error {
	if t.format.IsDepth() {
		return fmt.Errorf("%w: upload into depth texture", rhi.ErrUnsupported)
	}
	size := r.Width * r.Height * t.format.BytesPerPixel()
	if len(data) < size {
		return fmt.Errorf("%w: %d bytes for region %+v", rhi.ErrInvalidArgument, len(data), r)
	}
	staging, err := b.alloc.newBuffer(size, vk.BufferUsageTransferSrcBit)
	if err != nil {
		return err
	}
	defer staging.release()
	if err := staging.write(0, data[:size]); err != nil {
		return err
	}
	return b.immediate(func(cmd vk.CommandBuffer) error {
		barrier(cmd, t.image, t.aspect, 0, t.levels, from, vk.ImageLayoutTransferDstOptimal)
		copyBufferToImage(cmd, staging.buffer, t.image, lvl, r)
		barrier(cmd, t.image, t.aspect, 0, t.levels, vk.ImageLayoutTransferDstOptimal, t.rest)
		return nil
	})
}

func mipExtent(v, lvl int) int {
	v >>= uint(lvl)
	if v < 1 {
		return 1
	}
	return v
}

func (b *Backend) generateMipMaps(t *texture) error {
	if t.levels < 2 {
		return nil
	}
	want := vk.FormatFeatureFlags(vk.FormatFeatureBlitSrcBit | vk.FormatFeatureBlitDstBit | vk.FormatFeatureSampledImageFilterLinearBit)
	if b.formatFeatures(t.native)&want != want {
		return fmt.Errorf("%w: mip generation for %s", rhi.ErrUnsupported, t.format)
	}
	return b.immediate(func(cmd vk.CommandBuffer) error {
		barrier(cmd, t.image, t.aspect, 0, t.levels, t.rest, vk.ImageLayoutTransferDstOptimal)
		for lvl := 1; lvl < t.levels; lvl++ {
			barrier(cmd, t.image, t.aspect, lvl-1, 1, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutTransferSrcOptimal)
			blit := vk.ImageBlit{
				SrcSubresource: vk.ImageSubresourceLayers{
					AspectMask: vk.ImageAspectFlags(t.aspect),
					MipLevel:   uint32(lvl - 1),
					LayerCount: 1,
				},
				SrcOffsets: [2]vk.Offset3D{{}, {
					X: int32(mipExtent(t.width, lvl-1)),
					Y: int32(mipExtent(t.height, lvl-1)),
					Z: 1,
				}},
				DstSubresource: vk.ImageSubresourceLayers{
					AspectMask: vk.ImageAspectFlags(t.aspect),
					MipLevel:   uint32(lvl),
					LayerCount: 1,
				},
				DstOffsets: [2]vk.Offset3D{{}, {
					X: int32(mipExtent(t.width, lvl)),
					Y: int32(mipExtent(t.height, lvl)),
					Z: 1,
				}},
			}
			vk.CmdBlitImage(cmd, t.image, vk.ImageLayoutTransferSrcOptimal, t.image, vk.ImageLayoutTransferDstOptimal,
				1, []vk.ImageBlit{blit}, vk.FilterLinear)
			barrier(cmd, t.image, t.aspect, lvl-1, 1, vk.ImageLayoutTransferSrcOptimal, t.rest)
		}
		barrier(cmd, t.image, t.aspect, t.levels-1, 1, vk.ImageLayoutTransferDstOptimal, t.rest)
		return nil
	})
}

func (t *texture) release() {
	if t.view != nil {
		vk.DestroyImageView(t.device, t.view, nil)
		t.view = nil
	}
	if t.image != nil {
		vk.DestroyImage(t.device, t.image, nil)
		t.image = nil
	}
	t.memory.release()
}

type sampler struct {
	device  vk.Device
	sampler vk.Sampler
}

// maxLod leaves the mip chain unclamped.
const maxLod = 1000

var (
	addressing = [...]vk.SamplerAddressMode{
		rhi.WrapRepeat:         vk.SamplerAddressModeRepeat,
		rhi.WrapMirroredRepeat: vk.SamplerAddressModeMirroredRepeat,
		rhi.WrapClampToEdge:    vk.SamplerAddressModeClampToEdge,
		rhi.WrapClampToBorder:  vk.SamplerAddressModeClampToBorder,
	}
	compareOps = [...]vk.CompareOp{
		rhi.CompareNever:        vk.CompareOpNever,
		rhi.CompareLess:         vk.CompareOpLess,
		rhi.CompareEqual:        vk.CompareOpEqual,
		rhi.CompareLessEqual:    vk.CompareOpLessOrEqual,
		rhi.CompareGreater:      vk.CompareOpGreater,
		rhi.CompareNotEqual:     vk.CompareOpNotEqual,
		rhi.CompareGreaterEqual: vk.CompareOpGreaterOrEqual,
		rhi.CompareAlways:       vk.CompareOpAlways,
	}
)

func bool32(v bool) vk.Bool32 {
	if v {
		return vk.True
	}
	return vk.False
}

func borderColor(desc rhi.SamplerDesc) vk.BorderColor {
	c := desc.BorderColor
	switch {
	case c.W() < 0.5:
		return vk.BorderColorFloatTransparentBlack
	case c.X() >= 0.5 && c.Y() >= 0.5 && c.Z() >= 0.5:
		return vk.BorderColorFloatOpaqueWhite
	}
	return vk.BorderColorFloatOpaqueBlack
}

func filter(f rhi.Filter) vk.Filter {
	if f == rhi.FilterLinear {
		return vk.FilterLinear
	}
	return vk.FilterNearest
}

func mipMode(f rhi.Filter) vk.SamplerMipmapMode {
	if f == rhi.FilterLinear {
		return vk.SamplerMipmapModeLinear
	}
	return vk.SamplerMipmapModeNearest
}

func (b *Backend) newSampler(desc rhi.SamplerDesc) (*sampler, error) {
	anisotropy := b.anisotropy && desc.MaxAnisotropy > 1
	sci := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               filter(desc.MagFilter),
		MinFilter:               filter(desc.MinFilter),
		MipmapMode:              mipMode(desc.MipFilter),
		AddressModeU:            addressing[desc.WrapU],
		AddressModeV:            addressing[desc.WrapV],
		AddressModeW:            addressing[desc.WrapW],
		AnisotropyEnable:        bool32(anisotropy),
		MaxAnisotropy:           desc.MaxAnisotropy,
		CompareEnable:           bool32(desc.Compare),
		CompareOp:               vk.CompareOpAlways,
		BorderColor:             borderColor(desc),
		UnnormalizedCoordinates: vk.False,
		MaxLod:                  maxLod,
	}
	if !anisotropy {
		sci.MaxAnisotropy = 1
	}
	if desc.Compare {
		sci.CompareOp = compareOps[desc.CompareFunc]
	}
	var handle vk.Sampler
	if err := check("vk.CreateSampler", vk.CreateSampler(b.device, &sci, nil, &handle)); err != nil {
		return nil, err
	}
	return &sampler{device: b.device, sampler: handle}, nil
}

func (s *sampler) release() {
	vk.DestroySampler(s.device, s.sampler, nil)
}

const spirvMagic = 0x07230203

type program struct {
	device  vk.Device
	name    string
	compute bool
	modules []vk.ShaderModule
	stages  []vk.PipelineShaderStageCreateInfo
}

var stageBits = [...]vk.ShaderStageFlagBits{
	rhi.ShaderVertex:   vk.ShaderStageVertexBit,
	rhi.ShaderFragment: vk.ShaderStageFragmentBit,
	rhi.ShaderCompute:  vk.ShaderStageComputeBit,
}

func (b *Backend) newProgram(desc rhi.ProgramDesc) (*program, error) {
	if desc.Language != rhi.LanguageSPIRV {
		return nil, fmt.Errorf("%w: %s programs", rhi.ErrUnsupported, desc.Language)
	}
	p := &program{device: b.device, name: desc.Name}
	for _, stage := range desc.Stages {
		src := stage.Source
		if len(src) < 20 || len(src)%4 != 0 || binary.LittleEndian.Uint32(src) != spirvMagic {
			p.release()
			return nil, &rhi.CompileError{Program: desc.Name, Stage: stage.Type, Log: "invalid SPIR-V module header"}
		}
		smci := vk.ShaderModuleCreateInfo{
			SType:    vk.StructureTypeShaderModuleCreateInfo,
			CodeSize: uint(len(src)),
			PCode:    core.SliceUint32(src),
		}
		var module vk.ShaderModule
		if err := check("vk.CreateShaderModule", vk.CreateShaderModule(b.device, &smci, nil, &module)); err != nil {
			p.release()
			return nil, &rhi.CompileError{Program: desc.Name, Stage: stage.Type, Log: err.Error()}
		}
		p.modules = append(p.modules, module)
		p.stages = append(p.stages, vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  stageBits[stage.Type],
			Module: module,
			PName:  cstr("main"),
		})
		p.compute = p.compute || stage.Type == rhi.ShaderCompute
	}
	return p, nil
}

func (p *program) release() {
	for _, m := range p.modules {
		vk.DestroyShaderModule(p.device, m, nil)
	}
	p.modules = nil
}

// target is a framebuffer with a loading and a clearing render pass.
type target struct {
	device      vk.Device
	width       int
	height      int
	colors      []*texture
	depth       *texture
	passes      [2]vk.RenderPass
	framebuffer vk.Framebuffer
}

const (
	passLoad = iota
	passClear
)

func (b *Backend) newTarget(desc rhi.RenderTargetDesc) (*target, error) {
	var (
		colors []*texture
		depth  *texture
	)
	for _, c := range desc.Colors {
		native, ok := c.Native().(*texture)
		if !ok {
			return nil, fmt.Errorf("%w: color attachment %d", rhi.ErrNotReady, c.ID())
		}
		colors = append(colors, native)
	}
	if desc.DepthStencil != nil {
		native, ok := desc.DepthStencil.Native().(*texture)
		if !ok {
			return nil, fmt.Errorf("%w: depth attachment %d", rhi.ErrNotReady, desc.DepthStencil.ID())
		}
		depth = native
	}
	return b.framebuffer(colors, depth)
}

func (b *Backend) framebuffer(colors []*texture, depth *texture) (*target, error) {
	t := &target{device: b.device, colors: colors, depth: depth}
	if len(colors) > 0 {
		t.width, t.height = colors[0].width, colors[0].height
	} else {
		t.width, t.height = depth.width, depth.height
	}
	for i := range t.passes {
		pass, err := b.renderPass(colors, depth, i == passClear)
		if err != nil {
			t.release()
			return nil, err
		}
		t.passes[i] = pass
	}

	var views []vk.ImageView
	for _, c := range colors {
		views = append(views, c.view)
	}
	if depth != nil {
		views = append(views, depth.view)
	}
	fci := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      t.passes[passLoad],
		AttachmentCount: uint32(len(views)),
		PAttachments:    views,
		Width:           uint32(t.width),
		Height:          uint32(t.height),
		Layers:          1,
	}
	var fb vk.Framebuffer
	if err := check("vk.CreateFramebuffer", vk.CreateFramebuffer(b.device, &fci, nil, &fb)); err != nil {
		t.release()
		return nil, err
	}
	t.framebuffer = fb
	return t, nil
}

func (b *Backend) renderPass(colors []*texture, depth *texture, clear bool) (vk.RenderPass, error) {
	load := vk.AttachmentLoadOpLoad
	if clear {
		load = vk.AttachmentLoadOpClear
	}
	initial := func(t *texture) vk.ImageLayout {
		if clear {
			return vk.ImageLayoutUndefined
		}
		return t.rest
	}

	var (
		attachments []vk.AttachmentDescription
		colorRefs   []vk.AttachmentReference
	)
	for i, c := range colors {
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         c.native,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         load,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  initial(c),
			FinalLayout:    c.rest,
		})
		colorRefs = append(colorRefs, vk.AttachmentReference{
			Attachment: uint32(i),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
	}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorRefs)),
		PColorAttachments:    colorRefs,
	}
	if depth != nil {
		stencilLoad := vk.AttachmentLoadOpDontCare
		if depth.format == rhi.FormatDepth24Stencil8 {
			stencilLoad = load
		}
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         depth.native,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         load,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  stencilLoad,
			StencilStoreOp: vk.AttachmentStoreOpStore,
			InitialLayout:  initial(depth),
			FinalLayout:    depth.rest,
		})
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(len(colors)),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}

	rpci := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
	}
	var pass vk.RenderPass
	if err := check("vk.CreateRenderPass", vk.CreateRenderPass(b.device, &rpci, nil, &pass)); err != nil {
		return nil, err
	}
	return pass, nil
}

func (t *target) release() {
	if t.framebuffer != nil {
		vk.DestroyFramebuffer(t.device, t.framebuffer, nil)
		t.framebuffer = nil
	}
	for i, p := range t.passes {
		if p != nil {
			vk.DestroyRenderPass(t.device, p, nil)
			t.passes[i] = nil
		}
	}
}
