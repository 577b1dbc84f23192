// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vulkan

import (
	"fmt"

	vk "github.com/devblok/vulkan"
	"github.com/koru3d/rhi/rhi"
)

// check converts a vk.Result into an error. A lost device is reported
// as rhi.ErrContextLost so the driver stops.
func check(call string, res vk.Result) error {
	if res == vk.Success {
		return nil
	}
	if res == vk.ErrorDeviceLost {
		return fmt.Errorf("%s(): %w", call, rhi.ErrContextLost)
	}
	return fmt.Errorf("%s(): %s", call, vk.Error(res))
}

func (b *Backend) beginCommands() (vk.CommandBuffer, error) {
	cbai := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		Level:              vk.CommandBufferLevelPrimary,
		CommandPool:        b.pool,
		CommandBufferCount: 1,
	}

	commandBuffers := make([]vk.CommandBuffer, 1)
	if err := check("vk.AllocateCommandBuffers", vk.AllocateCommandBuffers(b.device, &cbai, commandBuffers)); err != nil {
		return nil, err
	}
	cmd := commandBuffers[0]

	cbbi := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := check("vk.BeginCommandBuffer", vk.BeginCommandBuffer(cmd, &cbbi)); err != nil {
		vk.FreeCommandBuffers(b.device, b.pool, 1, []vk.CommandBuffer{cmd})
		return nil, err
	}
	return cmd, nil
}

// endCommands submits cmd, waits for the queue to drain and frees it.
func (b *Backend) endCommands(cmd vk.CommandBuffer) error {
	defer vk.FreeCommandBuffers(b.device, b.pool, 1, []vk.CommandBuffer{cmd})

	if err := check("vk.EndCommandBuffer", vk.EndCommandBuffer(cmd)); err != nil {
		return err
	}
	si := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{cmd},
	}
	if err := check("vk.QueueSubmit", vk.QueueSubmit(b.queue, 1, []vk.SubmitInfo{si}, nil)); err != nil {
		return err
	}
	return check("vk.QueueWaitIdle", vk.QueueWaitIdle(b.queue))
}

// immediate records fn into a one time command buffer and waits for it.
func (b *Backend) immediate(fn func(cmd vk.CommandBuffer) error) error {
	cmd, err := b.beginCommands()
	if err != nil {
		return err
	}
	if err := fn(cmd); err != nil {
		vk.FreeCommandBuffers(b.device, b.pool, 1, []vk.CommandBuffer{cmd})
		return err
	}
	return b.endCommands(cmd)
}

// barrier moves levels [base, base+count) of img between layouts and
// waits for all prior memory access.
func barrier(cmd vk.CommandBuffer, img vk.Image, aspect vk.ImageAspectFlagBits, base, count int, from, to vk.ImageLayout) {
	imb := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           from,
		NewLayout:           to,
		SrcAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
		DstAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               img,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(aspect),
			BaseMipLevel:   uint32(base),
			LevelCount:     uint32(count),
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	stages := vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	vk.CmdPipelineBarrier(cmd, stages, stages, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{imb})
}

func copyBufferToImage(cmd vk.CommandBuffer, buf vk.Buffer, img vk.Image, lvl int, r rhi.Region) {
	bic := vk.BufferImageCopy{
		ImageOffset: vk.Offset3D{X: int32(r.X), Y: int32(r.Y)},
		ImageExtent: vk.Extent3D{
			Width:  uint32(r.Width),
			Height: uint32(r.Height),
			Depth:  1,
		},
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevel:       uint32(lvl),
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	vk.CmdCopyBufferToImage(cmd, buf, img, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{bic})
}

func copyImageToBuffer(cmd vk.CommandBuffer, img vk.Image, buf vk.Buffer, width, height int) {
	bic := vk.BufferImageCopy{
		ImageExtent: vk.Extent3D{
			Width:  uint32(width),
			Height: uint32(height),
			Depth:  1,
		},
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
	}
	vk.CmdCopyImageToBuffer(cmd, img, vk.ImageLayoutTransferSrcOptimal, buf, 1, []vk.BufferImageCopy{bic})
}
