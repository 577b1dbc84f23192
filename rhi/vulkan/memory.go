// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vulkan

import (
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/devblok/vulkan"
)

var errNoMemoryType = errors.New("suitable memory type not found")

// memory is a single device allocation.
type memory struct {
	device vk.Device
	memory vk.DeviceMemory
	size   vk.DeviceSize
}

func (m *memory) release() {
	if m.memory != nil {
		vk.FreeMemory(m.device, m.memory, nil)
		m.memory = nil
	}
}

// allocator hands out device memory matching the properties of the
// physical device.
type allocator struct {
	device        vk.Device
	memProperties vk.PhysicalDeviceMemoryProperties
}

func newAllocator(device vk.Device, gpu vk.PhysicalDevice) *allocator {
	var memProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(gpu, &memProperties)
	memProperties.Deref()
	return &allocator{
		device:        device,
		memProperties: memProperties,
	}
}

func (a *allocator) malloc(req vk.MemoryRequirements, prop vk.MemoryPropertyFlagBits) (memory, error) {
	memTypeIdx, err := a.findMemoryType(req.MemoryTypeBits, vk.MemoryPropertyFlags(prop))
	if err != nil {
		return memory{}, err
	}

	mai := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: memTypeIdx,
	}

	var mem vk.DeviceMemory
	if err := check("vk.AllocateMemory", vk.AllocateMemory(a.device, &mai, nil, &mem)); err != nil {
		return memory{}, err
	}
	return memory{
		device: a.device,
		memory: mem,
		size:   req.Size,
	}, nil
}

func (a *allocator) findMemoryType(filter uint32, prop vk.MemoryPropertyFlags) (uint32, error) {
	for idx := uint32(0); idx < a.memProperties.MemoryTypeCount; idx++ {
		a.memProperties.MemoryTypes[idx].Deref()
		if filter&(1<<idx) != 0 && (a.memProperties.MemoryTypes[idx].PropertyFlags&prop) == prop {
			return idx, nil
		}
	}
	return 0, fmt.Errorf("memory type %#x with properties %#x: %w", filter, prop, errNoMemoryType)
}

// buffer is a host visible, persistently mapped buffer.
type buffer struct {
	device vk.Device
	buffer vk.Buffer
	memory memory
	mapped []byte
}

func (a *allocator) newBuffer(size int, usage vk.BufferUsageFlagBits) (*buffer, error) {
	createInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var handle vk.Buffer
	if err := check("vk.CreateBuffer", vk.CreateBuffer(a.device, &createInfo, nil, &handle)); err != nil {
		return nil, err
	}
	b := &buffer{device: a.device, buffer: handle}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(a.device, handle, &req)
	req.Deref()

	mem, err := a.malloc(req, vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
	if err != nil {
		b.release()
		return nil, err
	}
	b.memory = mem
	if err := check("vk.BindBufferMemory", vk.BindBufferMemory(a.device, handle, mem.memory, 0)); err != nil {
		b.release()
		return nil, err
	}

	var ptr unsafe.Pointer
	if err := check("vk.MapMemory", vk.MapMemory(a.device, mem.memory, 0, vk.DeviceSize(size), 0, &ptr)); err != nil {
		b.release()
		return nil, err
	}
	b.mapped = unsafe.Slice((*byte)(ptr), size)
	return b, nil
}

func (b *buffer) size() int {
	return len(b.mapped)
}

func (b *buffer) write(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > len(b.mapped) {
		return fmt.Errorf("write of %d bytes at %d into %d", len(data), offset, len(b.mapped))
	}
	copy(b.mapped[offset:], data)
	return nil
}

func (b *buffer) read(offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > len(b.mapped) {
		return nil, fmt.Errorf("read of %d bytes at %d from %d", size, offset, len(b.mapped))
	}
	return append([]byte(nil), b.mapped[offset:offset+size]...), nil
}

func (b *buffer) release() {
	if b.mapped != nil {
		vk.UnmapMemory(b.device, b.memory.memory)
		b.mapped = nil
	}
	if b.buffer != nil {
		vk.DestroyBuffer(b.device, b.buffer, nil)
		b.buffer = nil
	}
	b.memory.release()
}
