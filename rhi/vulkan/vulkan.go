// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package vulkan implements an offscreen rhi backend on top of the
// Vulkan API. Scenes are rendered into an internal color image that
// can be handed to the host through Options.Present.
//
// Every submission waits for the queue to become idle, so native
// objects can be destroyed as soon as the driver releases them.
package vulkan

import (
	"errors"
	"fmt"

	vk "github.com/devblok/vulkan"
	"github.com/koru3d/rhi/rhi"
	"github.com/sirupsen/logrus"
)

// ErrNoDevice is returned by Init when no usable physical device exists.
var ErrNoDevice = errors.New("vulkan: no device with a graphics queue")

// Frame is a finished scene surface in RGBA8.
type Frame struct {
	Width, Height int
	Pix           []byte
	Index         uint64
}

// Options configures a Backend.
type Options struct {
	Logger logrus.FieldLogger

	// Debug enables the validation layers.
	Debug bool

	// DeviceIndex selects the physical device.
	DeviceIndex int

	// Present receives every finished scene. The frame is only valid
	// during the call. Scenes are not read back when Present is nil.
	Present func(Frame)
}

// Backend is the Vulkan rhi.Backend.
type Backend struct {
	opts Options
	log  logrus.FieldLogger
	ctx  *context

	instance    vk.Instance
	gpu         vk.PhysicalDevice
	device      vk.Device
	queue       vk.Queue
	queueFamily uint32
	pool        vk.CommandPool
	layout      vk.PipelineLayout
	alloc       *allocator
	anisotropy  bool

	pipelines map[pipelineKey]vk.Pipeline
}

// New creates a Vulkan backend. Nothing touches the API before Init.
func New(opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	b := &Backend{
		opts:      opts,
		log:       opts.Logger.WithField("component", "rhi/vulkan"),
		pipelines: make(map[pipelineKey]vk.Pipeline),
	}
	b.ctx = &context{backend: b}
	return b
}

// Type implements rhi.Backend.
func (b *Backend) Type() rhi.Type {
	return rhi.TypeVulkan
}

// Context implements rhi.Backend.
func (b *Backend) Context() rhi.Context {
	return b.ctx
}

func cstr(s string) string {
	return s + "\x00"
}

func cstrs(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, cstr(s))
	}
	return out
}

// Init implements rhi.Backend.
func (b *Backend) Init() (rhi.Caps, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return rhi.Caps{}, fmt.Errorf("vk.SetDefaultGetInstanceProcAddr(): %w", err)
	}
	if err := vk.Init(); err != nil {
		return rhi.Caps{}, fmt.Errorf("vk.Init(): %w", err)
	}
	if err := b.createInstance(); err != nil {
		return rhi.Caps{}, err
	}
	if err := b.pickDevice(); err != nil {
		b.Shutdown()
		return rhi.Caps{}, err
	}
	if err := b.createDevice(); err != nil {
		b.Shutdown()
		return rhi.Caps{}, err
	}
	caps := b.caps()
	b.log.WithFields(logrus.Fields{
		"device":         caps.Name,
		"maxTextureSize": caps.MaxTextureSize,
		"formats":        len(caps.TextureFormats),
	}).Info("Vulkan backend initialized")
	return caps, nil
}

func (b *Backend) createInstance() error {
	var layers, extensions []string
	if b.opts.Debug {
		layers = append(layers, "VK_LAYER_KHRONOS_validation")
	}
	instanceInfo := vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			ApiVersion:         vk.MakeVersion(1, 0, 0),
			ApplicationVersion: vk.MakeVersion(1, 0, 0),
			PApplicationName:   cstr("Koru3D"),
			PEngineName:        cstr("Koru3D"),
		},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: cstrs(extensions),
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     cstrs(layers),
	}

	var instance vk.Instance
	if err := check("vk.CreateInstance", vk.CreateInstance(&instanceInfo, nil, &instance)); err != nil {
		return err
	}
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, nil)
		return fmt.Errorf("vk.InitInstance(): %w", err)
	}
	b.instance = instance
	return nil
}

func (b *Backend) pickDevice() error {
	var count uint32
	if err := check("vk.EnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(b.instance, &count, nil)); err != nil {
		return err
	}
	gpus := make([]vk.PhysicalDevice, count)
	if err := check("vk.EnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(b.instance, &count, gpus)); err != nil {
		return err
	}
	if b.opts.DeviceIndex < 0 || b.opts.DeviceIndex >= len(gpus) {
		return fmt.Errorf("%w: index %d of %d devices", ErrNoDevice, b.opts.DeviceIndex, len(gpus))
	}
	gpu := gpus[b.opts.DeviceIndex]

	var familyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &familyCount, nil)
	families := make([]vk.QueueFamilyProperties, familyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &familyCount, families)
	for i := range families {
		families[i].Deref()
		if families[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			b.gpu = gpu
			b.queueFamily = uint32(i)
			return nil
		}
	}
	return ErrNoDevice
}

func (b *Backend) createDevice() error {
	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(b.gpu, &features)
	features.Deref()
	b.anisotropy = features.SamplerAnisotropy == vk.True

	queueInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: b.queueFamily,
		QueueCount:       1,
		PQueuePriorities: []float32{1},
	}}
	dci := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(queueInfos)),
		PQueueCreateInfos:    queueInfos,
		PEnabledFeatures: []vk.PhysicalDeviceFeatures{{
			SamplerAnisotropy: features.SamplerAnisotropy,
		}},
	}
	var device vk.Device
	if err := check("vk.CreateDevice", vk.CreateDevice(b.gpu, &dci, nil, &device)); err != nil {
		return err
	}
	b.device = device

	var queue vk.Queue
	vk.GetDeviceQueue(device, b.queueFamily, 0, &queue)
	b.queue = queue

	cpci := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: b.queueFamily,
	}
	var pool vk.CommandPool
	if err := check("vk.CreateCommandPool", vk.CreateCommandPool(device, &cpci, nil, &pool)); err != nil {
		return err
	}
	b.pool = pool

	plci := vk.PipelineLayoutCreateInfo{
		SType: vk.StructureTypePipelineLayoutCreateInfo,
	}
	var layout vk.PipelineLayout
	if err := check("vk.CreatePipelineLayout", vk.CreatePipelineLayout(device, &plci, nil, &layout)); err != nil {
		return err
	}
	b.layout = layout
	b.alloc = newAllocator(device, b.gpu)
	return nil
}

func (b *Backend) formatFeatures(f vk.Format) vk.FormatFeatureFlags {
	var props vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(b.gpu, f, &props)
	props.Deref()
	return props.OptimalTilingFeatures
}

func (b *Backend) caps() rhi.Caps {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(b.gpu, &props)
	props.Deref()
	props.Limits.Deref()

	caps := rhi.Caps{
		Name:                 vk.ToString(props.DeviceName[:]),
		ShaderLanguages:      []rhi.ShaderLanguage{rhi.LanguageSPIRV},
		MaxTextureSize:       int(props.Limits.MaxImageDimension2D),
		MaxColorAttachments:  int(props.Limits.MaxColorAttachments),
		MaxVertexAttributes:  int(props.Limits.MaxVertexInputAttributes),
		MaxUniformBufferSize: int(props.Limits.MaxUniformBufferRange),
		MaxTextureSlots:      int(props.Limits.MaxPerStageDescriptorSampledImages),
	}
	for f, native := range formats {
		want := vk.FormatFeatureFlags(vk.FormatFeatureSampledImageBit)
		if rhi.TextureFormat(f).IsDepth() {
			want = vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit)
		}
		if b.formatFeatures(native)&want == want {
			caps.TextureFormats = append(caps.TextureFormats, rhi.TextureFormat(f))
		}
	}
	return caps
}

// Shutdown implements rhi.Backend.
func (b *Backend) Shutdown() {
	if b.device != nil {
		vk.DeviceWaitIdle(b.device)
		b.ctx.reset()
		for key, p := range b.pipelines {
			vk.DestroyPipeline(b.device, p, nil)
			delete(b.pipelines, key)
		}
		if b.layout != nil {
			vk.DestroyPipelineLayout(b.device, b.layout, nil)
		}
		if b.pool != nil {
			vk.DestroyCommandPool(b.device, b.pool, nil)
		}
		vk.DestroyDevice(b.device, nil)
		b.device = nil
	}
	if b.instance != nil {
		vk.DestroyInstance(b.instance, nil)
		b.instance = nil
	}
	b.log.Debug("Vulkan backend shut down")
}

// Initialize implements rhi.Backend.
func (b *Backend) Initialize(r rhi.Resource) error {
	var (
		native interface{}
		err    error
	)
	switch res := r.(type) {
	case *rhi.VertexBuffer:
		native, err = b.newDataBuffer(res.Size(), vk.BufferUsageVertexBufferBit, res.Desc().Data)
	case *rhi.IndexBuffer:
		native, err = b.newDataBuffer(res.Size(), vk.BufferUsageIndexBufferBit, res.Desc().Data)
	case *rhi.UniformBuffer:
		native, err = b.newDataBuffer(res.Size(), vk.BufferUsageUniformBufferBit, res.Desc().Data)
	case *rhi.Texture:
		native, err = b.newTexture(res.Desc())
	case *rhi.Sampler:
		native, err = b.newSampler(res.Desc())
	case *rhi.Program:
		native, err = b.newProgram(res.Desc())
	case *rhi.RenderTarget:
		native, err = b.newTarget(res.Desc())
	default:
		err = fmt.Errorf("%w: resource %T", rhi.ErrUnsupported, r)
	}
	if err != nil {
		return err
	}
	r.SetNative(native)
	return nil
}

func (b *Backend) newDataBuffer(size int, usage vk.BufferUsageFlagBits, data []byte) (*buffer, error) {
	buf, err := b.alloc.newBuffer(size, usage|vk.BufferUsageTransferSrcBit|vk.BufferUsageTransferDstBit)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := buf.write(0, data); err != nil {
			buf.release()
			return nil, err
		}
	}
	return buf, nil
}

// Release implements rhi.Backend.
func (b *Backend) Release(r rhi.Resource) {
	native := r.Native()
	if native == nil {
		return
	}
	b.ctx.unbind(r)
	r.SetNative(nil)

	var destroy func()
	switch n := native.(type) {
	case *buffer:
		destroy = n.release
	case *texture:
		destroy = n.release
	case *sampler:
		destroy = n.release
	case *program:
		destroy = func() {
			b.dropPipelines(func(k pipelineKey) bool { return k.program == n })
			n.release()
		}
	case *target:
		destroy = func() {
			b.dropPipelines(func(k pipelineKey) bool { return k.pass == n.passes[0] })
			n.release()
		}
	default:
		b.log.WithField("native", fmt.Sprintf("%T", native)).Warn("Unknown native object")
		return
	}
	b.ctx.bury(destroy)
}
