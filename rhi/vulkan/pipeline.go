// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vulkan

import (
	"fmt"
	"strings"

	vk "github.com/devblok/vulkan"
	"github.com/koru3d/rhi/rhi"
)

// pipelineKey identifies a graphics pipeline. Pipelines are built on
// the first draw with a given combination and dropped together with
// their program or render target.
type pipelineKey struct {
	program *program
	pass    vk.RenderPass
	colors  int
	state   rhi.PipelineState
	inputs  string
}

var (
	topologies = [...]vk.PrimitiveTopology{
		rhi.PrimitiveTriangles:     vk.PrimitiveTopologyTriangleList,
		rhi.PrimitiveTriangleStrip: vk.PrimitiveTopologyTriangleStrip,
		rhi.PrimitiveLines:         vk.PrimitiveTopologyLineList,
		rhi.PrimitiveLineStrip:     vk.PrimitiveTopologyLineStrip,
		rhi.PrimitivePoints:        vk.PrimitiveTopologyPointList,
	}
	polygonModes = [...]vk.PolygonMode{
		rhi.PolygonFill:  vk.PolygonModeFill,
		rhi.PolygonLine:  vk.PolygonModeLine,
		rhi.PolygonPoint: vk.PolygonModePoint,
	}
	cullModes = [...]vk.CullModeFlagBits{
		rhi.CullNone:  vk.CullModeNone,
		rhi.CullFront: vk.CullModeFrontBit,
		rhi.CullBack:  vk.CullModeBackBit,
	}
	attributeFormats = [...]vk.Format{
		1: vk.FormatR32Sfloat,
		2: vk.FormatR32g32Sfloat,
		3: vk.FormatR32g32b32Sfloat,
		4: vk.FormatR32g32b32a32Sfloat,
	}
)

// vertexInput describes the bound vertex buffers, one binding per buffer.
func vertexInput(buffers []*rhi.VertexBuffer) ([]vk.VertexInputBindingDescription, []vk.VertexInputAttributeDescription, string) {
	var (
		bindings   []vk.VertexInputBindingDescription
		attributes []vk.VertexInputAttributeDescription
		key        strings.Builder
	)
	for i, vb := range buffers {
		desc := vb.Desc()
		stride := desc.Stride
		if stride == 0 {
			for _, a := range desc.Attributes {
				if end := a.Offset + a.Components*4; end > stride {
					stride = end
				}
			}
		}
		bindings = append(bindings, vk.VertexInputBindingDescription{
			Binding:   uint32(i),
			Stride:    uint32(stride),
			InputRate: vk.VertexInputRateVertex,
		})
		fmt.Fprintf(&key, "%d:%d", i, stride)
		for _, a := range desc.Attributes {
			attributes = append(attributes, vk.VertexInputAttributeDescription{
				Location: uint32(a.Location),
				Binding:  uint32(i),
				Format:   attributeFormats[a.Components],
				Offset:   uint32(a.Offset),
			})
			fmt.Fprintf(&key, ",%d/%d/%d", a.Location, a.Components, a.Offset)
		}
		key.WriteByte(';')
	}
	return bindings, attributes, key.String()
}

func (b *Backend) pipeline(prog *program, state rhi.PipelineState, tgt *target, buffers []*rhi.VertexBuffer) (vk.Pipeline, error) {
	bindings, attributes, inputs := vertexInput(buffers)
	state.Program = nil
	key := pipelineKey{
		program: prog,
		pass:    tgt.passes[passLoad],
		colors:  len(tgt.colors),
		state:   state,
		inputs:  inputs,
	}
	if p, ok := b.pipelines[key]; ok {
		return p, nil
	}

	blend := make([]vk.PipelineColorBlendAttachmentState, len(tgt.colors))
	for i := range blend {
		blend[i] = vk.PipelineColorBlendAttachmentState{
			ColorWriteMask: 0xF,
			BlendEnable:    bool32(state.Blend),
		}
		if state.Blend {
			blend[i].SrcColorBlendFactor = vk.BlendFactorSrcAlpha
			blend[i].DstColorBlendFactor = vk.BlendFactorOneMinusSrcAlpha
			blend[i].ColorBlendOp = vk.BlendOpAdd
			blend[i].SrcAlphaBlendFactor = vk.BlendFactorOne
			blend[i].DstAlphaBlendFactor = vk.BlendFactorOneMinusSrcAlpha
			blend[i].AlphaBlendOp = vk.BlendOpAdd
		}
	}
	depthCompare := vk.CompareOpLess
	if state.DepthTest {
		depthCompare = compareOps[state.DepthCompare]
	}

	gpci := []vk.GraphicsPipelineCreateInfo{{
		SType:      vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount: uint32(len(prog.stages)),
		PStages:    prog.stages,
		PVertexInputState: &vk.PipelineVertexInputStateCreateInfo{
			SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
			VertexBindingDescriptionCount:   uint32(len(bindings)),
			PVertexBindingDescriptions:      bindings,
			VertexAttributeDescriptionCount: uint32(len(attributes)),
			PVertexAttributeDescriptions:    attributes,
		},
		PInputAssemblyState: &vk.PipelineInputAssemblyStateCreateInfo{
			SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
			Topology: topologies[state.Primitives],
		},
		PViewportState: &vk.PipelineViewportStateCreateInfo{
			SType:         vk.StructureTypePipelineViewportStateCreateInfo,
			ViewportCount: 1,
			ScissorCount:  1,
		},
		PRasterizationState: &vk.PipelineRasterizationStateCreateInfo{
			SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
			PolygonMode: polygonModes[state.Polygon],
			CullMode:    vk.CullModeFlags(cullModes[state.Cull]),
			FrontFace:   vk.FrontFaceCounterClockwise,
			LineWidth:   1.0,
		},
		PDepthStencilState: &vk.PipelineDepthStencilStateCreateInfo{
			SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
			DepthTestEnable:  bool32(state.DepthTest && tgt.depth != nil),
			DepthWriteEnable: bool32(state.DepthWrite && tgt.depth != nil),
			DepthCompareOp:   depthCompare,
			Back: vk.StencilOpState{
				FailOp:    vk.StencilOpKeep,
				PassOp:    vk.StencilOpKeep,
				CompareOp: vk.CompareOpAlways,
			},
			Front: vk.StencilOpState{
				FailOp:    vk.StencilOpKeep,
				PassOp:    vk.StencilOpKeep,
				CompareOp: vk.CompareOpAlways,
			},
		},
		PMultisampleState: &vk.PipelineMultisampleStateCreateInfo{
			SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
			RasterizationSamples: vk.SampleCount1Bit,
		},
		PColorBlendState: &vk.PipelineColorBlendStateCreateInfo{
			SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
			AttachmentCount: uint32(len(blend)),
			PAttachments:    blend,
		},
		PDynamicState: &vk.PipelineDynamicStateCreateInfo{
			SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
			DynamicStateCount: 2,
			PDynamicStates: []vk.DynamicState{
				vk.DynamicStateScissor,
				vk.DynamicStateViewport,
			},
		},
		Layout:     b.layout,
		RenderPass: key.pass,
	}}

	pipelines := make([]vk.Pipeline, 1)
	if err := check("vk.CreateGraphicsPipelines", vk.CreateGraphicsPipelines(b.device, nil, 1, gpci, nil, pipelines)); err != nil {
		return nil, err
	}
	b.pipelines[key] = pipelines[0]
	b.log.WithField("program", prog.name).Debug("Graphics pipeline created")
	return pipelines[0], nil
}

func (b *Backend) dropPipelines(match func(pipelineKey) bool) {
	for key, p := range b.pipelines {
		if match(key) {
			vk.DestroyPipeline(b.device, p, nil)
			delete(b.pipelines, key)
		}
	}
}
