// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command korucli prints the capabilities of a graphics backend as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/koru3d/rhi/core"
	"github.com/koru3d/rhi/rhi"
	"github.com/koru3d/rhi/rhi/soft"
	"github.com/koru3d/rhi/rhi/vulkan"
	"github.com/sirupsen/logrus"
)

// report is the printed form of rhi.Caps.
type report struct {
	Backend              string    `json:"backend"`
	Name                 string    `json:"name"`
	Mode                 string    `json:"mode"`
	TextureFormats       []string  `json:"textureFormats"`
	ShaderLanguages      []string  `json:"shaderLanguages"`
	MaxTextureSize       int       `json:"maxTextureSize"`
	MaxColorAttachments  int       `json:"maxColorAttachments"`
	MaxVertexAttributes  int       `json:"maxVertexAttributes"`
	MaxUniformBufferSize int       `json:"maxUniformBufferSize"`
	MaxTextureSlots      int       `json:"maxTextureSlots"`
	ClipMatrix           []float32 `json:"clipMatrix"`
}

func newReport(dev *rhi.Device, mode rhi.Mode) report {
	caps := dev.Caps()
	clip := dev.ClipMatrix()
	r := report{
		Backend:              caps.Type.String(),
		Name:                 caps.Name,
		Mode:                 mode.String(),
		MaxTextureSize:       caps.MaxTextureSize,
		MaxColorAttachments:  caps.MaxColorAttachments,
		MaxVertexAttributes:  caps.MaxVertexAttributes,
		MaxUniformBufferSize: caps.MaxUniformBufferSize,
		MaxTextureSlots:      caps.MaxTextureSlots,
		ClipMatrix:           clip[:],
	}
	for _, f := range caps.TextureFormats {
		r.TextureFormats = append(r.TextureFormats, f.String())
	}
	for _, l := range caps.ShaderLanguages {
		r.ShaderLanguages = append(r.ShaderLanguages, l.String())
	}
	return r
}

func newBackend(typ rhi.Type, cfg core.Configuration, log logrus.FieldLogger) (rhi.Backend, error) {
	switch typ {
	case rhi.TypeSoftware:
		return soft.New(soft.Options{Logger: log}), nil
	case rhi.TypeVulkan:
		return vulkan.New(vulkan.Options{
			Logger:      log,
			Debug:       cfg.RHI.Debug,
			DeviceIndex: cfg.RHI.DeviceIndex,
		}), nil
	}
	return nil, fmt.Errorf("backend %s: %w", typ, rhi.ErrUnsupported)
}

func run(w io.Writer, cfg core.Configuration, log *logrus.Logger) error {
	typ, driverCfg, err := cfg.DriverConfig()
	if err != nil {
		return err
	}
	driverCfg.Logger = log
	backend, err := newBackend(typ, cfg, log)
	if err != nil {
		return err
	}
	driver := rhi.NewDriver(backend, driverCfg)
	if err := driver.Start(); err != nil {
		return err
	}
	defer driver.Stop()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newReport(driver.Device(), driver.Mode()))
}

func main() {
	configPath := flag.String("config", core.DefaultConfigPath, "configuration file")
	backend := flag.String("backend", "", "backend to query, overrides the configuration")
	flag.Parse()

	cfg, err := core.LoadConfiguration(*configPath, ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.RHI.Backend = *backend
	}
	log, err := core.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.SetOutput(os.Stderr)

	if err := run(os.Stdout, cfg, log); err != nil {
		log.WithError(err).Fatal("Capability query failed")
	}
}
