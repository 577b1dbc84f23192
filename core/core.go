// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package core holds the process level services shared by the koru
// binaries: configuration, logging and frame timing.
package core

import "github.com/koru3d/rhi/rhi"

// DriverConfig converts the rhi section of the configuration into a
// driver configuration.
func (c *Configuration) DriverConfig() (rhi.Type, rhi.Config, error) {
	typ, err := rhi.ParseType(c.RHI.Backend)
	if err != nil {
		return rhi.TypeUnknown, rhi.Config{}, err
	}
	mode, err := rhi.ParseMode(c.RHI.Mode)
	if err != nil {
		return rhi.TypeUnknown, rhi.Config{}, err
	}
	return typ, rhi.Config{
		Mode:       mode,
		BufferSize: c.RHI.BufferSize,
		MaxPending: c.RHI.MaxPending,
	}, nil
}
