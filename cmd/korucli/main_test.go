// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/koru3d/rhi/core"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportSoftwareCaps(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := core.DefaultConfiguration()
	cfg.RHI.Mode = "dedicated"

	var out bytes.Buffer
	require.NoError(t, run(&out, cfg, log))

	var r report
	require.NoError(t, json.Unmarshal(out.Bytes(), &r))
	assert.Equal(t, "software", r.Backend)
	assert.Equal(t, "dedicated", r.Mode)
	assert.Contains(t, r.ShaderLanguages, "glsl")
	assert.NotEmpty(t, r.TextureFormats)
	assert.Len(t, r.ClipMatrix, 16)
}

func TestUnknownBackend(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := core.DefaultConfiguration()
	cfg.RHI.Backend = "metal"
	assert.Error(t, run(io.Discard, cfg, log))
}
