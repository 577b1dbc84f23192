// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package shaderpack_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/koru3d/rhi/rhi"
	"github.com/koru3d/rhi/rhi/shaderpack"
	"github.com/koru3d/rhi/rhi/soft"
	"github.com/koru3d/rhi/task"
	"github.com/koru3d/rhi/utility/kar"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vertSource = "#version 450\nvoid main() { gl_Position = vec4(0); }\n"
	fragSource = "#version 450\nlayout(location = 0) out vec4 color;\nvoid main() { color = vec4(1); }\n"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeShaders(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	}
}

func TestParseName(t *testing.T) {
	f, ok := shaderpack.ParseName("shaders/triangle.frag.spv")
	require.True(t, ok)
	assert.Equal(t, "triangle", f.Program)
	assert.Equal(t, rhi.ShaderFragment, f.Stage)
	assert.Equal(t, rhi.LanguageSPIRV, f.Language)

	for _, name := range []string{"triangle.spv", "a.b.frag.spv", "tri.geom.glsl", "tri.vert.hlsl", ".vert.glsl"} {
		_, ok := shaderpack.ParseName(name)
		assert.False(t, ok, name)
	}

	assert.Equal(t, []string{"quad", "triangle"}, shaderpack.Programs([]string{
		"triangle.vert.glsl", "quad.vert.glsl", "triangle.frag.glsl", "readme.md",
	}))
}

func TestFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeShaders(t, dir, map[string]string{
		"quad.frag.glsl": fragSource,
		"quad.vert.glsl": vertSource,
		"mixed.vert.glsl": vertSource,
		"mixed.frag.spv":  "not spirv",
	})

	desc, err := shaderpack.FromDirectory(dir, "quad")
	require.NoError(t, err)
	assert.Equal(t, "quad", desc.Name)
	assert.Equal(t, rhi.LanguageGLSL, desc.Language)
	require.Len(t, desc.Stages, 2)
	assert.Equal(t, rhi.ShaderVertex, desc.Stages[0].Type)
	assert.Equal(t, vertSource, string(desc.Stages[0].Source))
	require.NoError(t, desc.Validate())

	_, err = shaderpack.FromDirectory(dir, "mixed")
	assert.ErrorIs(t, err, shaderpack.ErrMixedLanguages)
	_, err = shaderpack.FromDirectory(dir, "missing")
	assert.ErrorIs(t, err, shaderpack.ErrNoProgram)
}

func TestFromArchive(t *testing.T) {
	builder, err := kar.NewBuilder(kar.Header{Author: "devblok"})
	require.NoError(t, err)
	defer builder.Close()
	require.NoError(t, builder.Add("quad.vert.glsl", strings.NewReader(vertSource)))
	require.NoError(t, builder.Add("quad.frag.glsl", strings.NewReader(fragSource)))
	var buf bytes.Buffer
	_, err = builder.WriteTo(&buf)
	require.NoError(t, err)

	ar, err := kar.Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	desc, err := shaderpack.FromArchive(ar, "quad")
	require.NoError(t, err)
	require.Len(t, desc.Stages, 2)
	assert.Equal(t, rhi.ShaderFragment, desc.Stages[1].Type)
	assert.Equal(t, fragSource, string(desc.Stages[1].Source))
}

func TestScheduleSupersedesPendingReload(t *testing.T) {
	log := quietLogger()
	d := rhi.NewDriver(soft.New(soft.Options{Logger: log}), rhi.Config{Mode: rhi.ModeDedicated, Logger: log})
	require.NoError(t, d.Start())
	defer d.Stop()

	q := task.NewQueue()
	w, err := shaderpack.NewWatcher(d.Device(), q, t.TempDir(), shaderpack.WatcherOptions{
		Debounce: 10 * time.Millisecond,
		Logger:   log,
	})
	require.NoError(t, err)
	defer w.Close()

	w.Schedule("quad")
	w.Schedule("quad")
	assert.Equal(t, 2, q.Len())
	assert.Nil(t, q.GetNextToExec(), "debounce holds the reload back")

	time.Sleep(20 * time.Millisecond)
	next := q.GetNextToExec()
	require.NotNil(t, next)
	assert.Equal(t, "reload quad", next.Name())
	assert.Zero(t, q.Len(), "the superseded reload was dropped")
}

func TestWatcherReloadsChangedProgram(t *testing.T) {
	log := quietLogger()
	d := rhi.NewDriver(soft.New(soft.Options{Logger: log}), rhi.Config{Mode: rhi.ModeDedicated, Logger: log})
	require.NoError(t, d.Start())
	defer d.Stop()

	dir := t.TempDir()
	writeShaders(t, dir, map[string]string{"quad.vert.glsl": vertSource, "quad.frag.glsl": fragSource})

	q := task.NewQueue()
	defer q.Close()
	w, err := shaderpack.NewWatcher(d.Device(), q, dir, shaderpack.WatcherOptions{
		Debounce: 20 * time.Millisecond,
		Logger:   log,
	})
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go w.Run(ctx)
	go task.NewPool(q, task.PoolOptions{Workers: 2, Rescan: 5 * time.Millisecond, Logger: log}).Run(ctx)

	writeShaders(t, dir, map[string]string{"quad.frag.glsl": fragSource + "// tweaked\n"})
	var r shaderpack.Reload
	select {
	case r = <-w.Reloads():
	case <-ctx.Done():
		t.Fatal("no reload delivered")
	}
	require.NoError(t, r.Err)
	require.NotNil(t, r.Program)
	defer r.Program.Release()
	assert.Equal(t, "quad", r.Name)
	assert.Equal(t, rhi.CompilationCompiled, r.Program.Status())
	desc := r.Program.Desc()
	frag, ok := desc.Stage(rhi.ShaderFragment)
	require.True(t, ok)
	assert.Contains(t, string(frag.Source), "tweaked")

	writeShaders(t, dir, map[string]string{"quad.vert.glsl": "#version 450\n"})
	for r.Err == nil {
		select {
		case r = <-w.Reloads():
			if r.Program != nil {
				r.Program.Release()
			}
		case <-ctx.Done():
			t.Fatal("no failed reload delivered")
		}
	}
	var compileErr *rhi.CompileError
	assert.ErrorAs(t, r.Err, &compileErr)
	assert.Nil(t, r.Program)
}
