// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package shaderpack builds program descriptions out of shader files.
//
// A shader file is named <program>.<stage>.<lang>, where stage is one of
// vert, frag or comp and lang is glsl or spv. Every file of a program
// has to use the same language.
package shaderpack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/koru3d/rhi/rhi"
	"github.com/koru3d/rhi/utility/kar"
)

// package errors
var (
	ErrNoProgram      = errors.New("shaderpack: no shader files for program")
	ErrMixedLanguages = errors.New("shaderpack: program mixes shader languages")
)

var (
	stages = map[string]rhi.ShaderType{
		"vert": rhi.ShaderVertex,
		"frag": rhi.ShaderFragment,
		"comp": rhi.ShaderCompute,
	}
	languages = map[string]rhi.ShaderLanguage{
		"glsl": rhi.LanguageGLSL,
		"spv":  rhi.LanguageSPIRV,
	}
)

// File is a parsed shader file name.
type File struct {
	Name     string
	Program  string
	Stage    rhi.ShaderType
	Language rhi.ShaderLanguage
}

// ParseName parses a shader file name, ignoring its directory. It
// reports false for files that are not shaders.
func ParseName(name string) (File, bool) {
	nodes := strings.Split(filepath.Base(name), ".")
	if len(nodes) != 3 || nodes[0] == "" {
		return File{}, false
	}
	stage, ok := stages[nodes[1]]
	if !ok {
		return File{}, false
	}
	lang, ok := languages[nodes[2]]
	if !ok {
		return File{}, false
	}
	return File{Name: name, Program: nodes[0], Stage: stage, Language: lang}, true
}

// Programs returns the sorted program names found among names.
func Programs(names []string) []string {
	seen := make(map[string]struct{})
	var programs []string
	for _, n := range names {
		f, ok := ParseName(n)
		if !ok {
			continue
		}
		if _, dup := seen[f.Program]; dup {
			continue
		}
		seen[f.Program] = struct{}{}
		programs = append(programs, f.Program)
	}
	sort.Strings(programs)
	return programs
}

// ReadFunc returns the contents of a named file.
type ReadFunc func(name string) ([]byte, error)

// Load collects the files of program among names and reads them with
// read. Stages are ordered vertex, fragment, compute.
func Load(program string, names []string, read ReadFunc) (rhi.ProgramDesc, error) {
	desc := rhi.ProgramDesc{Name: program}
	var files []File
	for _, n := range names {
		f, ok := ParseName(n)
		if !ok || f.Program != program {
			continue
		}
		if len(files) > 0 && files[0].Language != f.Language {
			return rhi.ProgramDesc{}, fmt.Errorf("%w: %s", ErrMixedLanguages, program)
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return rhi.ProgramDesc{}, fmt.Errorf("%w: %s", ErrNoProgram, program)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Stage < files[j].Stage })

	desc.Language = files[0].Language
	for _, f := range files {
		src, err := read(f.Name)
		if err != nil {
			return rhi.ProgramDesc{}, fmt.Errorf("shaderpack: read %s: %w", f.Name, err)
		}
		desc.Stages = append(desc.Stages, rhi.ShaderStage{Type: f.Stage, Source: src})
	}
	return desc, nil
}

// FromDirectory loads program from the shader files directly in dir.
func FromDirectory(dir, program string) (rhi.ProgramDesc, error) {
	names, err := listDirectory(dir)
	if err != nil {
		return rhi.ProgramDesc{}, err
	}
	return Load(program, names, os.ReadFile)
}

func listDirectory(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, filepath.Join(dir, e.Name()))
	}
	return names, nil
}

// FromArchive loads program from the shader files in ar.
func FromArchive(ar *kar.Archive, program string) (rhi.ProgramDesc, error) {
	return Load(program, ar.List(), ar.ReadAll)
}
