package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes one or more YAML documents, each describing a pipeline.
func Parse(data []byte) ([]Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var out []Pipeline
	for {
		var p Pipeline
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse pipeline: %w", err)
		}
		if p.Name == "" && len(p.Steps) == 0 {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func LoadFile(path string) ([]Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	// Expand environment variables like the main config does
	expanded := os.ExpandEnv(string(data))
	ps, err := Parse([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, in lexical order. A
// missing directory yields no pipelines.
func LoadDir(dir string) ([]Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pipelines dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)

	var out []Pipeline
	seen := make(map[string]string)
	for _, f := range files {
		ps, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			if prev, dup := seen[p.Name]; dup {
				return nil, fmt.Errorf("pipeline %s defined in both %s and %s", p.Name, prev, f)
			}
			seen[p.Name] = f
			out = append(out, p)
		}
	}
	return out, nil
}
