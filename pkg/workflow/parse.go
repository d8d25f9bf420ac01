package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a workflow file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// FormatFromPath infers the encoding from a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	case ".toml":
		return FormatTOML, true
	}
	return "", false
}

// ParseYAML loads a workflow from YAML and checks it.
func ParseYAML(data []byte) (*Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty YAML payload")
	}
	var wf Workflow
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("parse yaml workflow: %w", err)
	}
	return checked(&wf)
}

// ParseJSON loads a workflow from JSON and checks it.
func ParseJSON(data []byte) (*Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty JSON payload")
	}
	var wf Workflow
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("parse json workflow: %w", err)
	}
	return checked(&wf)
}

// ParseTOML loads a workflow from TOML and checks it.
func ParseTOML(data []byte) (*Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty TOML payload")
	}
	var wf Workflow
	md, err := toml.Decode(string(data), &wf)
	if err != nil {
		return nil, fmt.Errorf("parse toml workflow: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse toml workflow: unknown keys %v", undecoded)
	}
	return checked(&wf)
}

// Parse decodes data in the given format.
func Parse(data []byte, format Format) (*Workflow, error) {
	switch format {
	case FormatYAML:
		return ParseYAML(data)
	case FormatJSON:
		return ParseJSON(data)
	case FormatTOML:
		return ParseTOML(data)
	}
	return parseAuto(data)
}

func checked(wf *Workflow) (*Workflow, error) {
	if err := wf.Check(); err != nil {
		return nil, err
	}
	return wf, nil
}

func parseAuto(data []byte) (*Workflow, error) {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		if wf, err := ParseJSON(data); err == nil {
			return wf, nil
		}
	}
	if wf, err := ParseYAML(data); err == nil {
		return wf, nil
	}
	if wf, err := ParseTOML(data); err == nil {
		return wf, nil
	}
	return nil, fmt.Errorf("unsupported workflow format")
}

// LoadFile loads one workflow file.
func LoadFile(path string) (*Workflow, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("workflow path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format, _ := FormatFromPath(path)
	wf, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	wf.Source = path
	return wf, nil
}

// LoadDir loads every .yaml, .yml, .json and .toml file in dir, sorted by
// file name. Subdirectories are not traversed.
func LoadDir(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := FormatFromPath(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Workflow, 0, len(names))
	for _, name := range names {
		wf, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// LoadPaths loads workflows from a mix of files and directories.
func LoadPaths(paths []string) ([]*Workflow, error) {
	var out []*Workflow
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			wfs, err := LoadDir(p)
			if err != nil {
				return nil, err
			}
			out = append(out, wfs...)
			continue
		}
		wf, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}
