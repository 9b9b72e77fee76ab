// Package openapi serves an embedded OpenAPI document and checks that every
// operation it declares has a handler.
package openapi

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/pb33f/libopenapi"
	v3high "github.com/pb33f/libopenapi/datamodel/high/v3"
)

type Spec struct {
	model    *v3high.Document
	yamlData []byte
	jsonData []byte
}

func Load(yamlData []byte) (*Spec, error) {
	return LoadWithVersion(yamlData, "")
}

// LoadWithVersion parses the document and, when version is set, replaces
// info.version before rendering.
func LoadWithVersion(yamlData []byte, version string) (*Spec, error) {
	doc, err := libopenapi.NewDocument(yamlData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI spec: %w", err)
	}

	model, err := doc.BuildV3Model()
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenAPI model: %v", err)
	}

	if version != "" {
		model.Model.Info.Version = version
	}

	yamlData, err = model.Model.Render()
	if err != nil {
		return nil, fmt.Errorf("failed to render OpenAPI as YAML: %w", err)
	}
	jsonData, err := model.Model.RenderJSON("")
	if err != nil {
		return nil, fmt.Errorf("failed to render OpenAPI as JSON: %w", err)
	}

	return &Spec{model: &model.Model, yamlData: yamlData, jsonData: jsonData}, nil
}

func (s *Spec) Version() string { return s.model.Info.Version }

func (s *Spec) YAML() []byte { return s.yamlData }

func (s *Spec) JSON() []byte { return s.jsonData }

func (s *Spec) Paths() []string {
	var paths []string
	if s.model.Paths == nil {
		return nil
	}
	for path := range s.model.Paths.PathItems.FromOldest() {
		paths = append(paths, path)
	}
	return paths
}

func (s *Spec) PathMethods(path string) []string {
	if s.model.Paths == nil {
		return nil
	}
	item := s.model.Paths.PathItems.GetOrZero(path)
	if item == nil {
		return nil
	}
	var methods []string
	for method, op := range map[string]*v3high.Operation{
		http.MethodGet:    item.Get,
		http.MethodPost:   item.Post,
		http.MethodPut:    item.Put,
		http.MethodDelete: item.Delete,
		http.MethodPatch:  item.Patch,
	} {
		if op != nil {
			methods = append(methods, method)
		}
	}
	slices.Sort(methods)
	return methods
}

// ValidateRoutes compares the document with the registered routes, keyed by
// path with their allowed methods. Both undocumented handlers and documented
// operations without a handler are reported.
func (s *Spec) ValidateRoutes(routes map[string][]string) error {
	var problems []string
	documented := make(map[string]bool)
	for _, path := range s.Paths() {
		documented[path] = true
		for _, method := range s.PathMethods(path) {
			if !slices.Contains(routes[path], method) {
				problems = append(problems, fmt.Sprintf("OpenAPI declares %s %s but no handler registered", method, path))
			}
		}
	}
	for path := range routes {
		if !documented[path] {
			problems = append(problems, fmt.Sprintf("handler %s is not documented", path))
		}
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("OpenAPI validation failed:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// Handler serves the document as JSON, or YAML for ?format=yaml, an Accept
// header mentioning yaml or a path ending in .yaml.
func (s *Spec) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		useYAML := format == "yaml" ||
			(format == "" && (strings.Contains(r.Header.Get("Accept"), "yaml") || strings.HasSuffix(r.URL.Path, ".yaml")))

		if useYAML {
			w.Header().Set("Content-Type", "application/x-yaml")
			w.Write(s.yamlData)
		} else {
			w.Header().Set("Content-Type", "application/json")
			w.Write(s.jsonData)
		}
	})
}
