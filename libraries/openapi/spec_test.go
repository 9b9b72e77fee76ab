package openapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testSpecYAML = `openapi: 3.0.3
info:
  title: Test API
  version: 1.0.0
paths:
  /status:
    get:
      summary: Status
      responses:
        '200':
          description: Success
  /trace:
    get:
      summary: Trace
      responses:
        '200':
          description: Success
    post:
      summary: Reset
      responses:
        '200':
          description: Success
`

func TestLoad(t *testing.T) {
	spec, err := LoadWithVersion([]byte(testSpecYAML), "v9.9.9")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Version() != "v9.9.9" {
		t.Errorf("version = %s", spec.Version())
	}
	if !strings.Contains(string(spec.YAML()), "v9.9.9") || !strings.Contains(string(spec.JSON()), `"v9.9.9"`) {
		t.Error("rendered documents miss the version")
	}
	if paths := spec.Paths(); len(paths) != 2 || paths[0] != "/status" || paths[1] != "/trace" {
		t.Errorf("paths = %v", paths)
	}
	if m := spec.PathMethods("/trace"); len(m) != 2 || m[0] != "GET" || m[1] != "POST" {
		t.Errorf("methods = %v", m)
	}
	if m := spec.PathMethods("/missing"); m != nil {
		t.Errorf("methods for unknown path = %v", m)
	}

	plain, err := Load([]byte(testSpecYAML))
	if err != nil {
		t.Fatal(err)
	}
	if plain.Version() != "1.0.0" {
		t.Errorf("version = %s", plain.Version())
	}
}

func TestLoadInvalid(t *testing.T) {
	for _, doc := range []string{"", "not: [valid", "swagger: '2.0'\ninfo:\n  title: x\n  version: '1'\npaths: {}\n"} {
		if _, err := Load([]byte(doc)); err == nil {
			t.Errorf("Load(%q) succeeded", doc)
		}
	}
}

func TestValidateRoutes(t *testing.T) {
	spec, err := Load([]byte(testSpecYAML))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		routes map[string][]string
		errs   []string
	}{
		{"complete", map[string][]string{"/status": {"GET"}, "/trace": {"GET", "POST"}}, nil},
		{"missing method", map[string][]string{"/status": {"GET"}, "/trace": {"GET"}}, []string{"POST /trace"}},
		{"undocumented", map[string][]string{"/status": {"GET"}, "/trace": {"GET", "POST"}, "/debug": {"GET"}}, []string{"handler /debug"}},
		{"none", nil, []string{"GET /status", "GET /trace", "POST /trace"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := spec.ValidateRoutes(tt.routes)
			if len(tt.errs) == 0 {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, want := range tt.errs {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q misses %q", err, want)
				}
			}
		})
	}
}

func TestHandler(t *testing.T) {
	spec, err := Load([]byte(testSpecYAML))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		target string
		accept string
		ctype  string
	}{
		{"/openapi.json", "", "application/json"},
		{"/openapi.json", "application/yaml", "application/x-yaml"},
		{"/openapi.json?format=yaml", "", "application/x-yaml"},
		{"/openapi.yaml", "", "application/x-yaml"},
		{"/openapi.yaml?format=json", "", "application/json"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.target, nil)
		if tt.accept != "" {
			req.Header.Set("Accept", tt.accept)
		}
		rec := httptest.NewRecorder()
		spec.Handler().ServeHTTP(rec, req)
		if ct := rec.Header().Get("Content-Type"); ct != tt.ctype {
			t.Errorf("%s (accept %q): content type %s, want %s", tt.target, tt.accept, ct, tt.ctype)
		}
		body, _ := io.ReadAll(rec.Body)
		if !strings.Contains(string(body), "/status") {
			t.Errorf("%s: body misses paths", tt.target)
		}
	}
}
