// Package api serves the read-only status endpoints.
package api

import (
	_ "embed"
	"fmt"
	"net/http"

	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/libraries/openapi"
	"github.com/greymass/dualsink/libraries/server"
	"github.com/greymass/dualsink/libraries/steptrace"
	"github.com/greymass/dualsink/services/dualsink/internal/database"
)

//go:embed openapi.yaml
var openapiYAML []byte

// Backend is the part of the database the endpoints read.
type Backend interface {
	State() database.Snapshot
	LastTrace() *steptrace.TraceOutput
}

var routes = map[string][]string{
	"/status":       {http.MethodGet},
	"/trace":        {http.MethodGet},
	"/openapi.json": {http.MethodGet},
	"/openapi.yaml": {http.MethodGet},
}

// NewHandler builds the status mux. It fails when the embedded OpenAPI
// document and the registered routes disagree.
func NewHandler(db Backend, version string) (http.Handler, error) {
	spec, err := openapi.LoadWithVersion(openapiYAML, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := spec.ValidateRoutes(routes); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		server.WriteJSON(w, http.StatusOK, db.State())
	})
	mux.HandleFunc("GET /trace", func(w http.ResponseWriter, r *http.Request) {
		tr := db.LastTrace()
		if tr == nil {
			server.WriteError(w, http.StatusNotFound, "no commit traced yet")
			return
		}
		server.WriteJSON(w, http.StatusOK, tr)
	})
	mux.Handle("GET /openapi.json", spec.Handler())
	mux.Handle("GET /openapi.yaml", spec.Handler())

	logger.Printf("startup", "OpenAPI spec %s validated: %d routes match handlers", spec.Version(), len(routes))
	return mux, nil
}
