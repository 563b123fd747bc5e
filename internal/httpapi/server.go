package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/printworks/shadowprint/internal/shadowprint"
)

const printRequestSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["original_filename"],
	"properties": {
		"original_filename": {"type": "string", "minLength": 1},
		"temp_file_path": {"type": "string", "minLength": 1},
		"content": {"type": "string", "minLength": 1},
		"modifications": {"type": "array", "items": {"type": "string"}},
		"copy_metadata": {"type": "boolean"}
	},
	"additionalProperties": false,
	"oneOf": [
		{"required": ["temp_file_path"]},
		{"required": ["content"]}
	]
}`

var printRequestSchema = mustCompilePrintRequestSchema()

func mustCompilePrintRequestSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(printRequestSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("print_modified.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("print_modified.json")
}

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	manager *shadowprint.Manager
	cfg     ServerConfig
}

func NewServer(manager *shadowprint.Manager) *Server {
	return NewServerWithConfig(manager, ServerConfig{})
}

func NewServerWithConfig(manager *shadowprint.Manager, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 512 << 20
	}
	return &Server{manager: manager, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/prints/modified" && r.Method == http.MethodPost:
		s.handlePrintModified(w, r)
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.manager.Status())
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handlePrintModified(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := printRequestSchema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, "schema_violation", err.Error(), correlationID)
		return
	}

	var raw struct {
		OriginalFilename string   `json:"original_filename"`
		TempFilePath     string   `json:"temp_file_path"`
		Content          string   `json:"content"`
		Modifications    []string `json:"modifications"`
		CopyMetadata     *bool    `json:"copy_metadata"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	copyMetadata := true
	if raw.CopyMetadata != nil {
		copyMetadata = *raw.CopyMetadata
	}

	resp, err := s.manager.CreateModifiedPrint(r.Context(), shadowprint.CreateModifiedPrintRequest{
		OriginalFilename: raw.OriginalFilename,
		TempFilePath:     raw.TempFilePath,
		Content:          raw.Content,
		Modifications:    raw.Modifications,
		CopyMetadata:     copyMetadata,
	})
	if err != nil {
		status, code := statusForError(err)
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, shadowprint.ErrDisabled):
		return http.StatusServiceUnavailable, "disabled"
	case errors.Is(err, shadowprint.ErrContentTooLarge):
		return http.StatusBadRequest, "content_too_large"
	case errors.Is(err, shadowprint.ErrPathTraversal):
		return http.StatusBadRequest, "path_traversal"
	case errors.Is(err, shadowprint.ErrNotFound):
		return http.StatusBadRequest, "not_found"
	case errors.Is(err, shadowprint.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
