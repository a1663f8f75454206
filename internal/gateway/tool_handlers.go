package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/parley/internal/tools"
)

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetAllTools())
}

type executeToolRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type executeToolResponse struct {
	Tool    string `json:"tool"`
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool name is required")
		return
	}
	args, err := toolArguments(req.Arguments)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid arguments: "+err.Error())
		return
	}

	result, err := s.registry.ExecuteTool(r.Context(), req.Tool, args)
	if err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, executeToolResponse{
			Tool:    req.Tool,
			Result:  "Ошибка: " + err.Error(),
			Success: false,
		})
		return
	}
	writeJSON(w, http.StatusOK, executeToolResponse{
		Tool:    req.Tool,
		Result:  result,
		Success: toolResultOK(result),
	})
}

// toolArguments normalizes the arguments field to the JSON text handed
// to the registry. Both an inline object and a string holding encoded
// JSON are accepted: model tool calls carry arguments as a string, so
// the passthrough takes the same shape.
func toolArguments(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "{}", nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return "", err
		}
		if strings.TrimSpace(inner) == "" {
			return "{}", nil
		}
		return inner, nil
	}
	return trimmed, nil
}

// toolResultOK applies the same marker convention the agent loop uses:
// tool failures surface as content starting with an error marker rather
// than as transport errors.
func toolResultOK(result string) bool {
	return !strings.HasPrefix(result, "Ошибка") && !strings.HasPrefix(result, "❌")
}
