package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	gateway "github.com/autogram-ai/autogram/internal"
)

// defaultModel serves completion requests that name no model.
const defaultModel = "qwen3_42b"

var chatRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// modelInfo is the public projection of a model record.
type modelInfo struct {
	ID              string               `json:"id"`
	Object          string               `json:"object"`
	DisplayName     string               `json:"display_name"`
	Capabilities    []string             `json:"capabilities"`
	ContextWindow   int                  `json:"context_window"`
	MaxOutputTokens int                  `json:"max_output_tokens"`
	Pricing         gateway.ModelPricing `json:"pricing"`
}

// handleListModels returns the models the caller's tier may use.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	p := gateway.PrincipalFromContext(r.Context())
	tier, ok := s.tiers[p.Tier]
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: %q", gateway.ErrUnknownTier, p.Tier))
		return
	}

	data := make([]modelInfo, 0, len(s.deps.Config.Models))
	for _, m := range s.deps.Config.Models {
		if !tier.AllowsModel(m.ID) {
			continue
		}
		data = append(data, modelInfo{
			ID:              m.ID,
			Object:          "model",
			DisplayName:     m.DisplayName,
			Capabilities:    m.Capabilities,
			ContextWindow:   m.ContextWindow,
			MaxOutputTokens: m.MaxOutputTokens,
			Pricing:         m.Pricing,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// decodeBody decodes the sanitized request body into v.
func (s *server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid request body", gateway.ErrInvalidArgument))
		return false
	}
	return true
}

// handleCompletions serves text completions.
func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req gateway.CompletionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		s.writeError(w, r, fmt.Errorf("%w: prompt is required", gateway.ErrInvalidArgument))
		return
	}
	if len(req.Messages) > 0 {
		s.writeError(w, r, fmt.Errorf("%w: prompt and messages are mutually exclusive", gateway.ErrInvalidArgument))
		return
	}
	s.complete(w, r, &req, "completions")
}

// handleChatCompletions serves chat completions.
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req gateway.CompletionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: messages are required", gateway.ErrInvalidArgument))
		return
	}
	if req.Prompt != "" {
		s.writeError(w, r, fmt.Errorf("%w: prompt and messages are mutually exclusive", gateway.ErrInvalidArgument))
		return
	}
	for i, m := range req.Messages {
		if !chatRoles[m.Role] {
			s.writeError(w, r, fmt.Errorf("%w: messages[%d].role %q", gateway.ErrInvalidArgument, i, m.Role))
			return
		}
		if m.Content == "" {
			s.writeError(w, r, fmt.Errorf("%w: messages[%d].content is empty", gateway.ErrInvalidArgument, i))
			return
		}
	}
	s.complete(w, r, &req, "chat/completions")
}

// complete runs the shared budget-check-then-dispatch path.
func (s *server) complete(w http.ResponseWriter, r *http.Request, req *gateway.CompletionRequest, endpoint string) {
	if req.Model == "" {
		req.Model = defaultModel
	}
	p := gateway.PrincipalFromContext(r.Context())
	if err := s.deps.Admission.CheckBudget(p, req.Model, endpoint, req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.deps.Upstream.Complete(r.Context(), req.Model, endpoint, req)
	if err != nil {
		s.writeUpstreamError(w, r, req.Model, err)
		return
	}
	s.recordUsage(r, req.Model, resp.Usage)
	writeJSON(w, http.StatusOK, resp)
}
