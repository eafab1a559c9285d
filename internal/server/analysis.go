package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/autogram-ai/autogram/internal"
)

// Specialist models behind the structured analysis endpoints.
const (
	coderModel   = "qwen3_coder"
	redTeamModel = "qwen3_moe"
)

var (
	analysisTypes = map[string]bool{"quality": true, "performance": true, "maintainability": true}
	scanTypes     = map[string]bool{"vulnerability": true, "injection": true, "authentication": true}
)

type analysisRequest struct {
	Code         string `json:"code"`
	Language     string `json:"language"`
	AnalysisType string `json:"analysis_type"`
}

type analysisResponse struct {
	Analysis   string             `json:"analysis"`
	Summary    string             `json:"summary,omitempty"`
	Issues     []string           `json:"issues,omitempty"`
	Model      string             `json:"model"`
	Confidence float64            `json:"confidence"`
	Usage      gateway.TokenUsage `json:"usage"`
}

type scanRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	ScanType string `json:"scan_type"`
}

type scanResponse struct {
	RiskLevel string             `json:"risk_level"`
	Findings  string             `json:"findings"`
	Model     string             `json:"model"`
	Usage     gateway.TokenUsage `json:"usage"`
}

// handleCodeAnalysis sends the submitted code to the coder model with a
// fixed low-temperature analysis prompt and returns the model's verdict.
func (s *server) handleCodeAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		s.writeError(w, r, fmt.Errorf("%w: code is required", gateway.ErrInvalidArgument))
		return
	}
	if !analysisTypes[req.AnalysisType] {
		s.writeError(w, r, fmt.Errorf("%w: analysis_type %q", gateway.ErrInvalidArgument, req.AnalysisType))
		return
	}

	temp := 0.1
	upReq := &gateway.CompletionRequest{
		Model:       coderModel,
		MaxTokens:   2048,
		Temperature: &temp,
		Messages: []gateway.ChatMessage{
			{Role: "system", Content: "You are a code review assistant. Respond with a JSON object holding a \"summary\" string and an \"issues\" array of strings, followed by your full analysis."},
			{Role: "user", Content: fmt.Sprintf("Perform a %s analysis of this %s code:\n\n%s", req.AnalysisType, req.Language, req.Code)},
		},
	}

	p := gateway.PrincipalFromContext(r.Context())
	if err := s.deps.Admission.CheckBudget(p, coderModel, "code/analysis", upReq); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Upstream.Complete(r.Context(), coderModel, "chat/completions", upReq)
	if err != nil {
		s.writeUpstreamError(w, r, coderModel, err)
		return
	}
	s.recordUsage(r, coderModel, resp.Usage)

	text := resp.FirstText()
	out := analysisResponse{
		Analysis:   text,
		Model:      coderModel,
		Confidence: 0.95,
		Usage:      resp.Usage,
	}
	// Models usually honor the JSON instruction; when they do, lift the
	// structured fields out of the reply.
	if doc := firstJSONObject(text); doc != "" {
		out.Summary = gjson.Get(doc, "summary").String()
		for _, issue := range gjson.Get(doc, "issues").Array() {
			out.Issues = append(out.Issues, issue.String())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSecurityScan sends the submitted code to the red-team model and
// classifies the reply into a coarse risk level.
func (s *server) handleSecurityScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		s.writeError(w, r, fmt.Errorf("%w: code is required", gateway.ErrInvalidArgument))
		return
	}
	if !scanTypes[req.ScanType] {
		s.writeError(w, r, fmt.Errorf("%w: scan_type %q", gateway.ErrInvalidArgument, req.ScanType))
		return
	}

	temp := 0.1
	upReq := &gateway.CompletionRequest{
		Model:       redTeamModel,
		MaxTokens:   2048,
		Temperature: &temp,
		Messages: []gateway.ChatMessage{
			{Role: "system", Content: "You are a security auditor. Report each finding with an explicit severity: critical, high, medium, or low."},
			{Role: "user", Content: fmt.Sprintf("Run a %s scan on this %s code:\n\n%s", req.ScanType, req.Language, req.Code)},
		},
	}

	p := gateway.PrincipalFromContext(r.Context())
	if err := s.deps.Admission.CheckBudget(p, redTeamModel, "security/scan", upReq); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Upstream.Complete(r.Context(), redTeamModel, "chat/completions", upReq)
	if err != nil {
		s.writeUpstreamError(w, r, redTeamModel, err)
		return
	}
	s.recordUsage(r, redTeamModel, resp.Usage)

	text := resp.FirstText()
	writeJSON(w, http.StatusOK, scanResponse{
		RiskLevel: riskLevel(text),
		Findings:  text,
		Model:     redTeamModel,
		Usage:     resp.Usage,
	})
}

// riskLevel derives a coarse level from the severity vocabulary in the
// model's findings. Lexical on purpose: the reply is prose, not a schema.
func riskLevel(findings string) string {
	t := strings.ToLower(findings)
	switch {
	case strings.Contains(t, "critical"), strings.Contains(t, "severe"):
		return "critical"
	case strings.Contains(t, "high"):
		return "high"
	case strings.Contains(t, "medium"), strings.Contains(t, "moderate"):
		return "medium"
	default:
		return "low"
	}
}

// firstJSONObject extracts the first balanced JSON object embedded in text,
// or "" when none parses.
func firstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				if doc := text[start : i+1]; gjson.Valid(doc) {
					return doc
				}
				return ""
			}
		}
	}
	return ""
}
