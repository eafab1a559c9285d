package server

import (
	"net/http"
	"time"

	gateway "github.com/autogram-ai/autogram/internal"
)

type usageResponse struct {
	PrincipalID             string  `json:"principal_id"`
	Tier                    string  `json:"tier"`
	Requests                int64   `json:"requests"`
	InputTokens             int64   `json:"input_tokens"`
	OutputTokens            int64   `json:"output_tokens"`
	CostUSD                 float64 `json:"cost_usd"`
	ProjectedMonthlyCostUSD float64 `json:"projected_monthly_cost_usd"`
	AsOf                    string  `json:"as_of"`
}

// handleUsage returns the caller's aggregate usage across all keys, with a
// naive month-to-date cost projection.
func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	p := gateway.PrincipalFromContext(r.Context())

	tally, err := s.deps.Store.SumUsage(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, usageResponse{
		PrincipalID:             p.ID,
		Tier:                    string(p.Tier),
		Requests:                tally.Requests,
		InputTokens:             tally.InputTokens,
		OutputTokens:            tally.OutputTokens,
		CostUSD:                 tally.CostUSD,
		ProjectedMonthlyCostUSD: tally.CostUSD * 30 / float64(now.Day()),
		AsOf:                    now.Format(time.RFC3339),
	})
}
