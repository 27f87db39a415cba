package recommender

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/registry"
)

// DEXResolver maps a dex id or display name to a configured venue.
type DEXResolver interface {
	DEX(idOrName string) (registry.DEX, bool)
}

type wireAllocation struct {
	DEX                string   `json:"dex"`
	DEXID              string   `json:"dexId"`
	AllocationFraction *float64 `json:"allocationFraction"`
	Status             string   `json:"status"`
}

type wireRecommendation struct {
	Timeframe                   string           `json:"timeframe"`
	PredictedLiquidityChangePct *float64         `json:"predictedLiquidityChangePct"`
	RiskScore                   *float64         `json:"riskScore"`
	Confidence                  *float64         `json:"confidence"`
	Advice                      string           `json:"advice"`
	ExpectedSlippagePct         *float64         `json:"expectedSlippagePct"`
	ExpectedSavingsUSD          *float64         `json:"expectedSavingsUsd"`
	Allocations                 []wireAllocation `json:"allocations"`
	RiskAlerts                  []string         `json:"riskAlerts"`
	Rationale                   string           `json:"rationale"`
}

// Parse decodes model output into a RouteRecommendation. The text must be a
// single JSON object, optionally inside one ```json fence. Out-of-range
// numbers are clamped; unknown dexes or statuses are rejected.
func Parse(text string, dexes DEXResolver) (model.RouteRecommendation, error) {
	raw := stripFence(strings.TrimSpace(text))
	if !strings.HasPrefix(raw, "{") || !strings.HasSuffix(raw, "}") {
		return model.RouteRecommendation{}, schemaError("response is not a bare JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	var wire wireRecommendation
	if err := dec.Decode(&wire); err != nil {
		return model.RouteRecommendation{}, clierr.Wrap(clierr.CodeSchemaInvalid, "decode recommendation", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return model.RouteRecommendation{}, schemaError("trailing content after JSON object")
	}

	switch {
	case wire.Allocations == nil:
		return model.RouteRecommendation{}, schemaError("missing allocations")
	case wire.RiskScore == nil:
		return model.RouteRecommendation{}, schemaError("missing riskScore")
	case wire.Confidence == nil:
		return model.RouteRecommendation{}, schemaError("missing confidence")
	}

	rec := model.RouteRecommendation{
		Timeframe:                   strings.TrimSpace(wire.Timeframe),
		PredictedLiquidityChangePct: deref(wire.PredictedLiquidityChangePct),
		RiskScore:                   clamp(*wire.RiskScore, 0, 1),
		Confidence:                  clamp(*wire.Confidence, 0, 1),
		Advice:                      strings.TrimSpace(wire.Advice),
		ExpectedSlippagePct:         clamp(deref(wire.ExpectedSlippagePct), 0, 100),
		ExpectedSavingsUSD:          deref(wire.ExpectedSavingsUSD),
		Allocations:                 make([]model.Allocation, 0, len(wire.Allocations)),
		RiskAlerts:                  []string{},
		Rationale:                   strings.TrimSpace(wire.Rationale),
	}
	for _, alert := range wire.RiskAlerts {
		if a := strings.TrimSpace(alert); a != "" {
			rec.RiskAlerts = append(rec.RiskAlerts, a)
		}
	}

	index := map[string]int{}
	for i, a := range wire.Allocations {
		name := a.DEX
		if strings.TrimSpace(name) == "" {
			name = a.DEXID
		}
		dex, ok := dexes.DEX(name)
		if !ok {
			return model.RouteRecommendation{}, schemaError(fmt.Sprintf("allocation %d references unknown dex %q", i, name))
		}
		status, ok := model.ParseRouteStatus(a.Status)
		if !ok {
			return model.RouteRecommendation{}, schemaError(fmt.Sprintf("allocation %d has invalid status %q", i, a.Status))
		}
		if a.AllocationFraction == nil {
			return model.RouteRecommendation{}, schemaError(fmt.Sprintf("allocation %d missing allocationFraction", i))
		}
		fraction := clamp(*a.AllocationFraction, 0, 1)
		// Repeated venues are merged; the more conservative status wins.
		if j, seen := index[dex.ID]; seen {
			rec.Allocations[j].AllocationFraction += fraction
			if status.Rank() > rec.Allocations[j].Status.Rank() {
				rec.Allocations[j].Status = status
			}
			continue
		}
		index[dex.ID] = len(rec.Allocations)
		rec.Allocations = append(rec.Allocations, model.Allocation{DEX: dex.ID, AllocationFraction: fraction, Status: status})
	}
	normalizeAllocations(rec.Allocations)
	return rec, nil
}

// normalizeAllocations scales fractions down proportionally when they sum
// past 1 and clamps any merged entry back into range.
func normalizeAllocations(allocs []model.Allocation) {
	total := 0.0
	for i := range allocs {
		allocs[i].AllocationFraction = clamp(allocs[i].AllocationFraction, 0, 1)
		total += allocs[i].AllocationFraction
	}
	if total <= 1 {
		return
	}
	for i := range allocs {
		allocs[i].AllocationFraction /= total
	}
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		lang := strings.TrimSpace(body[:nl])
		if lang == "" || strings.EqualFold(lang, "json") {
			body = body[nl+1:]
		}
	}
	body = strings.TrimSpace(body)
	if !strings.HasSuffix(body, "```") {
		return s
	}
	return strings.TrimSpace(strings.TrimSuffix(body, "```"))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func schemaError(msg string) error {
	return clierr.New(clierr.CodeSchemaInvalid, msg)
}
