package workflow

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"finguard/internal/config"
	"finguard/internal/domain"
)

// hierarchy orders matrix approvers from first to last.
var hierarchy = []string{"manager", "fpna_head", "cfo"}

// ResolveStages returns the stage list a new instance is created with. The
// result is copied into the instance so later config edits do not affect it.
func ResolveStages(wf config.WorkflowConfig, payload map[string]any) ([]domain.StageDefinition, error) {
	if wf.Matrix == nil {
		if len(wf.Stages) == 0 {
			return nil, fmt.Errorf("workflow has no stages")
		}
		out := make([]domain.StageDefinition, 0, len(wf.Stages))
		for _, s := range wf.Stages {
			out = append(out, domain.StageDefinition{
				Name:         s.Name,
				RequiredRole: s.RequiredRole,
				SLASeconds:   seconds(s.SLA.Std()),
				Escalation:   tiers(s.Escalation),
				OnExhaust:    s.OnExhaust,
			})
		}
		return out, nil
	}
	m := wf.Matrix
	roles, err := MatrixRoles(*m, payload)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StageDefinition, 0, len(roles))
	for _, r := range roles {
		out = append(out, domain.StageDefinition{
			Name:         r + "-approval",
			RequiredRole: r,
			SLASeconds:   seconds(m.SLA.Std()),
			Escalation:   tiers(m.Escalation),
			OnExhaust:    m.OnExhaust,
		})
	}
	return out, nil
}

// MatrixRoles picks approver roles from amount, cost center risk and
// variance, ordered by hierarchy. Zero thresholds are disabled.
func MatrixRoles(m config.MatrixConfig, payload map[string]any) ([]string, error) {
	amount, err := number(payload, m.AmountField)
	if err != nil {
		return nil, err
	}
	variance, err := number(payload, m.VarianceField)
	if err != nil {
		return nil, err
	}
	risk := "low"
	if m.RiskField != "" {
		if r, ok := payload[m.RiskField].(string); ok && r != "" {
			risk = r
		}
	}

	var chain []string
	switch {
	case m.CFOAmount > 0 && amount >= m.CFOAmount:
		chain = []string{"cfo"}
	case m.DualAmount > 0 && amount >= m.DualAmount:
		chain = []string{"manager", "fpna_head"}
	default:
		chain = []string{"manager"}
	}
	if risk == "high" {
		chain = appendMissing(chain, "fpna_head")
		if m.HighRiskCFOAmount > 0 && amount >= m.HighRiskCFOAmount {
			chain = appendMissing(chain, "cfo")
		}
	}
	switch {
	case m.VarianceCFO > 0 && variance >= m.VarianceCFO:
		chain = []string{"cfo"}
	case m.VarianceHead > 0 && variance >= m.VarianceHead:
		chain = appendMissing(chain, "fpna_head")
	}
	slices.SortFunc(chain, func(a, b string) int {
		return slices.Index(hierarchy, a) - slices.Index(hierarchy, b)
	})
	return chain, nil
}

func appendMissing(chain []string, role string) []string {
	if slices.Contains(chain, role) {
		return chain
	}
	return append(chain, role)
}

func number(payload map[string]any, field string) (float64, error) {
	if field == "" {
		return 0, nil
	}
	switch v := payload[field].(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s is not a number", field)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s is not a number", field)
	}
}

func tiers(in []config.TierConfig) []domain.EscalationTier {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.EscalationTier, 0, len(in))
	for _, t := range in {
		out = append(out, domain.EscalationTier{Roles: slices.Clone(t.Roles), AfterSeconds: seconds(t.After.Std())})
	}
	return out
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
