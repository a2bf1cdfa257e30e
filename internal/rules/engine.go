// Package rules evaluates governance requests against the ordered rule list
// configured for their action type.
package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"finguard/internal/config"
	"finguard/internal/domain"
)

// UnknownActionRuleID is reported when no rules are configured for an action.
const UnknownActionRuleID = "UNKNOWN-ACTION"

const malformedPayloadRuleID = "MALFORMED-PAYLOAD"

// History carries earlier requests the duplicate checks compare against. It is
// loaded before evaluation so that Evaluate does no I/O.
type History struct {
	Recent []domain.GovernanceRequest
}

type input struct {
	req     domain.GovernanceRequest
	payload map[string]any
	history History
}

// checkFunc reports whether the rule is violated. detail, when set, replaces
// the default message.
type checkFunc func(in *input) (violated bool, detail string, err error)

type rule struct {
	id       string
	kind     string
	severity domain.Severity
	message  string
	check    checkFunc
}

type Engine struct {
	byAction map[string][]rule
}

// New compiles every configured rule. CEL expressions and JSON schemas are
// compiled here so evaluation cannot fail on syntax.
func New(cfg map[string][]config.RuleConfig) (*Engine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	e := &Engine{byAction: map[string][]rule{}}
	for action, list := range cfg {
		compiled := make([]rule, 0, len(list))
		for _, rc := range list {
			r, err := compile(env, rc)
			if err != nil {
				return nil, fmt.Errorf("compile rule %s for %s: %w", rc.ID, action, err)
			}
			compiled = append(compiled, r)
		}
		e.byAction[action] = compiled
	}
	return e, nil
}

func compile(env *celEnv, rc config.RuleConfig) (rule, error) {
	sev, err := domain.ParseSeverity(rc.Severity)
	if err != nil {
		return rule{}, err
	}
	r := rule{id: rc.ID, kind: rc.Kind, severity: sev, message: rc.Message}
	switch rc.Kind {
	case "cel":
		r.check, err = env.compile(rc.Expr)
	case "schema":
		r.check, err = compileSchema(rc.ID, rc.Schema)
	default:
		r.check, err = builtin(rc)
	}
	if err != nil {
		return rule{}, err
	}
	if r.message == "" {
		r.message = defaultMessage(rc)
	}
	return r, nil
}

// Actions lists the action types with configured rules.
func (e *Engine) Actions() []string {
	out := make([]string, 0, len(e.byAction))
	for a := range e.byAction {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Evaluate runs the rules for req.ActionType in order. Passed is false iff a
// BLOCKING violation is present. Evaluation errors fail closed.
func (e *Engine) Evaluate(req domain.GovernanceRequest, hist History) domain.RuleVerdict {
	verdict := domain.RuleVerdict{RequestID: req.ID, Violations: []domain.Violation{}}
	list, ok := e.byAction[req.ActionType]
	if !ok {
		verdict.Violations = append(verdict.Violations, domain.Violation{
			RuleID:   UnknownActionRuleID,
			Severity: domain.SeverityBlocking,
			Message:  fmt.Sprintf("no rules configured for action type %q", req.ActionType),
		})
		return verdict
	}
	payload, err := normalize(req.Payload)
	if err != nil {
		verdict.Violations = append(verdict.Violations, domain.Violation{
			RuleID:   malformedPayloadRuleID,
			Severity: domain.SeverityBlocking,
			Message:  err.Error(),
		})
		return verdict
	}
	in := &input{req: req, payload: payload, history: hist}
	for _, r := range list {
		violated, detail, err := r.check(in)
		switch {
		case err != nil:
			verdict.Violations = append(verdict.Violations, domain.Violation{
				RuleID:   r.id,
				Severity: domain.SeverityBlocking,
				Message:  fmt.Sprintf("rule %s could not be evaluated: %v", r.id, err),
			})
		case violated:
			msg := r.message
			if detail != "" {
				msg = msg + ": " + detail
			}
			verdict.Violations = append(verdict.Violations, domain.Violation{
				RuleID:   r.id,
				Severity: r.severity,
				Message:  msg,
			})
		}
	}
	verdict.Passed = true
	for _, v := range verdict.Violations {
		if v.Severity == domain.SeverityBlocking {
			verdict.Passed = false
			break
		}
	}
	return verdict
}

// normalize gives the payload the shape it has after a JSON round trip, so
// numbers are float64 regardless of how the caller built the map.
func normalize(p map[string]any) (map[string]any, error) {
	if p == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON encodable: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return out, nil
}
