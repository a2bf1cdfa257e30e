package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"finguard/internal/config"
)

func builtin(rc config.RuleConfig) (checkFunc, error) {
	switch rc.Kind {
	case "max_amount":
		if rc.Limit == nil {
			return nil, fmt.Errorf("max_amount rule %s requires limit", rc.ID)
		}
		return maxAmount(rc.Field, *rc.Limit), nil
	case "required_fields":
		return requiredFields(rc.Fields), nil
	case "version_lock":
		return flagSet(fieldOr(rc.Field, "version_locked")), nil
	case "period_lock":
		return flagSet(fieldOr(rc.Field, "period_locked")), nil
	case "cost_center_scope":
		return costCenterScope(fieldOr(rc.Field, "cost_center_id")), nil
	case "version_status":
		return valueIn(fieldOr(rc.Field, "version_status"), rc.Allowed), nil
	case "change_ratio":
		if rc.Threshold == nil {
			return nil, fmt.Errorf("change_ratio rule %s requires threshold", rc.ID)
		}
		return changeRatio(fieldOr(rc.OldField, "old_value"), fieldOr(rc.NewField, "new_value"), *rc.Threshold), nil
	case "actor_role":
		return actorRole(rc.Roles), nil
	case "duplicate":
		return duplicate(rc.Fields, rc.Window.Std()), nil
	}
	return nil, fmt.Errorf("unknown rule kind %q", rc.Kind)
}

func defaultMessage(rc config.RuleConfig) string {
	switch rc.Kind {
	case "max_amount":
		return fmt.Sprintf("%s exceeds limit %s", rc.Field, strconv.FormatFloat(*rc.Limit, 'f', -1, 64))
	case "required_fields":
		return "required fields missing"
	case "version_lock":
		return "version is locked and cannot be edited"
	case "period_lock":
		return "fiscal period is locked"
	case "cost_center_scope":
		return "actor does not own this cost center"
	case "version_status":
		return fmt.Sprintf("version status must be one of %s", strings.Join(rc.Allowed, ", "))
	case "change_ratio":
		return fmt.Sprintf("change exceeds %s threshold", strconv.FormatFloat(*rc.Threshold*100, 'f', -1, 64)+"%")
	case "actor_role":
		return fmt.Sprintf("actor must hold one of %s", strings.Join(rc.Roles, ", "))
	case "duplicate":
		return "possible duplicate of a recent request"
	case "cel":
		return "expression not satisfied"
	case "schema":
		return "payload does not match schema"
	}
	return "rule violated"
}

func fieldOr(field, def string) string {
	if field == "" {
		return def
	}
	return field
}

func maxAmount(field string, limit float64) checkFunc {
	return func(in *input) (bool, string, error) {
		v, ok := in.payload[field]
		if !ok || v == nil {
			return false, "", nil
		}
		amount, err := toFloat(v)
		if err != nil {
			return false, "", fmt.Errorf("%s: %w", field, err)
		}
		if amount > limit {
			return true, strconv.FormatFloat(amount, 'f', -1, 64), nil
		}
		return false, "", nil
	}
}

func requiredFields(fields []string) checkFunc {
	return func(in *input) (bool, string, error) {
		var missing []string
		for _, f := range fields {
			if isEmpty(in.payload[f]) {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return true, strings.Join(missing, ", "), nil
		}
		return false, "", nil
	}
}

func flagSet(field string) checkFunc {
	return func(in *input) (bool, string, error) {
		switch v := in.payload[field].(type) {
		case bool:
			return v, "", nil
		case string:
			return strings.EqualFold(v, "true"), "", nil
		case nil:
			return false, "", nil
		default:
			return false, "", fmt.Errorf("%s must be a boolean", field)
		}
	}
}

func costCenterScope(field string) checkFunc {
	return func(in *input) (bool, string, error) {
		cc := fmt.Sprint(in.payload[field])
		if in.payload[field] == nil || !slices.Contains(in.req.Actor.CostCenters, cc) {
			return true, cc, nil
		}
		return false, "", nil
	}
}

func valueIn(field string, allowed []string) checkFunc {
	return func(in *input) (bool, string, error) {
		v, _ := in.payload[field].(string)
		if !slices.Contains(allowed, v) {
			if v == "" {
				return true, field + " missing", nil
			}
			return true, v, nil
		}
		return false, "", nil
	}
}

func changeRatio(oldField, newField string, threshold float64) checkFunc {
	return func(in *input) (bool, string, error) {
		oldV, err := optionalFloat(in.payload[oldField])
		if err != nil {
			return false, "", fmt.Errorf("%s: %w", oldField, err)
		}
		newV, err := optionalFloat(in.payload[newField])
		if err != nil {
			return false, "", fmt.Errorf("%s: %w", newField, err)
		}
		if oldV == 0 {
			return false, "", nil
		}
		ratio := math.Abs(newV-oldV) / math.Abs(oldV)
		if ratio > threshold {
			return true, fmt.Sprintf("change ratio %.4f", ratio), nil
		}
		return false, "", nil
	}
}

func actorRole(roles []string) checkFunc {
	return func(in *input) (bool, string, error) {
		for _, r := range roles {
			if in.req.Actor.HasRole(r) {
				return false, "", nil
			}
		}
		return true, "", nil
	}
}

// duplicate flags a request whose listed fields all equal those of a request
// submitted within window before it.
func duplicate(fields []string, window time.Duration) checkFunc {
	return func(in *input) (bool, string, error) {
		submitted, err := time.Parse(time.RFC3339, in.req.SubmittedAt)
		if err != nil {
			return false, "", fmt.Errorf("submitted_at: %w", err)
		}
		cutoff := submitted.Add(-window)
		for _, h := range in.history.Recent {
			if h.ID == in.req.ID || h.ActionType != in.req.ActionType {
				continue
			}
			at, err := time.Parse(time.RFC3339, h.SubmittedAt)
			if err != nil || at.Before(cutoff) || at.After(submitted) {
				continue
			}
			prior, err := normalize(h.Payload)
			if err != nil {
				continue
			}
			if sameFields(fields, in.payload, prior) {
				return true, "matches " + h.ID, nil
			}
		}
		return false, "", nil
	}
}

func sameFields(fields []string, a, b map[string]any) bool {
	for _, f := range fields {
		av, aok := a[f]
		bv, bok := b[f]
		if !aok || !bok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func optionalFloat(v any) (float64, error) {
	if v == nil {
		return 0, nil
	}
	return toFloat(v)
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("not a number: %T", v)
}
