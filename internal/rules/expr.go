package rules

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const celCostLimit = 10000

type celEnv struct {
	env *cel.Env
}

func newCELEnv() (*celEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action_type", cel.StringType),
		cel.Variable("history", cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &celEnv{env: env}, nil
}

// compile returns a check that is violated when expr evaluates to false.
func (c *celEnv) compile(expr string) (checkFunc, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return func(in *input) (bool, string, error) {
		out, _, err := prg.Eval(celActivation(in))
		if err != nil {
			return false, "", err
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return false, "", fmt.Errorf("expression returned %T, want bool", out.Value())
		}
		return !ok, "", nil
	}, nil
}

func celActivation(in *input) map[string]any {
	roles := make([]any, 0, len(in.req.Actor.Roles))
	for _, r := range in.req.Actor.Roles {
		roles = append(roles, r)
	}
	centers := make([]any, 0, len(in.req.Actor.CostCenters))
	for _, c := range in.req.Actor.CostCenters {
		centers = append(centers, c)
	}
	history := make([]any, 0, len(in.history.Recent))
	for _, h := range in.history.Recent {
		if h.ID == in.req.ID {
			continue
		}
		if p, err := normalize(h.Payload); err == nil {
			history = append(history, p)
		}
	}
	return map[string]any{
		"payload":     in.payload,
		"actor":       map[string]any{"id": in.req.Actor.ID, "roles": roles, "cost_centers": centers},
		"action_type": in.req.ActionType,
		"history":     history,
	}
}

func compileSchema(id, schema string) (checkFunc, error) {
	url := "finguard://rules/" + id + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return func(in *input) (bool, string, error) {
		if err := compiled.Validate(any(in.payload)); err != nil {
			if ve, ok := err.(*jsonschema.ValidationError); ok {
				return true, firstCause(ve), nil
			}
			return false, "", err
		}
		return false, "", nil
	}, nil
}

func firstCause(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return ve.Message
	}
	return ve.InstanceLocation + ": " + ve.Message
}
