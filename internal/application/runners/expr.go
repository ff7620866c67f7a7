package runners

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

var exprFunctions = map[string]function.Function{
	"upper":      stdlib.UpperFunc,
	"lower":      stdlib.LowerFunc,
	"trimspace":  stdlib.TrimSpaceFunc,
	"length":     stdlib.LengthFunc,
	"join":       stdlib.JoinFunc,
	"format":     stdlib.FormatFunc,
	"coalesce":   stdlib.CoalesceFunc,
	"contains":   stdlib.ContainsFunc,
	"jsonencode": stdlib.JSONEncodeFunc,
	"jsondecode": stdlib.JSONDecodeFunc,
}

// parseExpression parses a bare HCL expression such as `input.score > 3`
func parseExpression(src, name string) (hclsyntax.Expression, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), name, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %s", name, diags.Error())
	}
	return expr, nil
}

// parseTemplate parses a string template such as `Hello ${input.name}`
func parseTemplate(src, name string) (hclsyntax.Expression, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(src), name, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %s", name, diags.Error())
	}
	return expr, nil
}

// evalContext exposes the run input, every produced output and the outputs
// of the live predecessors to expressions.
func evalContext(in Input) (*hcl.EvalContext, error) {
	input, err := toCty(in.RunInput)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	nodes, err := toCty(in.Outputs)
	if err != nil {
		return nil, fmt.Errorf("nodes: %w", err)
	}
	upstream, err := toCty(in.UpstreamMap())
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"input":    input,
			"nodes":    nodes,
			"upstream": upstream,
		},
		Functions: exprFunctions,
	}, nil
}

// evaluate runs a parsed expression and converts the result to Go
func evaluate(expr hclsyntax.Expression, ectx *hcl.EvalContext) (interface{}, error) {
	val, diags := expr.Value(ectx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("evaluate: %s", diags.Error())
	}
	return fromCty(val)
}

// toCty converts a JSON-compatible Go value into a cty value. Maps become
// objects so that attribute access works on heterogeneous values.
func toCty(v interface{}) (cty.Value, error) {
	if v == nil {
		return cty.EmptyObjectVal, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return cty.NilVal, err
	}
	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(data, ty)
}

// fromCty converts a cty value into its most natural Go counterpart
func fromCty(v cty.Value) (interface{}, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("convert number: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]interface{}, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			native, err := fromCty(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]interface{})
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			native, err := fromCty(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
