package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/policy"
)

// NewMessageEnvironment creates the CEL environment rule conditions are
// compiled against. It declares:
//   - direction, from, to, extension: strings
//   - port, text_length, hour, weekday: ints (hour and weekday in UTC, Sunday = 0)
//   - glob(pattern, s) and number_prefix(number, prefix)
func NewMessageEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("direction", cel.StringType),
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
		cel.Variable("extension", cel.StringType),
		cel.Variable("port", cel.IntType),
		cel.Variable("text_length", cel.IntType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, _ := pattern.Value().(string)
					n, _ := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// number_prefix ignores a leading "+" on both sides.
		// Usage: number_prefix(to, "1900")
		cel.Function("number_prefix",
			cel.Overload("number_prefix_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(number, prefix ref.Val) ref.Val {
					n, _ := number.Value().(string)
					p, _ := prefix.Value().(string)
					return types.Bool(strings.HasPrefix(strings.TrimPrefix(n, "+"), strings.TrimPrefix(p, "+")))
				}),
			),
		),
	)
}

// BuildActivation creates a CEL activation map from an EvaluationContext.
func BuildActivation(evalCtx policy.EvaluationContext) map[string]any {
	t := evalCtx.RequestTime.UTC()
	return map[string]any{
		"direction":   string(evalCtx.Direction),
		"from":        evalCtx.From,
		"to":          evalCtx.To,
		"extension":   evalCtx.Extension,
		"port":        int64(evalCtx.Port),
		"text_length": int64(evalCtx.TextLength),
		"hour":        int64(t.Hour()),
		"weekday":     int64(t.Weekday()),
	}
}
