package llm

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// RouteInput is what routing rules can see about a request.
type RouteInput struct {
	DataSourceID uuid.UUID
	UserID       string
	Question     string
	Attempt      int
}

// Route is an ordered provider plan: primary first, then fallbacks.
type Route struct {
	Rule      string
	Providers []string
}

type compiledRule struct {
	rule    models.RoutingRule
	program cel.Program // nil means the rule always matches
}

// Router picks providers for a request from priority-ordered rules and
// current provider health.
type Router struct {
	rules  []compiledRule
	health *HealthRegistry
	logger *zap.Logger
}

// newRoutingEnv declares the variables a rule condition can reference.
func newRoutingEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("data_source_id", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("question", cel.StringType),
		cel.Variable("attempt", cel.IntType),
		ext.Strings(),
	)
}

// NewRouter compiles the rules. Rules must already be sorted by priority.
func NewRouter(rules []models.RoutingRule, health *HealthRegistry, logger *zap.Logger) (*Router, error) {
	env, err := newRoutingEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr := compiledRule{rule: rule}
		if rule.When != "" {
			program, err := compileCondition(env, rule.When)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
			}
			cr.program = program
		}
		compiled = append(compiled, cr)
	}

	return &Router{
		rules:  compiled,
		health: health,
		logger: logger.Named("router"),
	}, nil
}

func compileCondition(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition must evaluate to bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program error: %w", err)
	}
	return program, nil
}

// Plan returns the healthy providers of the first matching rule that has
// any. It returns apperrors.ErrNoProviderAvailable only when every provider
// of every matching rule is unhealthy, or when no rule matches.
func (r *Router) Plan(ctx context.Context, in RouteInput) (*Route, error) {
	vars := map[string]any{
		"data_source_id": in.DataSourceID.String(),
		"user_id":        in.UserID,
		"question":       in.Question,
		"attempt":        int64(in.Attempt),
	}

	matched := 0
	for _, cr := range r.rules {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !r.matches(cr, vars) {
			continue
		}
		matched++

		healthy := make([]string, 0, len(cr.rule.Providers))
		for _, name := range cr.rule.Providers {
			if r.health.IsAvailable(name) {
				healthy = append(healthy, name)
			}
		}
		if len(healthy) > 0 {
			return &Route{Rule: cr.rule.Name, Providers: healthy}, nil
		}
		r.logger.Debug("All providers of matching rule are unhealthy",
			zap.String("rule", cr.rule.Name))
	}

	if matched == 0 {
		r.logger.Warn("No routing rule matched request",
			zap.String("data_source_id", in.DataSourceID.String()))
	}
	return nil, apperrors.ErrNoProviderAvailable
}

func (r *Router) matches(cr compiledRule, vars map[string]any) bool {
	if cr.program == nil {
		return true
	}
	out, _, err := cr.program.Eval(vars)
	if err != nil {
		r.logger.Warn("Routing rule evaluation failed; treating as no match",
			zap.String("rule", cr.rule.Name),
			zap.Error(err))
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}
