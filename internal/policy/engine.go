// Package policy guards generated warehouse actions. Every SQL statement
// produced by the planner is evaluated against an OPA rego policy before
// the executor is allowed to run it.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/config"
	"github.com/marq-ai/marq/internal/metrics"
)

const decisionQuery = "data.marq.sql.decision"

// defaultModule is the built-in guard: single SELECT statements over the
// configured table only. A policy directory, when configured, replaces it.
const defaultModule = `package marq.sql

default allow = false

query := lower(trim_space(input.query))

is_select {
	startswith(query, "select")
}

single_statement {
	not contains(trim(query, "; \t\n"), ";")
}

mutation_keywords := {"insert", "update", "delete", "drop", "alter", "create", "grant", "truncate", "merge"}

has_mutation {
	some k
	mutation_keywords[k]
	regex.match(sprintf("\\b%s\\b", [k]), query)
}

references_table {
	contains(query, lower(input.table))
}

allow {
	is_select
	single_statement
	not has_mutation
	references_table
}

reason = "query permitted" { allow }

else = "only select statements are permitted" { not is_select }

else = "multiple statements are not permitted" { not single_statement }

else = "mutating statements are not permitted" { has_mutation }

else = "query does not reference the activity table" { not references_table }

decision = {"allow": allow, "reason": reason}
`

// Input is the evaluation context for a generated statement.
type Input struct {
	Query  string `json:"query"`
	Intent string `json:"intent"`
	Table  string `json:"table"`
}

// Decision is the policy verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine evaluates generated statements against compiled rego policies.
type Engine struct {
	cfg      config.PolicyConfig
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
}

// NewEngine compiles the policy set. With no directory configured the
// built-in module is used. Compile failure is fatal in fail-closed mode.
func NewEngine(cfg config.PolicyConfig, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		enabled: cfg.Enabled,
	}
	if !e.enabled {
		return e, nil
	}

	modules, err := e.loadModules()
	if err == nil {
		err = e.compile(modules)
	}
	if err != nil {
		if cfg.FailClosed {
			return nil, fmt.Errorf("policy: load in fail-closed mode: %w", err)
		}
		logger.Warn("Policy load failed, running fail-open", zap.Error(err))
		e.enabled = false
	}
	return e, nil
}

func (e *Engine) loadModules() (map[string]string, error) {
	if e.cfg.Path == "" {
		return map[string]string{"builtin/sql_guard": defaultModule}, nil
	}

	modules := make(map[string]string)
	err := filepath.Walk(e.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.cfg.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no policy files under %s", e.cfg.Path)
	}
	return modules, nil
}

func (e *Engine) compile(modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}
	e.compiled = &compiled
	e.logger.Info("Policies compiled",
		zap.Int("module_count", len(modules)),
		zap.String("decision_query", decisionQuery),
	)
	return nil
}

// Enabled reports whether statements are actually being evaluated.
func (e *Engine) Enabled() bool {
	return e != nil && e.enabled && e.compiled != nil
}

// CheckAction evaluates a generated statement. A disabled engine allows
// everything unless fail-closed is set.
func (e *Engine) CheckAction(ctx context.Context, in Input) (Decision, error) {
	if !e.Enabled() {
		if e != nil && e.cfg.FailClosed {
			metrics.PolicyDenials.WithLabelValues("engine_unavailable").Inc()
			return Decision{Allow: false, Reason: "policy engine unavailable"}, nil
		}
		return Decision{Allow: true, Reason: "policy engine disabled"}, nil
	}

	inputMap, err := toMap(in)
	if err != nil {
		return e.failDecision("input conversion failed"), err
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		return e.failDecision("policy evaluation error"), err
	}

	d := parseResults(results)
	if !d.Allow {
		metrics.PolicyDenials.WithLabelValues(d.Reason).Inc()
		e.logger.Warn("Statement denied by policy",
			zap.String("reason", d.Reason),
			zap.String("intent", in.Intent),
		)
	}
	return d, nil
}

func (e *Engine) failDecision(reason string) Decision {
	if e.cfg.FailClosed {
		metrics.PolicyDenials.WithLabelValues(reason).Inc()
		return Decision{Allow: false, Reason: reason}
	}
	return Decision{Allow: true, Reason: reason}
}

func toMap(in Input) (map[string]interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseResults(results rego.ResultSet) Decision {
	d := Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return d
	}
	value := results[0].Expressions[0].Value
	if m, ok := value.(map[string]interface{}); ok {
		if allow, ok := m["allow"].(bool); ok {
			d.Allow = allow
		}
		if reason, ok := m["reason"].(string); ok {
			d.Reason = reason
		}
	}
	return d
}
