package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// RegoRulePrefix prefixes the rule name of results produced by custom Rego.
const RegoRulePrefix = "rego:"

// RegoEvaluator runs the custom deny rules attached to templates. Compiled
// queries are cached per template and recompiled when the source changes.
type RegoEvaluator struct {
	mu     sync.RWMutex
	cache  map[string]*compiledRego
	logger zerolog.Logger
}

type compiledRego struct {
	digest string
	query  rego.PreparedEvalQuery
}

// RegoInput is the document custom rules see as input.
type RegoInput struct {
	Trigger Trigger `json:"trigger"`
	Subject Subject `json:"subject"`
	Rules   Rules   `json:"rules"`
}

// NewRegoEvaluator creates an evaluator with an empty cache.
func NewRegoEvaluator(logger zerolog.Logger) *RegoEvaluator {
	return &RegoEvaluator{
		cache:  make(map[string]*compiledRego),
		logger: logger.With().Str("component", "policy-rego").Logger(),
	}
}

// Compile parses and prepares a template's Rego module. The module must
// declare a deny set.
func (e *RegoEvaluator) Compile(ctx context.Context, name, source string) error {
	_, err := e.prepared(ctx, name, source)
	return err
}

// Evaluate runs every module in modules (template name to source) and returns
// one failed rule result per deny message, ordered by template name.
func (e *RegoEvaluator) Evaluate(ctx context.Context, modules map[string]string, input RegoInput) ([]RuleResult, error) {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	var results []RuleResult
	for _, name := range names {
		query, err := e.prepared(ctx, name, modules[name])
		if err != nil {
			return nil, err
		}

		rs, err := query.Eval(ctx, rego.EvalInput(doc))
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate rego for template %s: %w", name, err)
		}

		messages := denyMessages(rs)
		if len(messages) == 0 {
			results = append(results, RuleResult{Rule: RegoRulePrefix + name, Status: RuleStatusPass})
			continue
		}
		for _, msg := range messages {
			results = append(results, RuleResult{Rule: RegoRulePrefix + name, Status: RuleStatusFail, Message: msg})
		}

		e.logger.Debug().
			Str("template", name).
			Int("denials", len(messages)).
			Msg("Rego deny rules matched")
	}

	return results, nil
}

func (e *RegoEvaluator) prepared(ctx context.Context, name, source string) (rego.PreparedEvalQuery, error) {
	sum := sha256.Sum256([]byte(source))
	digest := hex.EncodeToString(sum[:])

	e.mu.RLock()
	cached, ok := e.cache[name]
	e.mu.RUnlock()
	if ok && cached.digest == digest {
		return cached.query, nil
	}

	module, err := ast.ParseModule(name+".rego", source)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to parse rego for template %s: %w", name, err)
	}
	if !declaresDeny(module) {
		return rego.PreparedEvalQuery{}, fmt.Errorf("rego for template %s declares no deny rule", name)
	}

	query, err := rego.New(
		rego.Module(name+".rego", source),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare rego for template %s: %w", name, err)
	}

	e.mu.Lock()
	e.cache[name] = &compiledRego{digest: digest, query: query}
	e.mu.Unlock()

	e.logger.Debug().Str("template", name).Msg("Rego compiled")
	return query, nil
}

func declaresDeny(module *ast.Module) bool {
	for _, rule := range module.Rules {
		if rule.Head.Name.String() == "deny" || rule.Head.Ref().String() == "deny" {
			return true
		}
	}
	return false
}

// denyMessages flattens the deny set into strings.
func denyMessages(rs rego.ResultSet) []string {
	var messages []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			values, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range values {
				switch msg := v.(type) {
				case string:
					messages = append(messages, msg)
				case map[string]interface{}:
					if s, ok := msg["message"].(string); ok {
						messages = append(messages, s)
						continue
					}
					messages = append(messages, fmt.Sprintf("%v", msg))
				default:
					messages = append(messages, fmt.Sprintf("%v", msg))
				}
			}
		}
	}
	sort.Strings(messages)
	return messages
}

// toDocument converts input into the plain JSON shape OPA expects.
func toDocument(input RegoInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rego input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode rego input: %w", err)
	}
	return doc, nil
}
