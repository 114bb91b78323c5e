package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/plugin"
)

func registerKeywordFilter(reg *plugin.Registry) error {
	return reg.RegisterGate(plugin.Info{
		Name:        "keyword_filter",
		Determinism: contract.DetDeterministic,
		Version:     "1.0.0",
	}, newKeywordFilter)
}

// keywordFilter routes on substring evidence: a row whose watched field
// contains any configured keyword goes down the on_match edge; the rest go
// down on_miss, or continue when no miss route is configured. Matching is
// case-insensitive unless case_sensitive is set. The routing reason records
// which keyword fired so the audit trail explains the path, not just the
// destination.
type keywordFilter struct {
	field         string
	keywords      []string
	caseSensitive bool
	onMatch       string
	onMiss        string
}

func newKeywordFilter(cfg map[string]any) (plugin.Gate, error) {
	field, err := cfgRequiredString(cfg, "field")
	if err != nil {
		return nil, err
	}
	keywords, err := cfgStringSlice(cfg, "keywords")
	if err != nil {
		return nil, err
	}
	if len(keywords) == 0 {
		return nil, fmt.Errorf("config key %q requires at least one keyword", "keywords")
	}
	for i, kw := range keywords {
		if kw == "" {
			return nil, fmt.Errorf("config key %q entry %d is empty", "keywords", i)
		}
	}
	caseSensitive, err := cfgBool(cfg, "case_sensitive", false)
	if err != nil {
		return nil, err
	}
	onMatch, err := cfgRequiredString(cfg, "on_match")
	if err != nil {
		return nil, err
	}
	onMiss, err := cfgString(cfg, "on_miss", "")
	if err != nil {
		return nil, err
	}
	return &keywordFilter{
		field:         field,
		keywords:      keywords,
		caseSensitive: caseSensitive,
		onMatch:       onMatch,
		onMiss:        onMiss,
	}, nil
}

func (g *keywordFilter) Evaluate(ctx context.Context, pctx *plugin.Context, row contract.Row) (contract.GateResult, error) {
	value, ok := row.Lookup(g.field)
	if !ok || value == nil {
		return g.miss(row)
	}
	haystack := fmt.Sprint(value)
	if !g.caseSensitive {
		haystack = strings.ToLower(haystack)
	}
	for _, kw := range g.keywords {
		needle := kw
		if !g.caseSensitive {
			needle = strings.ToLower(kw)
		}
		if strings.Contains(haystack, needle) {
			action, err := contract.RouteTo(g.onMatch, &contract.RoutingReason{
				Rule:         "keyword_filter",
				Field:        g.field,
				MatchedValue: kw,
				Comparison:   "contains",
			})
			if err != nil {
				return contract.GateResult{}, err
			}
			return contract.GateResult{Row: row, Action: action}, nil
		}
	}
	return g.miss(row)
}

func (g *keywordFilter) miss(row contract.Row) (contract.GateResult, error) {
	if g.onMiss == "" {
		return contract.GateResult{Row: row, Action: contract.Continue()}, nil
	}
	action, err := contract.RouteTo(g.onMiss, &contract.RoutingReason{
		Rule:       "keyword_filter",
		Field:      g.field,
		Comparison: "no_match",
	})
	if err != nil {
		return contract.GateResult{}, err
	}
	return contract.GateResult{Row: row, Action: action}, nil
}
