package routing

import (
	"data-router/internal/record"
)

// MatchResult is the outcome of one rule against one record. Err is set
// when the condition could not be evaluated, in which case Matched is false.
type MatchResult struct {
	Rule    *CompiledRule
	Matched bool
	Err     error
}

// Match evaluates every rule against r in rule order. Matching is fan-out:
// all enabled rules whose condition holds match independently.
func Match(rules []*CompiledRule, r record.Record) []MatchResult {
	results := make([]MatchResult, 0, len(rules))
	for _, rule := range rules {
		results = append(results, matchRule(rule, r))
	}
	return results
}

func matchRule(rule *CompiledRule, r record.Record) MatchResult {
	result := MatchResult{Rule: rule}
	if !rule.Enabled {
		return result
	}
	if rule.Condition == nil {
		result.Matched = true
		return result
	}

	matched, err := rule.Condition.Evaluate(r)
	if err != nil {
		result.Err = err
		return result
	}
	result.Matched = matched
	return result
}

// Matched returns the rules in results that matched
func Matched(results []MatchResult) []*CompiledRule {
	var out []*CompiledRule
	for _, res := range results {
		if res.Matched {
			out = append(out, res.Rule)
		}
	}
	return out
}
