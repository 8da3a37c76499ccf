// ABOUTME: Pure confidence scorer: matches request text against capability records.
// ABOUTME: Four weighted signals, combined as the maximum so one strong signal dominates.

package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/2389/switchboard/internal/capability"
)

// Signal weights. Tiers keep a weaker signal from ever outranking a stronger
// one at full strength.
const (
	weightSkill       = 1.0
	weightTags        = 0.8
	weightDescription = 0.6
	weightDisplayName = 0.4
)

// noSkillsCap bounds the confidence of agents that declared no skills. It sits
// below the default routing threshold, so such agents are listable but are not
// selected until they declare skills.
const noSkillsCap = 0.2

// Decision is the outcome of scoring one agent against a request. Decisions
// are produced fresh per request and never persisted beyond the turn record.
type Decision struct {
	AgentID    string  `json:"agent_id"`
	AgentName  string  `json:"agent_name"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`

	skillCount int
}

// Trace records which terms produced the score, for reasoning strings and
// debug logging.
type Trace struct {
	MatchedSkills   []string
	MatchedKeywords []string
	MatchedTags     []string
}

// Score evaluates how confidently rec can serve query. It is deterministic and
// side-effect free: identical inputs always produce identical results.
func Score(query string, rec capability.Record) (float64, Trace) {
	queryLower := strings.ToLower(query)
	queryTokens := tokenSet(query)

	var trace Trace

	skill := skillSignal(queryLower, queryTokens, rec, &trace)
	tags := tagSignal(queryLower, queryTokens, rec, &trace)
	desc := coverageSignal(queryTokens, tokenSet(rec.Description))
	name := displayNameSignal(queryLower, queryTokens, rec.DisplayName)

	score := weightSkill * skill
	if s := weightTags * tags; s > score {
		score = s
	}
	if s := weightDescription * desc; s > score {
		score = s
	}
	if s := weightDisplayName * name; s > score {
		score = s
	}

	if !rec.HasSkills() && score > noSkillsCap {
		score = noSkillsCap
	}
	if score > 1.0 {
		score = 1.0
	}
	return score, trace
}

// Rank scores every record and returns decisions sorted by confidence,
// descending. Equal scores prefer the agent with more declared skills, then
// the earlier-registered agent (records arrive in registration order and the
// sort is stable).
func Rank(query string, records []capability.Record) []Decision {
	decisions := make([]Decision, 0, len(records))
	for _, rec := range records {
		score, trace := Score(query, rec)
		decisions = append(decisions, Decision{
			AgentID:    rec.AgentID,
			AgentName:  rec.DisplayName,
			Confidence: score,
			Reasoning:  buildReasoning(rec.DisplayName, trace),
			skillCount: len(rec.Skills),
		})
	}

	sort.SliceStable(decisions, func(i, j int) bool {
		if decisions[i].Confidence != decisions[j].Confidence {
			return decisions[i].Confidence > decisions[j].Confidence
		}
		return decisions[i].skillCount > decisions[j].skillCount
	})
	return decisions
}

// skillSignal is the top-tier signal: a full skill-name phrase in the request
// or any declared keyword hit scores 1.0; partial skill-name matches score by
// token overlap.
func skillSignal(queryLower string, queryTokens map[string]struct{}, rec capability.Record, trace *Trace) float64 {
	best := 0.0

	for _, skill := range rec.Skills {
		phrase := normalizePhrase(skill.Name)
		if phrase == "" {
			continue
		}
		if containsPhrase(queryLower, phrase) {
			best = 1.0
			trace.MatchedSkills = append(trace.MatchedSkills, skill.Name)
			continue
		}
		skillTokens := tokenize(phrase)
		if len(skillTokens) == 0 {
			continue
		}
		overlap := 0
		for _, tok := range skillTokens {
			if _, ok := queryTokens[tok]; ok {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		ratio := float64(overlap) / float64(len(skillTokens))
		if ratio >= 0.5 {
			trace.MatchedSkills = append(trace.MatchedSkills, skill.Name)
		}
		if ratio > best {
			best = ratio
		}
	}

	for _, kw := range rec.Keywords {
		if termMatches(kw, queryLower, queryTokens) {
			best = 1.0
			trace.MatchedKeywords = append(trace.MatchedKeywords, kw)
		}
	}

	return best
}

// tagSignal measures how much of the request is covered by the union of all
// skills' tags: the fraction of query tokens claimed by matching tags. A tag
// only claims tokens when it occurs in the request itself, so fragments of a
// multi-word tag never count on their own.
func tagSignal(queryLower string, queryTokens map[string]struct{}, rec capability.Record, trace *Trace) float64 {
	union := rec.TagUnion()
	if len(union) == 0 || len(queryTokens) == 0 {
		return 0
	}

	covered := make(map[string]struct{})
	for _, tag := range union {
		if !termMatches(tag, queryLower, queryTokens) {
			continue
		}
		trace.MatchedTags = append(trace.MatchedTags, tag)
		for _, tok := range tokenize(tag) {
			if _, ok := queryTokens[tok]; ok {
				covered[tok] = struct{}{}
			}
		}
	}
	return float64(len(covered)) / float64(len(queryTokens))
}

// coverageSignal is the fraction of query tokens present in the given token set.
func coverageSignal(queryTokens, corpus map[string]struct{}) float64 {
	if len(queryTokens) == 0 || len(corpus) == 0 {
		return 0
	}
	covered := 0
	for tok := range queryTokens {
		if _, ok := corpus[tok]; ok {
			covered++
		}
	}
	return float64(covered) / float64(len(queryTokens))
}

// displayNameSignal is the lowest-tier fallback: the full display name as a
// substring scores 1.0, otherwise partial overlap of the name's tokens.
func displayNameSignal(queryLower string, queryTokens map[string]struct{}, displayName string) float64 {
	phrase := normalizePhrase(displayName)
	if phrase == "" {
		return 0
	}
	if strings.Contains(queryLower, phrase) {
		return 1.0
	}
	nameTokens := tokenize(phrase)
	if len(nameTokens) == 0 {
		return 0
	}
	overlap := 0
	for _, tok := range nameTokens {
		if _, ok := queryTokens[tok]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(nameTokens)) * 0.5
}

// buildReasoning produces a human-readable trace of which signal dominated,
// e.g. "Selected Currency Agent based on keywords: usd, eur and skills:
// Currency Exchange".
func buildReasoning(displayName string, trace Trace) string {
	terms := dedupeTerms(append(append([]string{}, trace.MatchedKeywords...), trace.MatchedTags...), 5)
	skills := dedupeTerms(trace.MatchedSkills, 3)

	parts := []string{fmt.Sprintf("Selected %s", displayName)}
	switch {
	case len(terms) > 0 && len(skills) > 0:
		parts = append(parts,
			fmt.Sprintf("based on keywords: %s", strings.Join(terms, ", ")),
			fmt.Sprintf("and skills: %s", strings.Join(skills, ", ")))
	case len(terms) > 0:
		parts = append(parts, fmt.Sprintf("based on keywords: %s", strings.Join(terms, ", ")))
	case len(skills) > 0:
		parts = append(parts, fmt.Sprintf("based on skills: %s", strings.Join(skills, ", ")))
	default:
		parts = append(parts, "based on best overall capability match")
	}
	return strings.Join(parts, " ")
}

func dedupeTerms(terms []string, limit int) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out
}
