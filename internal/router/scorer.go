// Package router implements five-signal message routing: weighted keywords,
// intent overlap, direct mentions, division affinity, and negative-keyword
// penalties, scaled by a per-agent outcome multiplier.
package router

import (
	"regexp"
	"sort"
	"strings"
)

const (
	keywordWeight  = 0.4
	intentWeight   = 0.3
	mentionWeight  = 0.2
	divisionWeight = 0.1

	// Each matched negative keyword adds this much penalty, capped at 1.0.
	negativeKeywordPenalty = 0.2
)

type KeywordEntry struct {
	Word   string
	Weight float64
}

// Profile holds the routing signals registered for one agent.
type Profile struct {
	ID               string
	Name             string
	Aliases          []string
	Role             string
	Division         string
	Keywords         []KeywordEntry
	Intents          []string
	NegativeKeywords []string
}

// Message is the routable unit: free text plus optional pre-classified
// intents and a division hint.
type Message struct {
	Text     string
	Intents  []string
	Division string
}

// ScoredAgent carries the full signal breakdown for one candidate.
type ScoredAgent struct {
	AgentID           string  `json:"agent_id"`
	KeywordScore      float64 `json:"keyword_score"`
	IntentScore       float64 `json:"intent_score"`
	MentionScore      float64 `json:"mention_score"`
	DivisionScore     float64 `json:"division_score"`
	NegativePenalty   float64 `json:"negative_penalty"`
	RawScore          float64 `json:"raw_score"`
	FinalScore        float64 `json:"final_score"`
	OutcomeMultiplier float64 `json:"outcome_multiplier"`
}

// Result is the outcome of routing one message against a pool.
type Result struct {
	Best *ScoredAgent
	All  []ScoredAgent
}

// MultiplierSource supplies the per-agent outcome multiplier (0.7–1.3).
type MultiplierSource interface {
	Multiplier(agentID string) float64
}

// StaticMultiplier is a MultiplierSource that always returns one value.
// Useful in tests and before the tracker has loaded.
type StaticMultiplier float64

func (m StaticMultiplier) Multiplier(string) float64 { return float64(m) }

// keywordScore is the sum of matched keyword weights over the sum of all
// registered weights, 0.0–1.0. Matching is case-insensitive substring, so
// multi-word keywords work.
func keywordScore(text string, p Profile) float64 {
	if len(p.Keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	var matched, total float64
	for _, entry := range p.Keywords {
		total += entry.Weight
		if strings.Contains(lower, strings.ToLower(entry.Word)) {
			matched += entry.Weight
		}
	}
	if total == 0 {
		return 0
	}
	return matched / total
}

// intentScore is the Jaccard similarity between message intents and the
// agent's intents.
func intentScore(messageIntents []string, p Profile) float64 {
	if len(messageIntents) == 0 || len(p.Intents) == 0 {
		return 0
	}
	msgSet := map[string]struct{}{}
	for _, i := range messageIntents {
		msgSet[strings.ToLower(i)] = struct{}{}
	}
	agentSet := map[string]struct{}{}
	for _, i := range p.Intents {
		agentSet[strings.ToLower(i)] = struct{}{}
	}
	intersection := 0
	for i := range msgSet {
		if _, ok := agentSet[i]; ok {
			intersection++
		}
	}
	union := len(agentSet)
	for i := range msgSet {
		if _, ok := agentSet[i]; !ok {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// mentionScore returns 1.0 when the message names the agent (id, name, or
// alias) as a distinct word, else 0.0.
func mentionScore(text string, p Profile) float64 {
	names := make([]string, 0, len(p.Aliases)+2)
	names = append(names, p.ID, p.Name)
	names = append(names, p.Aliases...)
	for _, name := range names {
		if name == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			return 1.0
		}
	}
	return 0.0
}

func divisionScore(messageDivision string, p Profile) float64 {
	if messageDivision == "" {
		return 0
	}
	if strings.EqualFold(messageDivision, p.Division) {
		return 1.0
	}
	return 0.0
}

func negativePenalty(text string, p Profile) float64 {
	if len(p.NegativeKeywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	penalty := 0.0
	for _, neg := range p.NegativeKeywords {
		if strings.Contains(lower, strings.ToLower(neg)) {
			penalty += negativeKeywordPenalty
		}
	}
	if penalty > 1.0 {
		return 1.0
	}
	return penalty
}

// ScoreAgent scores one candidate against a message. The multiplier is
// clamped to [0.7, 1.3] before application.
func ScoreAgent(msg Message, p Profile, multiplier float64) ScoredAgent {
	kw := keywordScore(msg.Text, p)
	in := intentScore(msg.Intents, p)
	me := mentionScore(msg.Text, p)
	dv := divisionScore(msg.Division, p)
	ng := negativePenalty(msg.Text, p)

	raw := kw*keywordWeight + in*intentWeight + me*mentionWeight + dv*divisionWeight - ng

	if multiplier < MultiplierMin {
		multiplier = MultiplierMin
	}
	if multiplier > MultiplierMax {
		multiplier = MultiplierMax
	}

	return ScoredAgent{
		AgentID:           p.ID,
		KeywordScore:      kw,
		IntentScore:       in,
		MentionScore:      me,
		DivisionScore:     dv,
		NegativePenalty:   ng,
		RawScore:          raw,
		FinalScore:        raw * multiplier,
		OutcomeMultiplier: multiplier,
	}
}

// RouteMessage scores the full pool and returns all candidates sorted by
// final score descending. Best is nil when no candidate scores above zero.
func RouteMessage(msg Message, pool []Profile, src MultiplierSource) Result {
	if src == nil {
		src = StaticMultiplier(1.0)
	}
	all := make([]ScoredAgent, 0, len(pool))
	for _, p := range pool {
		all = append(all, ScoreAgent(msg, p, src.Multiplier(p.ID)))
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].FinalScore > all[j].FinalScore
	})

	var best *ScoredAgent
	if len(all) > 0 && all[0].FinalScore > 0 {
		best = &all[0]
	}
	return Result{Best: best, All: all}
}
