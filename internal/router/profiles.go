package router

import (
	"sort"

	"github.com/basket/go-seldon/internal/config"
)

// ProfilesFromConfig converts configured agent entries into routing
// profiles. Keyword maps are flattened deterministically.
func ProfilesFromConfig(entries []config.AgentProfile) []Profile {
	out := make([]Profile, 0, len(entries))
	for _, e := range entries {
		words := make([]string, 0, len(e.Keywords))
		for w := range e.Keywords {
			words = append(words, w)
		}
		sort.Strings(words)
		keywords := make([]KeywordEntry, 0, len(words))
		for _, w := range words {
			keywords = append(keywords, KeywordEntry{Word: w, Weight: e.Keywords[w]})
		}
		out = append(out, Profile{
			ID:               e.AgentID,
			Name:             e.DisplayName,
			Aliases:          e.Aliases,
			Division:         e.Division,
			Keywords:         keywords,
			Intents:          e.Intents,
			NegativeKeywords: e.NegativeKeywords,
		})
	}
	return out
}
