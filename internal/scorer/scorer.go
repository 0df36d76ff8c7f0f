// Package scorer rates extracted document text for accessory-dwelling-unit
// regulation relevance against a weighted phrase lexicon.
package scorer

import (
	"sort"
	"strings"
	"unicode"

	"bylawscan/internal/domain"
)

// Scorer is a pure text classifier. The zero value is not usable; build one
// with New.
type Scorer struct {
	// Threshold is the minimum confidence for a relevant verdict.
	Threshold float64
	// RepeatCap bounds how many occurrences of a single phrase count, so one
	// repeated term cannot dominate the score.
	RepeatCap int

	phrases     []phrase
	totalWeight float64
}

type phrase struct {
	text   string
	tokens []string
	weight float64
}

// New builds a Scorer over the given lexicon. A nil lexicon uses the built-in
// ADU lexicon; extra merges additional phrases on top.
func New(threshold float64, repeatCap int, lexicon, extra map[string]float64) Scorer {
	if len(lexicon) == 0 {
		lexicon = DefaultLexicon()
	}
	merged := make(map[string]float64, len(lexicon)+len(extra))
	for p, w := range lexicon {
		merged[strings.ToLower(p)] = w
	}
	for p, w := range extra {
		merged[strings.ToLower(p)] = w
	}

	s := Scorer{Threshold: threshold, RepeatCap: repeatCap}
	for p, w := range merged {
		toks := tokenize(p)
		if len(toks) == 0 || w <= 0 {
			continue
		}
		s.phrases = append(s.phrases, phrase{text: p, tokens: toks, weight: w})
		s.totalWeight += w
	}
	// Deterministic match order regardless of map iteration.
	sort.Slice(s.phrases, func(i, j int) bool { return s.phrases[i].text < s.phrases[j].text })
	return s
}

// Score classifies text. Empty text is not relevant with zero confidence;
// binary garbage is the extraction stage's problem, not validated here.
func (s Scorer) Score(text string) domain.Analysis {
	tokens := tokenize(text)
	if len(tokens) == 0 || s.totalWeight == 0 {
		return domain.Analysis{IsRelevant: false, Confidence: 0, Matches: nil}
	}

	repeatCap := s.RepeatCap
	if repeatCap < 1 {
		repeatCap = 1
	}

	var total float64
	var matches []domain.PhraseMatch
	for _, p := range s.phrases {
		count := countOccurrences(tokens, p.tokens)
		if count == 0 {
			continue
		}
		capped := count
		if capped > repeatCap {
			capped = repeatCap
		}
		score := p.weight * float64(capped) / float64(repeatCap)
		total += score
		matches = append(matches, domain.PhraseMatch{
			Phrase: p.text,
			Count:  count,
			Weight: p.weight,
			Score:  score,
		})
	}

	confidence := total / s.totalWeight
	if confidence > 1 {
		confidence = 1
	}
	return domain.Analysis{
		IsRelevant: confidence >= s.Threshold,
		Confidence: confidence,
		Matches:    matches,
	}
}

// tokenize lower-cases and splits on any non-alphanumeric rune, so word
// boundaries are respected and "setbacks" never matches "setback" inside a
// longer word, while "accessory-dwelling unit" still matches the three-token
// phrase.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func countOccurrences(tokens, needle []string) int {
	if len(needle) == 0 || len(needle) > len(tokens) {
		return 0
	}
	count := 0
	for i := 0; i+len(needle) <= len(tokens); i++ {
		match := true
		for j, w := range needle {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			count++
		}
	}
	return count
}
