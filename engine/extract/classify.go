package extract

import (
	"regexp"

	"github.com/757built/engine/engine/domain"
)

// Keyword patterns per document class, matched case-insensitively over the
// first chunk. The class with the most hits wins; ties and no hits fall back
// to other.
var classPatterns = map[domain.Class][]*regexp.Regexp{
	domain.ClassPatent: compilePatterns(
		`\bpatent\b`, `\bclaims?\b`, `\buspto\b`, `\bprior art\b`,
		`\binvention\b`, `\bassignee\b`, `\bfiling date\b`,
	),
	domain.ClassResearch: compilePatterns(
		`\babstract\b`, `\bdoi\b`, `\bjournal\b`, `\buniversity\b`,
		`\bmethodology\b`, `\bpeer[- ]review`, `\bfindings\b`, `\bresearch\b`,
	),
	domain.ClassProject: compilePatterns(
		`\bproject\b`, `\bconstruction\b`, `\bcontract(?:or)?\b`, `\bpermit\b`,
		`\bdevelopment\b`, `\bgroundbreaking\b`, `\bcompletion date\b`, `\bbid\b`,
	),
}

// classPriority breaks score ties deterministically.
var classPriority = []domain.Class{domain.ClassPatent, domain.ClassResearch, domain.ClassProject}

func compilePatterns(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// DetectClass classifies a text body by keyword density.
func DetectClass(text string) domain.Class {
	if text == "" {
		return domain.ClassOther
	}
	best, bestScore := domain.ClassOther, 0
	for _, class := range classPriority {
		score := 0
		for _, p := range classPatterns[class] {
			score += len(p.FindAllStringIndex(text, -1))
		}
		if score > bestScore {
			best, bestScore = class, score
		}
	}
	return best
}
