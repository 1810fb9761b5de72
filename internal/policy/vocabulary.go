package policy

import (
	"sort"
	"strings"
	"unicode"
)

// Vocabulary lists the phrases recognized when a child answers whether the
// study task is done. Phrases may span several words.
type Vocabulary struct {
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`
	Unsure   []string `yaml:"unsure"`
}

// DefaultVocabulary returns the built-in Portuguese and English phrases.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Positive: []string{
			"sim", "s", "yes", "y", "yep", "yeah",
			"já", "ja", "terminei", "já terminei", "ja terminei",
			"acabei", "já acabei", "ja acabei", "pronto", "fiz", "já fiz", "ja fiz",
			"finished", "done", "i'm done", "all done", "i finished", "completed",
		},
		Negative: []string{
			"não", "nao", "n", "no", "nope", "nah",
			"ainda não", "ainda nao", "não terminei", "nao terminei",
			"não acabei", "nao acabei", "falta", "faltam",
			"not yet", "not done", "not finished", "haven't finished", "didn't finish",
		},
		Unsure: []string{
			"não sei", "nao sei", "talvez", "acho que sim", "acho que não", "acho que nao",
			"maybe", "not sure", "i don't know", "dont know", "idk", "perhaps",
		},
	}
}

// Class is the classification of a free-text answer.
type Class int

const (
	ClassUnknown Class = iota
	ClassPositive
	ClassNegative
	ClassUnsure
)

func (c Class) String() string {
	switch c {
	case ClassPositive:
		return "positive"
	case ClassNegative:
		return "negative"
	case ClassUnsure:
		return "unsure"
	default:
		return "unknown"
	}
}

// classRank orders classes when two phrases have the same number of words.
var classRank = map[Class]int{
	ClassNegative: 0,
	ClassUnsure:   1,
	ClassPositive: 2,
}

type phrase struct {
	tokens []string
	class  Class
}

// Classifier matches answers against a vocabulary. Phrases with more words
// are tried first; at equal length negative beats unsure beats positive.
type Classifier struct {
	phrases []phrase
}

// NewClassifier compiles v into a Classifier.
func NewClassifier(v Vocabulary) *Classifier {
	var phrases []phrase
	add := func(list []string, class Class) {
		for _, p := range list {
			tokens := Tokenize(p)
			if len(tokens) == 0 {
				continue
			}
			phrases = append(phrases, phrase{tokens: tokens, class: class})
		}
	}
	add(v.Negative, ClassNegative)
	add(v.Unsure, ClassUnsure)
	add(v.Positive, ClassPositive)

	sort.SliceStable(phrases, func(i, j int) bool {
		if len(phrases[i].tokens) != len(phrases[j].tokens) {
			return len(phrases[i].tokens) > len(phrases[j].tokens)
		}
		return classRank[phrases[i].class] < classRank[phrases[j].class]
	})
	return &Classifier{phrases: phrases}
}

// Classify returns the class of answer.
func (c *Classifier) Classify(answer string) Class {
	tokens := Tokenize(answer)
	if len(tokens) == 0 {
		return ClassUnknown
	}
	for _, p := range c.phrases {
		if containsRun(tokens, p.tokens) {
			return p.class
		}
	}
	return ClassUnknown
}

// Tokenize lowercases s and splits it into words, dropping punctuation.
func Tokenize(s string) []string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsRun(tokens, run []string) bool {
	if len(run) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(run) <= len(tokens); i++ {
		for j, t := range run {
			if tokens[i+j] != t {
				continue outer
			}
		}
		return true
	}
	return false
}
