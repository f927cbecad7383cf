package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultCorpus is the corpus used when a selector names none.
const DefaultCorpus = "main"

var corpusNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Selector binds a corpus snapshot to a matching function.
// It is resolved once at startup and never changes for the life of a store.
type Selector struct {
	Corpus string
	Match  MatchFunction
}

// ParseSelector parses "corpus" or "corpus+match", e.g. "mini_sentences+innerProduct".
// The match defaults to MatchDistance and the corpus to DefaultCorpus.
func ParseSelector(s string) (Selector, error) {
	corpus, match, _ := strings.Cut(strings.TrimSpace(s), "+")
	if corpus == "" {
		corpus = DefaultCorpus
	}
	fn, err := ParseMatchFunction(match)
	if err != nil {
		return Selector{}, err
	}
	sel := Selector{Corpus: corpus, Match: fn}
	if err := sel.Validate(); err != nil {
		return Selector{}, err
	}
	return sel, nil
}

// Validate checks the corpus name and matching function.
func (s Selector) Validate() error {
	if err := ValidateCorpusName(s.Corpus); err != nil {
		return err
	}
	if _, err := NewMatcher(s.Match); err != nil {
		return err
	}
	return nil
}

func (s Selector) String() string {
	return s.Corpus + "+" + s.Match.String()
}

// ValidateCorpusName checks that name is usable as a key prefix and SQL identifier.
func ValidateCorpusName(name string) error {
	if !corpusNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCorpusName, name)
	}
	return nil
}
