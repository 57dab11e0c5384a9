// Package moderation provides content filtering for chat messages.
package moderation

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultWords is the built-in wordlist applied when no external list is
// configured. Deliberately short; real deployments ship their own.
var defaultWords = []string{
	"damn",
	"hell",
	"crap",
}

// Filter masks configured words in message bodies before they are stored.
type Filter struct {
	words []string
}

type wordlistFile struct {
	Words []string `yaml:"words"`
}

// NewFilter returns a Filter using the built-in wordlist.
func NewFilter() *Filter {
	return &Filter{words: defaultWords}
}

// NewFilterFromFile loads a wordlist from a YAML file of the form
// `words: [a, b, c]`. The built-in list is merged in.
func NewFilterFromFile(path string) (*Filter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wordlist: %w", err)
	}
	var wl wordlistFile
	if err := yaml.Unmarshal(raw, &wl); err != nil {
		return nil, fmt.Errorf("parse wordlist: %w", err)
	}

	seen := make(map[string]struct{})
	words := make([]string, 0, len(wl.Words)+len(defaultWords))
	for _, w := range append(wl.Words, defaultWords...) {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	return &Filter{words: words}, nil
}

// Clean replaces each configured word in the text with asterisks. Matching
// is case-insensitive and token-based so substrings of clean words pass.
func (f *Filter) Clean(text string) string {
	if text == "" {
		return text
	}

	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n'
	})
	replacements := make(map[string]string)
	for _, field := range fields {
		trimmed := strings.ToLower(strings.Trim(field, ".,!?;:\"'()"))
		for _, w := range f.words {
			if trimmed == w {
				core := strings.Trim(field, ".,!?;:\"'()")
				replacements[core] = strings.Repeat("*", len(core))
				break
			}
		}
	}

	for from, to := range replacements {
		text = strings.ReplaceAll(text, from, to)
	}
	return text
}
