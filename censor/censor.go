// Package censor masks configured words in post subjects before they are shown.
package censor

import (
	"fmt"
	"regexp"
	"strings"
)

const mask = "****"

// Censor replaces whole words from a word list. A "*" in a word matches any
// run of word characters, so "darn*" also masks "darned".
type Censor struct {
	patterns []*regexp.Regexp
}

// New compiles words into a Censor. Blank words are ignored.
func New(words []string) (*Censor, error) {
	c := &Censor{}
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" || strings.Trim(w, "*") == "" {
			continue
		}
		parts := strings.Split(w, "*")
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(p)
		}
		expr := `(?i)(^|[^\p{L}\p{N}_])(` + strings.Join(parts, `[\p{L}\p{N}_]*`) + `)([^\p{L}\p{N}_]|$)`
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile censor word %q: %w", w, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// Text returns s with every listed word masked. A nil Censor returns s unchanged.
func (c *Censor) Text(s string) string {
	if c == nil {
		return s
	}
	for _, re := range c.patterns {
		// Adjacent matches share a separator, so repeat until stable.
		for {
			next := re.ReplaceAllString(s, "${1}"+mask+"${3}")
			if next == s {
				break
			}
			s = next
		}
	}
	return s
}
