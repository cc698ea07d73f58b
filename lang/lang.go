// Package lang loads phrase tables and renders localized notification text.
package lang

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localesFS embed.FS

// Phrase keys used outside the notification title.
const (
	KeyReference     = "NOTIFICATION_REFERENCE"
	KeyListSeparator = "STRING_LIST_SEPARATOR"
	KeyListLast      = "STRING_LIST_LAST"
	KeyMailSubject   = "THANKS_PM_SUBJECT_GIVE"
	KeyMailMessage   = "THANKS_PM_MES_GIVE"
	KeyMailHello     = "EMAIL_HELLO"
	KeyMailViewPost  = "EMAIL_VIEW_POST"
	KeyUnknownUser   = "UNKNOWN_USER"
)

// Bundle holds the phrase tables of every loaded locale.
type Bundle struct {
	builder  *catalog.Builder
	matcher  language.Matcher
	tags     []language.Tag
	fallback language.Tag
}

type localeFile struct {
	Locale   string               `yaml:"locale"`
	Messages map[string]yaml.Node `yaml:"messages"`
}

type pluralEntry struct {
	Arg   int       `yaml:"arg"`
	Cases yaml.Node `yaml:"cases"`
}

// Default loads the embedded locales with fallback as the default language.
func Default(fallback string) (*Bundle, error) {
	return Load(localesFS, fallback)
}

// Load reads every locales/*.yaml file in fsys.
func Load(fsys fs.FS, fallback string) (*Bundle, error) {
	fallbackTag, err := language.Parse(fallback)
	if err != nil {
		return nil, fmt.Errorf("parse fallback language %q: %w", fallback, err)
	}

	paths, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob locales: %w", err)
	}
	if len(paths) == 0 {
		return nil, errors.New("no locale files found")
	}
	sort.Strings(paths)

	b := &Bundle{
		builder:  catalog.NewBuilder(catalog.Fallback(fallbackTag)),
		fallback: fallbackTag,
	}

	hasFallback := false
	for _, p := range paths {
		tag, err := b.addFile(fsys, p)
		if err != nil {
			return nil, err
		}
		if tag == fallbackTag {
			hasFallback = true
		}
		b.tags = append(b.tags, tag)
	}
	if !hasFallback {
		return nil, fmt.Errorf("fallback language %s has no locale file", fallbackTag)
	}

	// The matcher prefers the first tag when nothing matches.
	ordered := append([]language.Tag{fallbackTag}, b.tags...)
	b.matcher = language.NewMatcher(ordered)

	return b, nil
}

func (b *Bundle) addFile(fsys fs.FS, p string) (language.Tag, error) {
	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return language.Und, fmt.Errorf("read %s: %w", p, err)
	}

	var file localeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return language.Und, fmt.Errorf("parse %s: %w", p, err)
	}

	if want := strings.TrimSuffix(path.Base(p), ".yaml"); file.Locale != want {
		return language.Und, fmt.Errorf("%s: locale %q must match file name %q", p, file.Locale, want)
	}
	tag, err := language.Parse(file.Locale)
	if err != nil {
		return language.Und, fmt.Errorf("%s: %w", p, err)
	}
	if len(file.Messages) == 0 {
		return language.Und, fmt.Errorf("%s: no messages", p)
	}

	for key, node := range file.Messages {
		msg, err := decodeMessage(&node)
		if err != nil {
			return language.Und, fmt.Errorf("%s: message %s: %w", p, key, err)
		}
		if err := b.builder.Set(tag, key, msg); err != nil {
			return language.Und, fmt.Errorf("%s: set %s: %w", p, key, err)
		}
	}
	return tag, nil
}

// decodeMessage turns either a plain string or an {arg, cases} mapping into a catalog message.
func decodeMessage(node *yaml.Node) (catalog.Message, error) {
	if node.Kind == yaml.ScalarNode {
		return catalog.String(node.Value), nil
	}

	var entry pluralEntry
	if err := node.Decode(&entry); err != nil {
		return nil, err
	}
	if entry.Arg < 1 {
		return nil, fmt.Errorf("plural arg must be 1 or greater, got %d", entry.Arg)
	}
	if entry.Cases.Kind != yaml.MappingNode || len(entry.Cases.Content) == 0 {
		return nil, errors.New("plural cases must be a non-empty mapping")
	}

	// Case order matters: "=1" has to be tried before "one".
	cases := make([]any, 0, len(entry.Cases.Content))
	for i := 0; i+1 < len(entry.Cases.Content); i += 2 {
		cases = append(cases, entry.Cases.Content[i].Value, entry.Cases.Content[i+1].Value)
	}
	return plural.Selectf(entry.Arg, "%d", cases...), nil
}

// Tags returns the loaded languages.
func (b *Bundle) Tags() []language.Tag {
	out := make([]language.Tag, len(b.tags))
	copy(out, b.tags)
	return out
}

// Fallback returns the default language.
func (b *Bundle) Fallback() language.Tag {
	return b.fallback
}

// Match picks the best loaded language for the given preferences. Each value
// may be a single tag ("uk") or an Accept-Language header. Empty and
// unparsable values are skipped.
func (b *Bundle) Match(prefs ...string) language.Tag {
	var wanted []language.Tag
	for _, pref := range prefs {
		pref = strings.TrimSpace(pref)
		if pref == "" {
			continue
		}
		tags, _, err := language.ParseAcceptLanguage(pref)
		if err != nil {
			continue
		}
		wanted = append(wanted, tags...)
	}
	if len(wanted) == 0 {
		return b.fallback
	}

	_, index, confidence := b.matcher.Match(wanted...)
	if confidence == language.No {
		return b.fallback
	}
	if index == 0 {
		return b.fallback
	}
	return b.tags[index-1]
}

// Printer returns a Printer for tag.
func (b *Bundle) Printer(tag language.Tag) *Printer {
	return &Printer{
		p:   message.NewPrinter(tag, message.Catalog(b.builder)),
		tag: tag,
	}
}

// Printer renders phrases in one language.
type Printer struct {
	p   *message.Printer
	tag language.Tag
}

// Tag returns the printer's language.
func (p *Printer) Tag() language.Tag {
	return p.tag
}

// Sprintf formats the phrase stored under key. Unknown keys are formatted as is.
func (p *Printer) Sprintf(key string, args ...any) string {
	return p.p.Sprintf(key, args...)
}

// StringList joins items into a sentence list such as "A, B and C".
func (p *Printer) StringList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	head := strings.Join(items[:len(items)-1], p.Sprintf(KeyListSeparator))
	return p.Sprintf(KeyListLast, head, items[len(items)-1])
}
