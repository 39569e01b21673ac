// Package i18n holds the storefront message catalogue.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var embedded embed.FS

// Bundle is a set of flattened message catalogues keyed by locale.
type Bundle struct {
	dict     map[string]map[string]string
	fallback string
	tags     []language.Tag
	names    []string
	matcher  language.Matcher
}

// Default loads the embedded catalogues.
func Default(fallback string) (*Bundle, error) {
	return Load(embedded, "locales", fallback)
}

// Load reads every <locale>.yaml under dir. The fallback locale must exist.
func Load(fsys fs.FS, dir, fallback string) (*Bundle, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("i18n: read %s: %w", dir, err)
	}
	b := &Bundle{dict: map[string]map[string]string{}, fallback: fallback}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".yaml" {
			continue
		}
		locale := strings.TrimSuffix(name, ".yaml")
		raw, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("i18n: read %s: %w", name, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("i18n: parse %s: %w", name, err)
		}
		messages := make(map[string]string)
		flatten("", doc, messages)
		b.dict[locale] = messages
	}
	if _, ok := b.dict[fallback]; !ok {
		return nil, fmt.Errorf("i18n: fallback locale %s not loaded", fallback)
	}

	// The fallback goes first so the matcher prefers it on ties.
	b.names = append(b.names, fallback)
	for locale := range b.dict {
		if locale != fallback {
			b.names = append(b.names, locale)
		}
	}
	sort.Strings(b.names[1:])
	for _, locale := range b.names {
		b.tags = append(b.tags, language.Make(locale))
	}
	b.matcher = language.NewMatcher(b.tags)
	return b, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for key, value := range node {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			flatten(full, v, out)
		case nil:
		default:
			out[full] = fmt.Sprint(v)
		}
	}
}

// Supported lists the loaded locales, fallback first.
func (b *Bundle) Supported() []string {
	return append([]string(nil), b.names...)
}

// Fallback returns the configured fallback locale.
func (b *Bundle) Fallback() string { return b.fallback }

// Supports reports whether locale has a catalogue.
func (b *Bundle) Supports(locale string) bool {
	_, ok := b.dict[locale]
	return ok
}

// T returns the message for key in locale, falling back to the default
// locale and finally to key. Pairs in args replace {name} placeholders.
func (b *Bundle) T(locale, key string, args ...string) string {
	msg, ok := b.dict[locale][key]
	if !ok {
		msg, ok = b.dict[b.fallback][key]
	}
	if !ok {
		return key
	}
	if len(args) < 2 {
		return msg
	}
	pairs := make([]string, 0, len(args))
	for i := 0; i+1 < len(args); i += 2 {
		pairs = append(pairs, "{"+args[i]+"}", args[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(msg)
}

// Resolve picks the best supported locale for an Accept-Language header.
func (b *Bundle) Resolve(acceptLanguage string) string {
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return b.fallback
	}
	_, index, confidence := b.matcher.Match(prefs...)
	if confidence == language.No {
		return b.fallback
	}
	return b.names[index]
}
