// Package format renders prices and item descriptions for the storefront.
package format

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var symbols = map[string]string{
	"JPY": "¥",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// Currency formats an amount in minor units for lang. Digit grouping
// follows lang; unknown currencies fall back to the ISO code.
// Example: Currency(12345, "JPY", "ja") => "¥12,345"
func Currency(minor int64, code, lang string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	printer := message.NewPrinter(parseTag(lang))
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}

	scale := 0
	if unit, err := currency.ParseISO(code); err == nil {
		scale, _ = currency.Standard.Rounding(unit)
	}
	divisor := int64(1)
	for i := 0; i < scale; i++ {
		divisor *= 10
	}
	amount := printer.Sprintf("%d", minor/divisor)
	if scale > 0 {
		amount += fmt.Sprintf(".%0*d", scale, minor%divisor)
	}

	if symbol, ok := symbols[code]; ok {
		return sign + symbol + amount
	}
	return sign + code + " " + amount
}

func parseTag(lang string) language.Tag {
	tag, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(lang), "_", "-"))
	if err != nil {
		return language.Japanese
	}
	return tag
}

var (
	markdownOnce   sync.Once
	markdownEngine goldmark.Markdown
	markdownPolicy *bluemonday.Policy
)

func markdown() (goldmark.Markdown, *bluemonday.Policy) {
	markdownOnce.Do(func() {
		markdownEngine = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))
		policy := bluemonday.UGCPolicy()
		policy.RequireNoFollowOnLinks(true)
		policy.AddTargetBlankToFullyQualifiedLinks(true)
		markdownPolicy = policy
	})
	return markdownEngine, markdownPolicy
}

// Markdown renders an item description to sanitised HTML. Raw HTML in the
// source is dropped.
func Markdown(src string) template.HTML {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	engine, policy := markdown()
	var buf bytes.Buffer
	if err := engine.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(strings.TrimSpace(policy.Sanitize(buf.String()))) //nolint:gosec // sanitised above
}
