package i18n

import (
	"testing"
	"testing/fstest"
)

func TestDefaultCatalogues(t *testing.T) {
	t.Parallel()

	b, err := Default("ja")
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if got := b.Supported(); len(got) != 2 || got[0] != "ja" || got[1] != "en" {
		t.Fatalf("unexpected locales %v", got)
	}
	if got := b.T("en", "cart.title"); got != "Shopping cart" {
		t.Fatalf("unexpected en title %q", got)
	}
	if got := b.T("ja", "cart.title"); got != "ショッピングカート" {
		t.Fatalf("unexpected ja title %q", got)
	}

	// Every key in the fallback catalogue must be translated.
	for key := range b.dict["ja"] {
		if _, ok := b.dict["en"][key]; !ok {
			t.Errorf("en is missing %s", key)
		}
	}
}

func TestTFallbacksAndPlaceholders(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"l/ja.yaml": {Data: []byte("cart:\n  gap: あと {amount}\n  only_ja: はい\n")},
		"l/en.yaml": {Data: []byte("cart:\n  gap: \"{amount} to go\"\n")},
	}
	b, err := Load(fsys, "l", "ja")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := b.T("en", "cart.gap", "amount", "$5.00"); got != "$5.00 to go" {
		t.Fatalf("placeholder not applied: %q", got)
	}
	if got := b.T("en", "cart.only_ja"); got != "はい" {
		t.Fatalf("expected fallback message, got %q", got)
	}
	if got := b.T("fr", "missing.key"); got != "missing.key" {
		t.Fatalf("expected key echo, got %q", got)
	}
}

func TestLoadRequiresFallback(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{"l/en.yaml": {Data: []byte("a: b\n")}}
	if _, err := Load(fsys, "l", "ja"); err == nil {
		t.Fatalf("expected error without fallback catalogue")
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	b, err := Default("ja")
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	cases := map[string]string{
		"":                   "ja",
		"en-US,en;q=0.9":     "en",
		"fr-FR, en;q=0.5":    "en",
		"ja-JP":              "ja",
		"de-DE":              "ja",
		"en;q=0.2, ja;q=0.8": "ja",
		"not a header;;;":    "ja",
	}
	for header, want := range cases {
		if got := b.Resolve(header); got != want {
			t.Errorf("Resolve(%q) = %q, want %q", header, got, want)
		}
	}
}
