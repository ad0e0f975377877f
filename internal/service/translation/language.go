// Package translation provides the translation and language detection adapters used
// by the audio pipeline.
package translation

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var englishNames = display.English.Languages()

// Normalize returns the lowercase base language of a BCP 47 style code ("en-US",
// "en_us" and "EN" all give "en"). Unparseable codes return "".
func Normalize(code string) string {
	code = strings.TrimSpace(strings.ReplaceAll(code, "_", "-"))
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return ""
	}
	base, confidence := tag.Base()
	if confidence == language.No {
		return ""
	}
	return base.String()
}

// SameLanguage compares the base languages of two codes. Codes that do not parse
// are never equal to anything.
func SameLanguage(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// DisplayName returns the English name of a language code, used in prompts.
func DisplayName(code string) string {
	tag, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(code), "_", "-"))
	if err != nil {
		return code
	}
	base, _ := tag.Base()
	if name := englishNames.Name(base); name != "" {
		return name
	}
	return base.String()
}
