package prompt

import (
	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// DetectLanguage returns the English name of the query's language, or ""
// when the text is too short or ambiguous to say.
func DetectLanguage(text string) string {
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	code := info.Lang.Iso6391()
	if code == "" {
		return ""
	}
	tag := language.All.Make(code)
	if tag == language.Und {
		return ""
	}
	return display.English.Languages().Name(tag)
}
