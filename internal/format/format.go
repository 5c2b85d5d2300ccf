// Package format renders money and day figures for the workspace locale.
package format

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLocale is Norwegian Bokmål.
const DefaultLocale = "nb"

// Printer returns a message printer for locale, falling back to DefaultLocale
// when the tag cannot be parsed.
func Printer(locale string) *message.Printer {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.MustParse(DefaultLocale)
	}
	return message.NewPrinter(tag)
}

// Money formats an amount in NOK with the locale's grouping.
func Money(locale string, amount float64) string {
	return Printer(locale).Sprintf("kr %.0f", amount)
}

// Days formats a day count.
func Days(locale string, days int) string {
	p := Printer(locale)
	if days == 1 {
		return p.Sprintf("%d dag", days)
	}
	return p.Sprintf("%d dager", days)
}

// Percent formats a whole-number percentage.
func Percent(locale string, pct int) string {
	return Printer(locale).Sprintf("%d %%", pct)
}
