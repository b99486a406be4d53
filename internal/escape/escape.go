// Package escape provides the shared text-escaping and width-aware
// truncation helpers used on the output side of the core (spec §6): the
// Agent Loop's final text payload and the History Manager's synthetic
// context blocks both go through here rather than each formatting its own
// variant.
package escape

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// markdownV2Specials are the characters Telegram's MarkdownV2 parse mode
// requires literal occurrences of to be backslash-escaped.
var markdownV2Specials = map[rune]bool{
	'_': true, '*': true, '[': true, ']': true, '(': true, ')': true,
	'~': true, '`': true, '>': true, '#': true, '+': true, '-': true,
	'=': true, '|': true, '{': true, '}': true, '.': true, '!': true,
	'\\': true,
}

// Text escapes a plain-text reply for Telegram's MarkdownV2 parse mode. The
// core never emits markdown syntax of its own in an assistant reply, so this
// is a blanket literal-escape rather than a markdown-aware formatter: every
// special character in the input is treated as literal text to display, not
// as formatting the model intended.
func Text(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if markdownV2Specials[r] {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Truncate shortens s to at most width display columns (as measured by
// go-runewidth, so double-width characters count as two), appending marker
// when it cuts the string short. It never splits a rune.
func Truncate(s string, width int, marker string) string {
	return runewidth.Truncate(s, width, marker)
}
