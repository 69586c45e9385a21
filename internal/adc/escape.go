package adc

import "strings"

const escapedSpace = `\s`

// Escape encodes a free-text value for the wire. Only spaces are escaped.
func Escape(text string) string {
	return strings.ReplaceAll(text, " ", escapedSpace)
}

// Unescape reverses Escape.
func Unescape(text string) string {
	return strings.ReplaceAll(text, escapedSpace, " ")
}
