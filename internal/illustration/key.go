package illustration

import (
	"regexp"
	"strconv"
	"strings"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Normalize maps a book title to its cache-safe form: every character
// outside [a-zA-Z0-9] becomes a hyphen, then the whole thing is lowercased.
// Every cache key in the system goes through this one function, so lookups
// and saves can never disagree about punctuation or case.
func Normalize(title string) string {
	return strings.ToLower(nonAlphanumeric.ReplaceAllString(title, "-"))
}

// Key is the canonical cache identity of one illustrated page.
func Key(bookTitle string, pageIndex int) string {
	return Normalize(bookTitle) + "-page-" + strconv.Itoa(pageIndex)
}

// Filename is the on-disk name for a cached page image.
func Filename(bookTitle string, pageIndex int) string {
	return Key(bookTitle, pageIndex) + ".jpg"
}
