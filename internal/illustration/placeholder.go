package illustration

import (
	"fmt"
	"net/url"
)

// PlaceholderURL builds a deterministic stand-in image URL for when
// generation is unavailable. The same seed always yields the same picture,
// so a page keeps its look across retries and reloads.
func PlaceholderURL(seed string, width, height int) string {
	return fmt.Sprintf("https://picsum.photos/seed/%s/%d/%d", url.PathEscape(seed), width, height)
}

// PagePlaceholderURL is the placeholder for one book page.
func PagePlaceholderURL(bookTitle string, pageIndex int) string {
	return PlaceholderURL(fmt.Sprintf("%s-%d", bookTitle, pageIndex), 400, 300)
}
