package content

import (
	"encoding/json"
	"fmt"
	"os"
)

// Page is one spread of a picture book: the text the child reads and the
// scene description fed to illustration generation.
type Page struct {
	Text         string `json:"text"`
	Illustration string `json:"illustration"`
}

// Book is a children's book manifest entry.
type Book struct {
	Title string `json:"title"`
	Pages []Page `json:"pages"`
}

// LoadBooks reads the book manifest from disk.
func LoadBooks(path string) ([]Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read books manifest: %w", err)
	}
	var books []Book
	if err := json.Unmarshal(data, &books); err != nil {
		return nil, fmt.Errorf("parse books manifest: %w", err)
	}
	for i, b := range books {
		if b.Title == "" {
			return nil, fmt.Errorf("books manifest: entry %d has no title", i)
		}
	}
	return books, nil
}

// Descriptions returns the illustration descriptions of a book in page order.
func (b Book) Descriptions() []string {
	out := make([]string, len(b.Pages))
	for i, p := range b.Pages {
		out[i] = p.Illustration
	}
	return out
}
