package voice

import "strings"

// FarewellReply is the goodbye message spoken before a session winds down.
const FarewellReply = "Bye bye! It was so fun talking with you. See you next time!"

var farewellPhrases = []string{
	"bye bye",
	"goodbye",
	"bye",
	"see you later",
	"talk to you later",
	"gotta go",
	"i have to go",
}

// IsFarewell reports whether the child is saying goodbye. Matching is
// case-insensitive and by substring, so "okay bye bye now" counts.
func IsFarewell(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range farewellPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
