package synth

import (
	"regexp"
	"strings"
)

// SupportedTags is the expression-tag vocabulary backends understand.
var SupportedTags = []string{"laughs", "sighs", "chuckles", "breathes", "whispers"}

// defaultVoices is the built-in voice library served by local backend kinds.
// Server backends report their own library.
var defaultVoices = []VoiceInfo{
	{ID: "kokoro_narrator", Model: "kokoro", Label: "Kokoro Narrator", Description: "Neutral long-form narration"},
	{ID: "kokoro_story", Model: "kokoro", Label: "Kokoro Story", Description: "Warm storytelling voice"},
	{ID: "chatterbox_expressive", Model: "chatterbox", Label: "Chatterbox Expressive", Description: "Expression-heavy dialogue"},
	{ID: "chatterbox_studio", Model: "chatterbox", Label: "Chatterbox Studio", Description: "Balanced expressive studio voice"},
}

// DefaultVoices returns a copy of the built-in voice library.
func DefaultVoices() []VoiceInfo {
	out := make([]VoiceInfo, len(defaultVoices))
	copy(out, defaultVoices)
	return out
}

var tagPattern = regexp.MustCompile(`\[([^\]]+)\]`)

// ExtractTags pulls [tag] tokens out of text, lower-cased and trimmed.
func ExtractTags(text string) []string {
	var tags []string
	for _, m := range tagPattern.FindAllStringSubmatch(text, -1) {
		tags = append(tags, normalizeTag(m[1]))
	}
	return tags
}

// ValidateText checks every embedded [tag] against the supported vocabulary.
func ValidateText(text string) TagReport {
	var invalid []string
	for _, tag := range ExtractTags(text) {
		if !tagSupported(tag) {
			invalid = append(invalid, tag)
		}
	}
	return TagReport{
		IsValid:       len(invalid) == 0,
		InvalidTags:   invalid,
		SupportedTags: SupportedTags,
	}
}

func tagSupported(tag string) bool {
	for _, t := range SupportedTags {
		if t == tag {
			return true
		}
	}
	return false
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

var sanitizePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitizeID strips characters unsafe for clip file names.
func sanitizeID(id string) string {
	cleaned := sanitizePattern.ReplaceAllString(id, "")
	if cleaned == "" {
		return "segment"
	}
	return cleaned
}
