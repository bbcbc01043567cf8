package channels

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"ms-booking/internal/models"
)

// Title returns data["title"], or the template name in words.
func Title(template string, data map[string]any) string {
	if v, ok := data["title"].(string); ok && v != "" {
		return v
	}
	words := strings.Fields(strings.ReplaceAll(template, "_", " "))
	if len(words) == 0 {
		return "Notification"
	}
	first, size := utf8.DecodeRuneInString(words[0])
	words[0] = string(unicode.ToUpper(first)) + words[0][size:]
	return strings.Join(words, " ")
}

// Body returns data["body"], or the remaining data as sorted "key: value" lines.
func Body(data map[string]any) string {
	if v, ok := data["body"].(string); ok && v != "" {
		return v
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "title" || k == "subject" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, data[k]))
	}
	return strings.Join(lines, "\n")
}

func PushMessage(template string, data map[string]any) models.PushMessage {
	return models.PushMessage{
		Title: Title(template, data),
		Body:  Body(data),
		Tag:   template,
		Type:  template,
		Data:  data,
	}
}
