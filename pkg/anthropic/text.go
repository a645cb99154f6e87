package anthropic

import "strings"

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint set to a 1-hour TTL. Analyzer system prompts are identical
// across every pair of an activity, so the repeated calls hit a warm cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}

// ExtractText concatenates all text content blocks.
func ExtractText(resp *MessageResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// CleanJSON strips markdown fences and extracts the outermost JSON value.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.IndexAny(text, "{[")
	if start >= 0 {
		var end int
		if text[start] == '{' {
			end = strings.LastIndex(text, "}")
		} else {
			end = strings.LastIndex(text, "]")
		}
		if end > start {
			text = text[start : end+1]
		}
	}

	return strings.TrimSpace(text)
}
