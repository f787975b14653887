package transport

import (
	"regexp"
	"strings"
)

// Sanitize strips or translates LLM markup into the safe subset of the
// target platform. Model output arrives as loose markdown; each
// platform rejects a different slice of it, and a rejected parse makes
// the whole send fail, so the output is reduced rather than escaped.
func Sanitize(platform, text string) string {
	text = stripThinkingTags(text)
	text = strings.TrimSpace(text)

	switch platform {
	case "telegram":
		return sanitizeTelegram(text)
	case "discord":
		return sanitizeDiscord(text)
	default:
		return stripMarkdown(text)
	}
}

var thinkingTagPattern = regexp.MustCompile(`(?s)<(think|thinking|thought|reasoning)>.*?</(think|thinking|thought|reasoning)>`)

// stripThinkingTags removes reasoning blocks some models leak into the
// final content.
func stripThinkingTags(text string) string {
	return thinkingTagPattern.ReplaceAllString(text, "")
}

var headingPattern = regexp.MustCompile(`(?m)^#{1,6}\s+`)

// sanitizeTelegram reduces markdown to what Telegram's legacy Markdown
// parse mode accepts: *bold*, _italic_, and backtick code. Headings and
// link syntax are flattened to plain text.
func sanitizeTelegram(text string) string {
	// Headings have no Telegram equivalent; keep the text, bold it.
	text = headingPattern.ReplaceAllString(text, "")

	// **bold** → *bold*, __italic__ → _italic_.
	text = strings.ReplaceAll(text, "**", "*")
	text = strings.ReplaceAll(text, "__", "_")

	// [label](url) → label (url).
	text = linkPattern.ReplaceAllString(text, "$1 ($2)")
	return text
}

// sanitizeDiscord passes markdown through: Discord renders the common
// subset natively. Only headings above level 3 are flattened.
func sanitizeDiscord(text string) string {
	return regexp.MustCompile(`(?m)^#{4,6}\s+`).ReplaceAllString(text, "### ")
}

var (
	linkPattern     = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	boldPattern     = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	inlineCodeFence = regexp.MustCompile("```[a-zA-Z0-9]*\n?")
	emphasisPattern = regexp.MustCompile(`(^|[^\w*])\*([^*\n]+)\*`)
)

// stripMarkdown flattens markdown to plain text for platforms with no
// markup support (the REST gateway returns raw text).
func stripMarkdown(text string) string {
	text = headingPattern.ReplaceAllString(text, "")
	text = boldPattern.ReplaceAllString(text, "$1")
	text = emphasisPattern.ReplaceAllString(text, "$1$2")
	text = inlineCodeFence.ReplaceAllString(text, "")
	text = linkPattern.ReplaceAllString(text, "$1 ($2)")
	return text
}

// TruncateForPlatform bounds outbound text to the platform's message
// size limit, appending an ellipsis marker when cut.
func TruncateForPlatform(platform, text string) string {
	limit := 4000 // telegram caps at 4096; leave footer headroom
	if platform == "discord" {
		limit = 1900 // discord caps at 2000
	}
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	// Cut on a line boundary when one is close.
	if idx := strings.LastIndexByte(cut, '\n'); idx > limit-200 {
		cut = cut[:idx]
	}
	return cut + "\n…"
}
