package markdown

import (
	"log/slog"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

var htmlTag = regexp.MustCompile(`(?i)</?(p|div|table|ul|ol|li|h[1-6]|br|strong|em|span|pre|code)[\s/>]`)

// Normalize converts an answer that the agent rendered as HTML into markdown.
// Text that does not look like an HTML document is returned unchanged.
func Normalize(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "<") || !strings.HasSuffix(trimmed, ">") || !htmlTag.MatchString(trimmed) {
		return text
	}

	md, err := htmltomarkdown.ConvertString(trimmed)
	if err != nil {
		slog.Warn("convert html answer to markdown", "error", err)
		return text
	}
	return strings.TrimSpace(md)
}
