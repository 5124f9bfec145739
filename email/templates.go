package email

import (
	"fmt"
	"strings"
)

// subjectFrom collapses a multi-line header into a single subject line.
func subjectFrom(header string) string {
	parts := strings.Fields(strings.ReplaceAll(header, "\n", " "))
	subject := strings.Join(parts, " ")
	if subject == "" {
		subject = "New showings"
	}
	return subject
}

func formatNotificationBody(header, body string) string {
	title, summary, _ := strings.Cut(header, "\n")

	var lines []string
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #f2a900; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".summary { color: #7f8c8d; font-size: 1.1em; }\n")
	b.WriteString(".showings { list-style: none; padding: 0; }\n")
	b.WriteString(".showing { padding: 10px 0; border-bottom: 1px solid #ecf0f1; }\n")
	b.WriteString(".showing:last-of-type { border-bottom: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".summary { color: #a0a0a0; }\n")
	b.WriteString(".showing { border-bottom-color: #444; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(title)))
	if summary != "" {
		b.WriteString(fmt.Sprintf("<div class=\"summary\">%s</div>\n", escapeHTML(summary)))
	}
	b.WriteString("</div>\n")

	b.WriteString("<ul class=\"showings\">\n")
	for _, line := range lines {
		b.WriteString(fmt.Sprintf("<li class=\"showing\">%s</li>\n", escapeHTML(line)))
	}
	b.WriteString("</ul>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
