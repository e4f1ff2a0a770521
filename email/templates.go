package email

import (
	"fmt"
	"strings"
	"time"

	"topic-tracker/pkg/forum"
)

func digestSubject(d *Digest) string {
	var parts []string
	if n := len(d.Notifications); n > 0 {
		noun := "updates"
		if n == 1 {
			noun = "update"
		}
		parts = append(parts, fmt.Sprintf("%d topic %s", n, noun))
	}
	if n := len(d.Recommendations); n > 0 {
		noun := "recommendations"
		if n == 1 {
			noun = "recommendation"
		}
		parts = append(parts, fmt.Sprintf("%d new %s", n, noun))
	}
	return "Topic Tracker: " + strings.Join(parts, ", ")
}

func formatDigestBody(d *Digest, now time.Time) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString("h2 { font-size: 1.1em; border-bottom: 2px solid #2980b9; padding-bottom: 6px; }\n")
	b.WriteString(".item { margin-bottom: 16px; }\n")
	b.WriteString(".title { font-weight: 600; }\n")
	b.WriteString(".meta { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".excerpt { color: #555; font-size: 0.95em; margin-top: 4px; }\n")
	b.WriteString("a { color: #2980b9; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".meta { color: #a0a0a0; }\n")
	b.WriteString(".excerpt { color: #b0b0b0; }\n")
	b.WriteString("a { color: #5dade2; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	if len(d.Notifications) > 0 {
		b.WriteString("<h2>Activity on your topics</h2>\n")
		for i := range d.Notifications {
			n := &d.Notifications[i]
			b.WriteString("<div class=\"item\">\n")
			b.WriteString(fmt.Sprintf("<a href=\"%s\" class=\"title\">%s</a>\n", escapeHTML(n.URL), escapeHTML(n.Title)))
			b.WriteString(fmt.Sprintf("<div class=\"meta\">%s &bull; %d &rarr; %d &bull; %s</div>\n",
				escapeHTML(n.Message()), n.Previous, n.Current, forum.RelativeTime(n.CreatedAt, now)))
			b.WriteString("</div>\n")
		}
	}

	if len(d.Recommendations) > 0 {
		b.WriteString("<h2>New and active</h2>\n")
		for i := range d.Recommendations {
			r := &d.Recommendations[i]
			b.WriteString("<div class=\"item\">\n")
			b.WriteString(fmt.Sprintf("<a href=\"%s\" class=\"title\">%s</a>\n", escapeHTML(r.URL), escapeHTML(r.Title)))
			meta := fmt.Sprintf("%d posts &bull; %d likes &bull; %d views &bull; %s",
				r.PostsCount, r.LikeCount, r.Views, forum.RelativeTime(r.LastPostedAt, now))
			if r.CategoryName != "" {
				meta = escapeHTML(r.CategoryName) + " &bull; " + meta
			}
			b.WriteString(fmt.Sprintf("<div class=\"meta\">%s</div>\n", meta))
			if r.Excerpt != "" {
				b.WriteString(fmt.Sprintf("<div class=\"excerpt\">%s</div>\n", escapeHTML(r.Excerpt)))
			}
			b.WriteString("</div>\n")
		}
	}

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
