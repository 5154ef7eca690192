package telegram

import "strings"

// Telegram caps messages at 4096 characters; stay below to leave room for
// entities and the tags re-balanced across cuts.
const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries. In HTML mode a cut never lands inside a tag, and tags still
// open at a cut are closed at the end of the chunk and reopened at the start
// of the next one.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var (
		out  []string
		open []htmlTag
	)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = cutPoint(rs, start, end, limit, html)
		}
		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if html {
			reopen := openingTags(open)
			open = trackTags(open, rs[start:end])
			chunk = reopen + chunk + closingTags(open)
		}
		if !html || visibleText(chunk) {
			out = append(out, chunk)
		}

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func cutPoint(rs []rune, start, end, limit int, html bool) int {
	// Last newline in the window, unless it leaves a tiny chunk.
	for i := end - 1; i-start >= limit/3; i-- {
		if rs[i] == '\n' {
			end = i + 1
			break
		}
	}
	if !html {
		return end
	}
	open, closed := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed && open > start+1 {
		return open
	}
	return end
}

type htmlTag struct {
	name string
	raw  string // opening tag as written, attributes included
}

// trackTags applies the tags found in seg to the stack of open tags.
// A closing tag pops up to and including its matching opener.
func trackTags(open []htmlTag, seg []rune) []htmlTag {
	for i := 0; i < len(seg); i++ {
		if seg[i] != '<' {
			continue
		}
		j := i + 1
		for j < len(seg) && seg[j] != '>' {
			j++
		}
		if j == len(seg) {
			break
		}
		body := strings.TrimSpace(string(seg[i+1 : j]))
		raw := string(seg[i : j+1])
		i = j
		switch {
		case body == "" || strings.HasSuffix(body, "/"):
		case strings.HasPrefix(body, "/"):
			name := tagName(body[1:])
			for k := len(open) - 1; k >= 0; k-- {
				if open[k].name == name {
					open = open[:k]
					break
				}
			}
		default:
			open = append(open, htmlTag{name: tagName(body), raw: raw})
		}
	}
	return open
}

func tagName(body string) string {
	if i := strings.IndexAny(body, " \t\n/"); i >= 0 {
		body = body[:i]
	}
	return strings.ToLower(body)
}

func openingTags(open []htmlTag) string {
	var b strings.Builder
	for _, t := range open {
		b.WriteString(t.raw)
	}
	return b.String()
}

func closingTags(open []htmlTag) string {
	var b strings.Builder
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i].name + ">")
	}
	return b.String()
}

// visibleText reports whether chunk has anything besides markup and
// whitespace; Telegram rejects messages that render empty.
func visibleText(chunk string) bool {
	in := false
	for _, r := range chunk {
		switch {
		case r == '<':
			in = true
		case r == '>':
			in = false
		case !in && strings.TrimSpace(string(r)) != "":
			return true
		}
	}
	return false
}
