package extract

import (
	"regexp"
	"strings"
)

// Redacted replaces every steering phrase Sanitize finds.
const Redacted = "[redacted]"

var steeringPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override)\s+(all\s+|any\s+)?(the\s+)?(previous|prior|above|earlier|preceding)\s+(instructions|prompts?|messages|rules|context)\b`),
	regexp.MustCompile(`(?i)\bsystem\s+prompt\b`),
	regexp.MustCompile(`(?i)\bdeveloper\s+(mode|message|instructions)\b`),
	regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)?\s*\w+`),
	regexp.MustCompile(`(?i)\b(new|updated|hidden)\s+instructions\s*:`),
	regexp.MustCompile(`(?i)\bact\s+as\s+(a|an)\s+\w+`),
	regexp.MustCompile(`(?i)\bjailbreak\w*\b`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
	regexp.MustCompile(`(?i)</?\s*(system|assistant|user)\s*>`),
	regexp.MustCompile(`(?i)\b(reveal|print|output)\s+(your|the)\s+(instructions|prompt|rules)\b`),
}

// Sanitize redacts known prompt-injection phrases from text.
func Sanitize(text string) string {
	for _, re := range steeringPatterns {
		text = re.ReplaceAllString(text, Redacted)
	}
	return text
}

// Clean sanitizes and truncates an extracted document.
func Clean(doc Document, maxBytes int) Document {
	return Document{
		Title: Truncate(Sanitize(doc.Title), 512),
		Text:  Truncate(Sanitize(doc.Text), maxBytes),
	}
}

// Truncate cuts s to at most maxBytes, backing off to a word boundary when
// one is close.
func Truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	if i := strings.LastIndexByte(s[:cut], ' '); i > cut-64 && i > 0 {
		cut = i
	}
	return strings.TrimSpace(s[:cut])
}

// Sentences splits text on '.', '!' or '?' followed by whitespace or the end
// of input.
func Sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 < len(text) && text[i+1] != ' ' && text[i+1] != '\n' {
				continue
			}
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
