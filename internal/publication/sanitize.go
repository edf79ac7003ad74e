package publication

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	urlRE     = regexp.MustCompile(`(?i)https?://\S+`)
	emailRE   = regexp.MustCompile(`\b[\w.+-]+@[\w.-]+\.[A-Za-z]{2,}\b`)
	ipv4RE    = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	macRE     = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}\b`)
	uuidRE    = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	alnumRE   = regexp.MustCompile(`\b[A-Za-z0-9]{12,}\b`)
	unixPath  = regexp.MustCompile("(?:^|[\\s(`\"'])/(?:[A-Za-z0-9._-]+/)+[A-Za-z0-9._-]+")
	spacesRE  = regexp.MustCompile(`\s+`)
	controlRE = regexp.MustCompile(`[\p{Cc}\p{Cf}]`)
)

// Markers of text that describes the machinery rather than the device's work.
var reflectionMarkers = []string{
	"`",
	"state.json",
	"events.ndjson",
	"worker_result",
	"incident-",
	"inc-",
	"cycle-",
	"codex",
	"python3",
	"pytest",
	"trace",
}

// Sanitize scrubs identifiers, addresses and secrets from free text, folds
// whitespace and truncates to maxLen runes.
func Sanitize(text string, maxLen int) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	v := norm.NFC.String(text)
	v = controlRE.ReplaceAllString(v, " ")
	v = urlRE.ReplaceAllString(v, "[redacted-url]")
	v = emailRE.ReplaceAllString(v, "[redacted-email]")
	v = ipv4RE.ReplaceAllString(v, "[redacted-ip]")
	v = macRE.ReplaceAllString(v, "[redacted-mac]")
	v = uuidRE.ReplaceAllString(v, "[redacted-id]")
	v = alnumRE.ReplaceAllStringFunc(v, func(word string) string {
		if mixed(word) {
			return "[redacted-token]"
		}
		return word
	})
	v = unixPath.ReplaceAllString(v, " [redacted-path]")
	v = strings.TrimSpace(spacesRE.ReplaceAllString(v, " "))
	return truncate(v, maxLen)
}

func mixed(word string) bool {
	var letter, digit bool
	for _, r := range word {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return letter && digit
}

func truncate(v string, maxLen int) string {
	runes := []rune(v)
	if maxLen <= 0 || len(runes) <= maxLen {
		return v
	}
	return strings.TrimRightFunc(string(runes[:maxLen-1]), unicode.IsSpace) + "..."
}

// machinery reports whether sanitized text talks about the control plane
// rather than the device's work.
func machinery(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range reflectionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Private strings shorter than minPrivateLen only match whole words; those
// shorter than minPrivateWord are not scanned for at all.
const (
	minPrivateLen  = 6
	minPrivateWord = 3
)

// corpus is the private text a publication must never echo.
type corpus []string

func (c corpus) add(values ...string) corpus {
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(norm.NFC.String(v)))
		if len([]rune(v)) >= minPrivateWord {
			c = append(c, v)
		}
	}
	return c
}

// clean sanitizes raw for publication. Text echoing the private corpus is
// dropped whole; the check runs before truncation so a cut cannot hide it.
func (c corpus) clean(raw string, maxLen int) string {
	v := Sanitize(raw, 0)
	if v == "" || c.leaks(v) || c.leaks(raw) {
		return ""
	}
	return truncate(v, maxLen)
}

// leaks reports whether text contains any private string.
func (c corpus) leaks(text string) bool {
	lower := strings.ToLower(norm.NFC.String(text))
	for _, p := range c {
		if len([]rune(p)) >= minPrivateLen {
			if strings.Contains(lower, p) {
				return true
			}
		} else if containsWord(lower, p) {
			return true
		}
	}
	return false
}

// containsWord reports whether word occurs in text bounded by non-word runes.
func containsWord(text, word string) bool {
	for from := 0; from <= len(text)-len(word); {
		i := strings.Index(text[from:], word)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(word)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(text) || !isWordRune(after)) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + size
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
