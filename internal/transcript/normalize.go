// Package transcript cleans decoder output into readable, timestamp-annotated text.
package transcript

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// controlTokens are decoder sentinels that never belong in user-facing text.
var controlTokens = []string{
	"<|startoftranscript|>",
	"<|endoftranscript|>",
	"<|notimestamps|>",
	"<|en|>",
	"<|transcribe|>",
	"<en>",
	"<|endoftext|>",
}

// languageTags matches any ISO 639 language sentinel such as <|fr|> or <|haw|>.
var languageTags = regexp.MustCompile(`<\|[a-z]{2,3}\|>`)

var timestampMarker = regexp.MustCompile(`<\|(\d+)\.(\d+)\|>`)

// timestampSpan also swallows the whitespace around a marker so the rewritten
// label controls spacing.
var timestampSpan = regexp.MustCompile(`\s*<\|(\d+)\.(\d+)\|>\s*`)

// Normalize strips control tokens and rewrites timestamp markers as [MM:SS.CC].
// Every label after the first starts a new paragraph. It never fails;
// malformed markers are left in place.
func Normalize(text string) string {
	clean := strings.TrimSpace(stripControlTokens(text))
	return strings.TrimSpace(rewriteTimestamps(clean))
}

// NormalizeParts cleans each decoded segment, then joins the non-blank ones
// with a single space before rewriting timestamps. Chunk seams are not
// deduplicated.
func NormalizeParts(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if clean := strings.TrimSpace(stripControlTokens(p)); clean != "" {
			kept = append(kept, clean)
		}
	}
	return strings.TrimSpace(rewriteTimestamps(strings.Join(kept, " ")))
}

func rewriteTimestamps(text string) string {
	matches := timestampSpan.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	first := true
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		last = m[1]
		label, ok := formatTimestamp(text[m[2]:m[3]], text[m[4]:m[5]])
		if !ok {
			b.WriteString(text[m[0]:m[1]])
			continue
		}
		switch {
		case first && m[0] == 0:
		case first:
			b.WriteString(" ")
		default:
			b.WriteString("\n\n")
		}
		first = false
		b.WriteString(label)
		b.WriteString(" ")
	}
	b.WriteString(text[last:])
	return b.String()
}

func stripControlTokens(text string) string {
	for {
		before := text
		for _, tok := range controlTokens {
			text = strings.ReplaceAll(text, tok, "")
		}
		text = languageTags.ReplaceAllString(text, "")
		if text == before {
			return text
		}
	}
}

// formatTimestamp truncates to centiseconds from the decimal digits directly,
// so values like 0.29 never round down through float error.
func formatTimestamp(whole, frac string) (string, bool) {
	secs, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || secs < 0 {
		return "", false
	}
	centis := frac
	if len(centis) > 2 {
		centis = centis[:2]
	}
	for len(centis) < 2 {
		centis += "0"
	}
	return fmt.Sprintf("[%02d:%02d.%s]", secs/60, secs%60, centis), true
}

// ShiftTimestamps moves every timestamp marker in raw decoder text by offset seconds.
// Chunks are decoded independently, so their markers start at zero.
func ShiftTimestamps(text string, offset float64) string {
	if offset == 0 {
		return text
	}
	return timestampMarker.ReplaceAllStringFunc(text, func(marker string) string {
		value, err := strconv.ParseFloat(strings.Trim(marker, "<|>"), 64)
		if err != nil {
			return marker
		}
		shifted := value + offset
		if shifted < 0 {
			shifted = 0
		}
		return fmt.Sprintf("<|%.2f|>", shifted)
	})
}
