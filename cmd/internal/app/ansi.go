package app

import (
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

func colorizeHTTPMethod(method string, color bool) string {
	if !color {
		return method
	}
	switch method {
	case "GET":
		return ansiGreen + method + ansiReset
	case "POST", "PUT", "PATCH":
		return ansiYellow + method + ansiReset
	case "DELETE":
		return ansiRed + method + ansiReset
	default:
		return ansiCyan + method + ansiReset
	}
}

func colorizeStatusCode(status int, color bool) string {
	s := strconv.Itoa(status)
	if !color {
		return s
	}
	switch {
	case status >= 500:
		return ansiRed + s + ansiReset
	case status >= 400:
		return ansiYellow + s + ansiReset
	case status >= 300:
		return ansiCyan + s + ansiReset
	default:
		return ansiGreen + s + ansiReset
	}
}

func colorizeStatusClass(class string, color bool) string {
	if !color {
		return class
	}
	switch class {
	case "5xx":
		return ansiRed + class + ansiReset
	case "4xx":
		return ansiYellow + class + ansiReset
	case "3xx":
		return ansiCyan + class + ansiReset
	default:
		return ansiGreen + class + ansiReset
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	if !color {
		return s
	}
	switch {
	case ms >= 1000:
		return ansiRed + s + ansiReset
	case ms >= 200:
		return ansiYellow + s + ansiReset
	default:
		return ansiDim + s + ansiReset
	}
}

func colorizeResult(result string, color bool) string {
	if !color {
		return result
	}
	switch result {
	case "server_error":
		return ansiRed + result + ansiReset
	case "client_error":
		return ansiYellow + result + ansiReset
	default:
		return ansiGreen + result + ansiReset
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		u := v.Uint64()
		if u > 1<<62 {
			return 0, false
		}
		return int64(u), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
}

// stripANSI removes CSI escape sequences so width math sees only glyphs.
func stripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
				j++
			}
			if j < len(s) {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// wrapSegments packs segments onto lines of at most width visual columns.
// Continuation lines start with contPrefix. A segment that cannot fit on a
// line of its own is truncated with an ellipsis.
func wrapSegments(segments []string, sep string, width int, contPrefix string) []string {
	if width <= 0 {
		return []string{strings.Join(segments, sep)}
	}

	var lines []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if cur.Len() > 0 {
			lines = append(lines, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, seg := range segments {
		segLen := visualLen(seg)
		prefix := ""
		prefixLen := 0

		if curLen == 0 {
			if len(lines) > 0 {
				prefix = contPrefix
				prefixLen = visualLen(contPrefix)
			}
			if prefixLen+segLen > width {
				lines = append(lines, prefix+truncateVisual(seg, width-prefixLen))
				continue
			}
			cur.WriteString(prefix)
			cur.WriteString(seg)
			curLen = prefixLen + segLen
			continue
		}

		sepLen := visualLen(sep)
		if curLen+sepLen+segLen > width {
			flush()
			prefix = contPrefix
			prefixLen = visualLen(contPrefix)
			if prefixLen+segLen > width {
				lines = append(lines, prefix+truncateVisual(seg, width-prefixLen))
				continue
			}
			cur.WriteString(prefix)
			cur.WriteString(seg)
			curLen = prefixLen + segLen
			continue
		}

		cur.WriteString(sep)
		cur.WriteString(seg)
		curLen += sepLen + segLen
	}
	flush()

	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}

// truncateVisual cuts s down to max visual columns, ending with an ellipsis.
// ANSI sequences are dropped in the process.
func truncateVisual(s string, max int) string {
	if max <= 0 {
		return ""
	}
	plain := stripANSI(s)
	if utf8.RuneCountInString(plain) <= max {
		return plain
	}
	runes := []rune(plain)
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
