package app

import (
	"regexp"
	"strconv"
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

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// visualLen counts runes as printed, ignoring escape sequences.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func applyColor(s, code string, color bool) string {
	if !color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func applyDim(s string, color bool) string  { return applyColor(s, ansiDim, color) }
func applyBold(s string, color bool) string { return applyColor(s, ansiBright, color) }

func colorizeResult(s string, color bool) string {
	switch s {
	case "success":
		return applyColor(s, ansiGreen, color)
	case "redirect":
		return applyColor(s, ansiCyan, color)
	case "client_error":
		return applyColor(s, ansiYellow, color)
	case "server_error":
		return applyColor(s, ansiRed, color)
	default:
		return s
	}
}

func colorizeHTTPMethod(m string, color bool) string {
	switch m {
	case "GET":
		return applyColor(m, ansiGreen, color)
	case "POST":
		return applyColor(m, ansiBlue, color)
	case "DELETE":
		return applyColor(m, ansiRed, color)
	case "PUT", "PATCH":
		return applyColor(m, ansiYellow, color)
	default:
		return applyColor(m, ansiMagenta, color)
	}
}

func colorizeStatusCode(code int, color bool) string {
	s := strconv.Itoa(code)
	switch {
	case code >= 500:
		return applyColor(s, ansiRed, color)
	case code >= 400:
		return applyColor(s, ansiYellow, color)
	case code >= 300:
		return applyColor(s, ansiCyan, color)
	default:
		return applyColor(s, ansiGreen, color)
	}
}

func colorizeStatusClass(class string, color bool) string {
	if class == "" {
		return `""`
	}
	switch class[0] {
	case '5':
		return applyColor(class, ansiRed, color)
	case '4':
		return applyColor(class, ansiYellow, color)
	case '3':
		return applyColor(class, ansiCyan, color)
	default:
		return applyColor(class, ansiGreen, color)
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return applyColor(s, ansiRed, color)
	case ms >= 250:
		return applyColor(s, ansiYellow, color)
	default:
		return applyColor(s, ansiDim, color)
	}
}

func colorizeSessionState(state string, color bool) string {
	switch state {
	case "CONNECTED":
		return applyColor(state, ansiGreen, color)
	case "FAILED":
		return applyColor(state, ansiRed, color)
	case "CODE_PENDING":
		return applyColor(state, ansiYellow, color)
	case "CLOSED":
		return applyColor(state, ansiDim, color)
	case "":
		return `""`
	default:
		return applyColor(state, ansiCyan, color)
	}
}
