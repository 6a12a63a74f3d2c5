package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	prettyDefaultWidth = 100
	prettyMinWidth     = 40
	prettySeparator    = " "
	prettyContinuation = "    "
)

// prettyHandler renders one colorized key=value line per record for terminals.
// Lines longer than the terminal width wrap at attribute boundaries.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	segs := []string{
		applyDim(ts.Format("15:04:05.000"), h.color),
		levelTag(r.Level, h.color),
		applyBold(r.Message, h.color),
	}

	for _, a := range h.attrs {
		segs = h.appendAttr(segs, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		segs = h.appendAttr(segs, a, "")
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segs = append(segs, "src="+applyDim(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	lines := wrapSegments(segs, prettySeparator, h.terminalWidth(), prettyContinuation)
	out := strings.Join(lines, "\n") + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, out)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(segs []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segs
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segs
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segs = h.appendAttr(segs, ga, fullKey)
		}
		return segs
	}

	shown := fullKey
	if len(h.groups) > 0 {
		shown = strings.Join(h.groups, ".") + "." + fullKey
	}
	return append(segs, remapPrettyKey(shown)+"="+h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path", "route":
		return applyColor(strings.TrimSpace(v.String()), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	case "session_id":
		return applyColor(quoteIfNeeded(v.String()), ansiMagenta, h.color)
	case "state", "from", "to":
		return colorizeSessionState(strings.TrimSpace(v.String()), h.color)
	case "err":
		return applyColor(quoteIfNeeded(valueToString(v)), ansiRed, h.color)
	}

	return quoteIfNeeded(valueToString(v))
}

// terminalWidth resolves PAIRGATE_LOG_WIDTH, then COLUMNS, then the default.
// Values narrower than prettyMinWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"PAIRGATE_LOG_WIDTH", "COLUMNS"} {
		n, err := strconv.Atoi(strings.TrimSpace(EnvString(key, "")))
		if err == nil && n >= prettyMinWidth {
			return n
		}
	}
	return prettyDefaultWidth
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	case "session_id":
		return "session"
	default:
		return k
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// wrapSegments joins segs with sep into lines no wider than width (visible runes).
// Continuation lines start with indent. A segment that cannot fit on its own line
// is truncated with an ellipsis.
func wrapSegments(segs []string, sep string, width int, indent string) []string {
	if width <= 0 {
		width = prettyDefaultWidth
	}

	var (
		lines []string
		cur   strings.Builder
		curW  int
	)
	flush := func() {
		if cur.Len() > 0 {
			lines = append(lines, cur.String())
		}
		cur.Reset()
		curW = 0
	}

	for _, s := range segs {
		sw := visualLen(s)
		switch {
		case curW == 0:
			prefix := ""
			if len(lines) > 0 {
				prefix = indent
			}
			s, sw = truncateVisual(s, width-visualLen(prefix))
			cur.WriteString(prefix)
			cur.WriteString(s)
			curW = visualLen(prefix) + sw
		case curW+visualLen(sep)+sw <= width:
			cur.WriteString(sep)
			cur.WriteString(s)
			curW += visualLen(sep) + sw
		default:
			flush()
			s, sw = truncateVisual(s, width-visualLen(indent))
			cur.WriteString(indent)
			cur.WriteString(s)
			curW = visualLen(indent) + sw
		}
	}
	flush()
	return lines
}

func truncateVisual(s string, max int) (string, int) {
	w := visualLen(s)
	if w <= max || max <= 1 {
		return s, w
	}
	plain := []rune(stripANSI(s))
	return string(plain[:max-1]) + "…", max
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return applyColor("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return applyColor("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return applyColor("[DEBUG]", ansiMagenta, color)
	default:
		return applyColor("[INFO]", ansiBlue, color)
	}
}
