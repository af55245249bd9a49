package supervisor

import (
	"bytes"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedactedValue replaces every secret in captured output.
const RedactedValue = "[redacted]"

// maxLineLength caps buffered output when the child never writes a newline.
const maxLineLength = 16 * 1024

// NewRedactor returns a replacer masking every non-empty secret, or nil when
// there is nothing to mask.
func NewRedactor(secrets []string) *strings.Replacer {
	uniq := make([]string, 0, len(secrets))
	seen := make(map[string]struct{}, len(secrets))
	for _, s := range secrets {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		uniq = append(uniq, s)
	}
	if len(uniq) == 0 {
		return nil
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(uniq, func(i, j int) bool { return len(uniq[i]) > len(uniq[j]) })

	pairs := make([]string, 0, len(uniq)*2)
	for _, s := range uniq {
		pairs = append(pairs, s, RedactedValue)
	}
	return strings.NewReplacer(pairs...)
}

// logWriter forwards child process output to zerolog one line at a time.
type logWriter struct {
	mu       sync.Mutex
	source   string
	level    zerolog.Level
	redactor *strings.Replacer
	// holdback is how many trailing bytes a forced flush keeps back so a
	// secret split across writes is still matched whole.
	holdback int
	buf      []byte
}

func newLogWriter(source string, level zerolog.Level, secrets []string) *logWriter {
	w := &logWriter{source: source, level: level, redactor: NewRedactor(secrets)}
	for _, s := range secrets {
		if n := len(s) - 1; n > w.holdback {
			w.holdback = n
		}
	}
	return w
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.redact(string(w.buf[:i])))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineLength {
		chunk := w.redact(string(w.buf))
		if cut := len(chunk) - w.holdback; cut > 0 {
			w.emit(chunk[:cut])
			w.buf = append(w.buf[:0], chunk[cut:]...)
		}
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.redact(string(w.buf)))
		w.buf = w.buf[:0]
	}
}

func (w *logWriter) redact(s string) string {
	if w.redactor == nil {
		return s
	}
	return w.redactor.Replace(s)
}

func (w *logWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	log.WithLevel(w.level).Str("source", w.source).Msg(line)
}
