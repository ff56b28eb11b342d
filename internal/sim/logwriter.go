package sim

import (
	"bytes"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// logWriter turns the line oriented kfmt output of the kernel packages into
// logrus entries. A leading "[module]" tag becomes the module field and lines
// that contain "warning:" are logged at warning level. Untagged lines, such
// as the rows of the memory map dump, inherit the module of the previous
// tagged line.
type logWriter struct {
	mu         sync.Mutex
	log        logrus.FieldLogger
	buf        bytes.Buffer
	lastModule string
}

func newLogWriter(log logrus.FieldLogger) *logWriter {
	return &logWriter{log: log}
}

// Write implements io.Writer.
func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\n"))
	}

	return len(p), nil
}

func (w *logWriter) emit(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	msg := strings.TrimSpace(line)
	if module, rest, ok := moduleTag(line); ok {
		w.lastModule, msg = module, rest
	}

	entry := w.log.WithField("module", w.lastModule)
	if rest, found := strings.CutPrefix(msg, "warning: "); found {
		entry.Warn(rest)
		return
	}
	entry.Info(msg)
}

// moduleTag splits a line of the form "[module] message". Module names
// consist of lower case letters and digits.
func moduleTag(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "[") {
		return "", "", false
	}

	end := strings.IndexByte(line, ']')
	if end < 2 {
		return "", "", false
	}

	for _, ch := range line[1:end] {
		if (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') {
			return "", "", false
		}
	}
	return line[1:end], strings.TrimSpace(line[end+1:]), true
}
