package httpclient

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// logBuffer collects zerolog JSON lines. Writes may come from several
// goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) logger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(b).Level(level)
}

// entries decodes every logged line.
func (b *logBuffer) entries(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

// messages returns the message of every logged line.
func (b *logBuffer) messages(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, e := range b.entries(t) {
		msg, _ := e[zerolog.MessageFieldName].(string)
		out = append(out, msg)
	}
	return out
}

// find returns the first entry whose message has prefix.
func (b *logBuffer) find(t *testing.T, prefix string) map[string]any {
	t.Helper()
	for _, e := range b.entries(t) {
		if msg, _ := e[zerolog.MessageFieldName].(string); strings.HasPrefix(msg, prefix) {
			return e
		}
	}
	return nil
}
