package session

import (
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
)

// DefaultRedactPrefix selects the environment variables whose values are
// scrubbed from prompts and error messages before they are persisted.
const DefaultRedactPrefix = "EVOLEARN_REDACT_"

// RedactionFilter replaces known secret values with [REDACTED:VAR_NAME]
// placeholders.
type RedactionFilter struct {
	values       []string          // longest first, so overlapping secrets redact fully
	replacements map[string]string // secret value -> placeholder
}

// NewRedactionFilter builds a filter from every environment variable whose
// name starts with prefix. Raw and URL-encoded variants are both matched.
func NewRedactionFilter(prefix string, logger *slog.Logger) *RedactionFilter {
	if logger == nil {
		logger = slog.Default()
	}
	rf := &RedactionFilter{replacements: make(map[string]string)}
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || value == "" || !strings.HasPrefix(name, prefix) {
			continue
		}
		if len(value) < 4 {
			logger.Warn("short redaction value; false-positive risk", "var", name)
		}
		rf.add(value, "[REDACTED:"+name+"]")
		if encoded := url.QueryEscape(value); encoded != value {
			rf.add(encoded, "[REDACTED:"+name+":urlencoded]")
		}
	}
	sort.Slice(rf.values, func(i, j int) bool { return len(rf.values[i]) > len(rf.values[j]) })
	return rf
}

func (rf *RedactionFilter) add(value, placeholder string) {
	if _, ok := rf.replacements[value]; !ok {
		rf.values = append(rf.values, value)
	}
	rf.replacements[value] = placeholder
}

// Redact returns input with every known secret replaced.
func (rf *RedactionFilter) Redact(input string) string {
	if rf == nil || len(rf.values) == 0 {
		return input
	}
	for _, v := range rf.values {
		input = strings.ReplaceAll(input, v, rf.replacements[v])
	}
	return input
}
