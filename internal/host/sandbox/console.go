package sandbox

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
)

// Console output limits. Plugin logging is a diagnostic convenience, not a
// data channel; deep object graphs, huge arrays and megabyte strings are cut
// down before they reach the host log.
const (
	consoleMaxDepth = 4
	consoleMaxArray = 64
	consoleMaxBytes = 4096
)

func (s *Sandbox) installConsole() error {
	vm := s.vm
	console := vm.NewObject()

	levelFn := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, formatValue(arg.Export(), 0))
			}
			message := truncateUTF8(strings.Join(parts, " "), consoleMaxBytes)
			s.logAt(level, message)
			return goja.Undefined()
		}
	}

	if err := console.Set("log", levelFn("info")); err != nil {
		return err
	}
	if err := console.Set("warn", levelFn("warn")); err != nil {
		return err
	}
	if err := console.Set("error", levelFn("error")); err != nil {
		return err
	}
	return vm.Set("console", console)
}

// formatValue renders an exported JS value with depth and length limits.
func formatValue(v any, depth int) string {
	if depth >= consoleMaxDepth {
		return "..."
	}
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool, int64, float64:
		return fmt.Sprint(val)
	case []any:
		n := len(val)
		shown := n
		if shown > consoleMaxArray {
			shown = consoleMaxArray
		}
		parts := make([]string, 0, shown+1)
		for _, item := range val[:shown] {
			parts = append(parts, formatValue(item, depth+1))
		}
		if n > shown {
			parts = append(parts, fmt.Sprintf("... %d more", n-shown))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		parts := make([]string, 0, len(val))
		count := 0
		for k, item := range val {
			if count >= consoleMaxArray {
				parts = append(parts, "...")
				break
			}
			parts = append(parts, k+": "+formatValue(item, depth+1))
			count++
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprint(val)
	}
}

// truncateUTF8 cuts s to at most maxBytes without splitting a rune.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
