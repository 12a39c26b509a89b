package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// decodeArgs unmarshals tool arguments into dst. An empty or null argument
// object decodes as {}.
func decodeArgs(args json.RawMessage, dst any) error {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		trimmed = "{}"
	}
	if err := json.Unmarshal([]byte(trimmed), dst); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}
	return nil
}

// truncate caps s at n bytes and marks the cut. The cut never splits a
// multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n\n[truncated %d bytes]", len(s)-cut)
}
