package main

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/disgoorg/json"
)

// splitField splits "key=value" into (key, value, true).
// Returns ("", "", false) if there is no '=' or key is empty.
func splitField(s string) (string, string, bool) {
	i := strings.IndexByte(s, '=')
	if i <= 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// fieldValue decodes v when it looks like a JSON literal and returns it unchanged otherwise.
// Integers stay exact so snowflake ids written as numbers are not rounded.
func fieldValue(v string) any {
	if v == "" {
		return v
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	switch {
	case v[0] == '{', v[0] == '[', v[0] == '"',
		v == "true", v == "false", v == "null",
		v[0] == '-', unicode.IsDigit(rune(v[0])):
		var out any
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
	}
	return v
}

func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := splitField(arg)
		if !ok {
			return nil, fmt.Errorf("invalid field %q, expected key=value", arg)
		}
		fields[key] = fieldValue(value)
	}
	return fields, nil
}
