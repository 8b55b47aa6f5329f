package gridpack

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// UserSettingsBanner separates template content from user additions
const UserSettingsBanner = "# User settings"

// Substitute replaces every $name placeholder in text with its bound
// value. List-valued bindings expand across multiple lines joined by
// ",\n" and indented to the column of the placeholder. Longer names
// are replaced first so a name that prefixes another cannot clobber it.
func Substitute(text string, vars map[string]any) string {
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	for _, key := range keys {
		placeholder := "$" + key
		var replacement string
		if list, ok := vars[key].([]any); ok {
			indent := strings.Repeat(" ", indentation(placeholder, text))
			lines := make([]string, len(list))
			for i, item := range list {
				lines[i] = indent + FormatValue(item)
			}
			replacement = strings.TrimSpace(strings.Join(lines, ",\n"))
		} else {
			replacement = FormatValue(vars[key])
		}
		text = strings.ReplaceAll(text, placeholder, replacement)
	}
	return text
}

// FormatValue renders a template variable value as card text.
// JSON numbers arrive as float64; integral values drop the decimals.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// indentation returns the column of the first occurrence of phrase
func indentation(phrase, text string) int {
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, phrase) {
			return len(line) - len(strings.TrimLeft(line, " "))
		}
	}
	return 0
}

// CustomizeFile reads a card template, appends user additions under
// the user-settings banner and substitutes variables. The result
// always ends in a single trailing newline.
func CustomizeFile(path string, userAdditions []string, vars map[string]any) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read card template: %w", err)
	}

	content := string(data)
	if len(userAdditions) > 0 {
		content = strings.TrimSpace(content) + "\n\n" + UserSettingsBanner + "\n"
		for _, line := range userAdditions {
			content += line + "\n"
		}
	}

	content = Substitute(content, vars)
	return strings.TrimSpace(content) + "\n", nil
}
