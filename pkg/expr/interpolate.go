package expr

import "strings"

// Interpolate replaces every ${{ }} occurrence in a template string with the
// stringified value of the enclosed expression. Text outside the markers
// passes through untouched. An unterminated marker is an error.
func (e *Evaluator) Interpolate(template string, ctx *Context) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}

	var sb strings.Builder
	rest := template

	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:start])

		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", errAt(template, len(template)-len(rest)+start, "unterminated ${{ marker")
		}
		end += start

		inner := strings.TrimSpace(rest[start+3 : end])
		value, err := e.Evaluate(inner, ctx)
		if err != nil {
			return "", err
		}
		sb.WriteString(stringify(value))

		rest = rest[end+2:]
	}
}
