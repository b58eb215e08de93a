package pattern

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// RenderTemplate substitutes {{name}} placeholders in template from
// vars. Placeholders with no value in vars are left untouched and
// reported in missing; a response with missing placeholders must never
// be auto-sent.
func RenderTemplate(template string, vars map[string]string) (rendered string, missing []string) {
	rendered = placeholderRe.ReplaceAllStringFunc(template, func(ph string) string {
		name := strings.TrimSpace(ph[2 : len(ph)-2])
		if v, ok := vars[name]; ok && v != "" {
			return v
		}
		missing = append(missing, name)
		return ph
	})
	return rendered, missing
}

// TemplateVars returns the placeholder names referenced by template.
func TemplateVars(template string) []string {
	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	vars := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return vars
}
