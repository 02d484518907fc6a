package automation

import "strings"

// substituteVars replaces {{vars.name}} placeholders with captured session
// variables. Unknown placeholders are left in place.
func substituteVars(text string, vars map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{{vars."+k+"}}", v)
	}
	return text
}
