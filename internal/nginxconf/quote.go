package nginxconf

import "strings"

// nginx-rtmp evaluates exec arguments at runtime: '$' starts a variable and
// '\' escapes the next character.
var variableEscaper = strings.NewReplacer(`\`, `\\`, `$`, `\$`)

// Inside an nginx double-quoted token only '\' and '"' are significant.
// Control characters never reach this point; keys carrying them are rejected.
var tokenEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// escapeVariables makes s reach the exec'd process literally.
func escapeVariables(s string) string {
	return variableEscaper.Replace(s)
}

// quote renders s as a single nginx configuration token.
func quote(s string) string {
	return `"` + tokenEscaper.Replace(s) + `"`
}

// literal renders s as one exec argument that reaches the transcoder as-is.
func literal(s string) string {
	return quote(escapeVariables(s))
}

// SecretForms returns every spelling of secret that may show up in the
// generated file or in media server diagnostics echoing it.
func SecretForms(secret string) []string {
	if secret == "" {
		return nil
	}
	forms := []string{secret}
	seen := map[string]struct{}{secret: {}}
	escaped := escapeVariables(secret)
	for _, f := range []string{escaped, tokenEscaper.Replace(escaped)} {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		forms = append(forms, f)
	}
	return forms
}
