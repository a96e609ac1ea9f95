package sandbox

import (
	"fmt"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// InjectCredentials substitutes declared credential placeholders into
// validated tool parameters. Only placeholders of the form
// {{secret:NAME}} with NAME in the declaration are replaced; nothing else
// in the parameter values is touched, and substitution happens after
// parameter validation, never over free text in tool source.
func InjectCredentials(params map[string]any, declared map[string]bool, resolver SecretResolver) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for key, val := range params {
		s, ok := val.(string)
		if !ok {
			out[key] = val
			continue
		}
		replaced, err := substitute(s, declared, resolver)
		if err != nil {
			return nil, err
		}
		out[key] = replaced
	}
	return out, nil
}

func substitute(s string, declared map[string]bool, resolver SecretResolver) (string, error) {
	const open, close = "{{secret:", "}}"
	for {
		start := strings.Index(s, open)
		if start < 0 {
			return s, nil
		}
		end := strings.Index(s[start:], close)
		if end < 0 {
			return s, nil
		}
		name := s[start+len(open) : start+end]
		if !declared[name] {
			return "", fmt.Errorf("%w: credential %q not declared", types.ErrNotAuthorized, name)
		}
		value, err := resolver.Resolve(name)
		if err != nil {
			return "", fmt.Errorf("%w: credential %q", types.ErrNotAuthorized, name)
		}
		s = s[:start] + value + s[start+end+len(close):]
	}
}
