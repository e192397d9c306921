package workflow

import "regexp"

var exprVarRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpressionVariables extracts the ${variable} references from a handoff
// condition expression. Full syntax checking happens when the router
// compiles the rule; this only answers which variables are referenced so
// the routability invariant can be enforced at load time.
func ExpressionVariables(condition string) ([]string, error) {
	matches := exprVarRef.FindAllStringSubmatch(condition, -1)
	if len(matches) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names, nil
}

func compileTriggerPattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

// CompilePattern compiles a regex trigger pattern. The derivation engine
// calls this once per transition at construction; Validate has already
// rejected patterns that do not compile.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	return compileTriggerPattern(pattern)
}
