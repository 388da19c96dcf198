package sandbox

import (
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/syntax"
)

// universeAllow is the subset of Starlark's universe bindings generated
// code may use. Note True, False and None are universe bindings too, not
// keywords. Everything else, including print, open-style escapes and any
// module access, resolves as undefined and is rejected before the
// interpreter ever runs.
var universeAllow = map[string]bool{
	"True": true, "False": true, "None": true,
	"len": true, "range": true, "min": true, "max": true, "abs": true,
	"sorted": true, "reversed": true, "enumerate": true, "zip": true,
	"str": true, "int": true, "float": true, "bool": true,
	"list": true, "dict": true, "tuple": true,
	"any": true, "all": true,
}

// checkPolicy statically vets generated code against the allow-list:
// no load statements, and every free identifier must be either an input
// frame, an injected builtin, or an allowed universal.
//
// A syntax error is a code defect, not a policy breach, and comes back as
// an ExecError so the repair loop can take a shot at it.
func checkPolicy(filename, code string, predeclared map[string]bool) error {
	f, err := syntax.Parse(filename, code, 0)
	if err != nil {
		return &ExecError{Msg: "parse: " + err.Error()}
	}

	for _, stmt := range f.Stmts {
		if _, ok := stmt.(*syntax.LoadStmt); ok {
			return &PolicyViolationError{Rule: "no-load", Detail: "load statements are not permitted"}
		}
	}

	isPredeclared := func(name string) bool { return predeclared[name] }
	isUniversal := func(name string) bool { return universeAllow[name] }

	if err := resolve.File(f, isPredeclared, isUniversal); err != nil {
		if elist, ok := err.(resolve.ErrorList); ok && len(elist) > 0 {
			msg := elist[0].Msg
			if sym, found := strings.CutPrefix(msg, "undefined: "); found {
				return &PolicyViolationError{Rule: "allow-list", Detail: "symbol not permitted: " + sym}
			}
			return &ExecError{Msg: "resolve: " + msg}
		}
		return &ExecError{Msg: "resolve: " + err.Error()}
	}
	return nil
}
