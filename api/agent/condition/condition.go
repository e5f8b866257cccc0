// Package condition evaluates hit conditions: JavaScript expressions over
// the parameters of a forwarded call, e.g.
//
//	name === 'world' && count > 2
//
// Conditions run the way the installed agents run them: as the body of a
// function whose arguments are the user params, the outcome converted with
// JavaScript truthiness.
package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

var (
	ErrSyntax      = errors.New("invalid condition")
	ErrUnknownName = errors.New("unknown name in condition")
	ErrEval        = errors.New("condition failed")
)

// same wrapping as hit() in the agents' common.js
var wrapper = goja.MustCompile("condition.js", `(function (json, condition) {
    const args = JSON.parse(json);
    const fn = new Function(...Object.keys(args), 'return (' + condition + ');');
    return !!fn(...Object.values(args));
})`, false)

// Expr is a compiled condition, safe for concurrent use.
type Expr struct {
	src string
}

func (e *Expr) String() string { return e.src }

// Parse checks that src compiles as an expression.
func Parse(src string) (*Expr, error) {
	if _, err := goja.Compile("", "(function () { return ("+src+"); })", false); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrSyntax, src, err)
	}
	return &Expr{src: src}, nil
}

// Eval evaluates the expression against params.
func (e *Expr) Eval(params map[string]interface{}) (bool, error) {
	buf, err := json.Marshal(params)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrEval, err)
	}

	rt := goja.New()
	v, err := rt.RunProgram(wrapper)
	if err != nil {
		return false, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return false, fmt.Errorf("%w: wrapper is not a function", ErrEval)
	}
	res, err := fn(goja.Undefined(), rt.ToValue(string(buf)), rt.ToValue(e.src))
	if err != nil {
		return false, classify(e.src, err)
	}
	return res.ToBoolean(), nil
}

func classify(src string, err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if o, ok := ex.Value().(*goja.Object); ok {
			switch o.Get("name").String() {
			case "SyntaxError":
				return fmt.Errorf("%w %q: %s", ErrSyntax, src, ex.Value())
			case "ReferenceError":
				return fmt.Errorf("%w: %s", ErrUnknownName, ex.Value())
			}
		}
		return fmt.Errorf("%w: %s", ErrEval, ex.Value())
	}
	return fmt.Errorf("%w: %v", ErrEval, err)
}

// Hit reports whether a call with params should be forwarded. An empty
// condition always hits and so does one that fails to compile or throws.
func Hit(src string, params map[string]interface{}) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return true, nil
	}
	e, err := Parse(src)
	if err != nil {
		return true, err
	}
	ok, err := e.Eval(params)
	if err != nil {
		return true, err
	}
	return ok, nil
}
