// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package guard evaluates the restricted condition language used on
// workflow steps: a single `<path> <op> <literal>` comparison, nothing
// more. There is deliberately no general expression evaluation; a
// guard that does not parse evaluates to false.
package guard

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Comparison operators, longest first so Parse matches ">=" before ">".
var operators = []string{"===", "!==", "==", "!=", ">=", "<=", ">", "<"}

// Expr is a parsed guard expression.
type Expr struct {
	Path    string
	Op      string
	Literal any
}

// Parse splits a guard into path, operator, and literal. Returns false
// when the input is not a single well-formed comparison.
func Parse(input string) (*Expr, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, false
	}

	for _, op := range operators {
		idx := strings.Index(s, op)
		if idx <= 0 {
			continue
		}
		path := strings.TrimSpace(s[:idx])
		rawLit := strings.TrimSpace(s[idx+len(op):])
		if path == "" || rawLit == "" || !validPath(path) {
			return nil, false
		}
		lit, ok := parseLiteral(rawLit)
		if !ok {
			return nil, false
		}
		return &Expr{Path: path, Op: op, Literal: lit}, true
	}
	return nil, false
}

// Eval evaluates a guard string against a context bag. Any parse or
// resolution failure yields false.
func Eval(input string, bag map[string]any) bool {
	expr, ok := Parse(input)
	if !ok {
		return false
	}
	val, found := Resolve(expr.Path, bag)
	if !found {
		// A missing path only satisfies equality with null.
		val = nil
	}
	return compare(val, expr.Op, expr.Literal)
}

func validPath(path string) bool {
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return false
		}
	}
	return true
}

// parseLiteral accepts booleans, null, quoted strings, and numbers.
func parseLiteral(raw string) (any, bool) {
	switch raw {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	}
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') || (raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			return raw[1 : len(raw)-1], true
		}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, true
	}
	return nil, false
}

// Resolve walks a dotted path through nested maps.
func Resolve(path string, bag map[string]any) (any, bool) {
	var cur any = bag
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compare(val any, op string, lit any) bool {
	switch op {
	case "==", "===":
		return equal(val, lit)
	case "!=", "!==":
		return !equal(val, lit)
	}

	// Ordering operators require both sides numeric.
	a, aok := toFloat(val)
	b, bok := toFloat(lit)
	if !aok || !bok {
		return false
	}
	switch op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
