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

package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testBag() map[string]any {
	return map[string]any{
		"execution": map[string]any{
			"context": map[string]any{
				"env":   "prod",
				"count": float64(3),
				"ready": true,
			},
		},
		"steps": map[string]any{
			"build": map[string]any{
				"output": map[string]any{
					"status":   "ok",
					"exitCode": float64(0),
					"missing":  nil,
				},
			},
		},
	}
}

func TestEval(t *testing.T) {
	bag := testBag()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", `execution.context.env == "prod"`, true},
		{"string inequality", `execution.context.env != "staging"`, true},
		{"single quotes", `execution.context.env == 'prod'`, true},
		{"strict equality", `steps.build.output.status === "ok"`, true},
		{"strict inequality false", `steps.build.output.status !== "ok"`, false},
		{"numeric greater", `execution.context.count > 2`, true},
		{"numeric gte boundary", `execution.context.count >= 3`, true},
		{"numeric less false", `execution.context.count < 3`, false},
		{"numeric lte", `steps.build.output.exitCode <= 0`, true},
		{"boolean literal", `execution.context.ready == true`, true},
		{"null literal", `steps.build.output.missing == null`, true},
		{"missing path equals null", `steps.build.output.nothere == null`, true},
		{"missing path comparison false", `steps.build.output.nothere > 1`, false},
		{"unparseable is false", `1 + 1 == 2 && true`, false},
		{"no operator is false", `execution.context.ready`, false},
		{"bare word literal is false", `execution.context.env == prod`, false},
		{"empty guard is false", ``, false},
		{"string ordering is false", `execution.context.env > "a"`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(tt.expr, bag))
		})
	}
}

func TestParse(t *testing.T) {
	expr, ok := Parse(`steps.build.output.exitCode >= 10`)
	assert.True(t, ok)
	assert.Equal(t, "steps.build.output.exitCode", expr.Path)
	assert.Equal(t, ">=", expr.Op)
	assert.Equal(t, float64(10), expr.Literal)

	_, ok = Parse(`== "x"`)
	assert.False(t, ok)
}

func TestSubstitute(t *testing.T) {
	bag := testBag()

	got := Substitute("deploy to {{execution.context.env}} after {{steps.build.output.status}}", bag)
	assert.Equal(t, "deploy to prod after ok", got)

	// Unresolvable placeholders stay intact.
	got = Substitute("value: {{steps.build.output.nothere}}", bag)
	assert.Equal(t, "value: {{steps.build.output.nothere}}", got)

	// Numbers render without a trailing decimal.
	got = Substitute("count={{execution.context.count}}", bag)
	assert.Equal(t, "count=3", got)
}
