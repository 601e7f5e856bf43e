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

package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

// RegisterDefinition validates and persists a workflow definition.
func (e *Engine) RegisterDefinition(ctx context.Context, d *store.WorkflowDefinition) (*store.WorkflowDefinition, error) {
	if d.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if err := ValidateGraph(&d.Definition); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Version == 0 {
		d.Version = 1
	}
	if err := e.store.CreateDefinition(ctx, d); err != nil {
		return nil, err
	}
	e.logger.Info("workflow definition registered", "workflow_id", d.ID, "name", d.Name)
	return d, nil
}

// ValidateGraph checks a workflow body: at least one step, unique step
// keys, known step types, dependencies that refer to existing steps,
// and no dependency cycles.
func ValidateGraph(g *store.GraphDefinition) error {
	if len(g.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow has no steps"}
	}

	keys := make(map[string]bool, len(g.Steps))
	for _, s := range g.Steps {
		if s.Key == "" {
			return &errors.ValidationError{Field: "steps", Message: "step key is required"}
		}
		if keys[s.Key] {
			return &errors.ValidationError{Field: "steps", Message: "duplicate step key: " + s.Key}
		}
		keys[s.Key] = true
		switch s.Type {
		case store.StepTask, store.StepSpawn, store.StepCheckpoint, store.StepGate, store.StepParallel, store.StepScript:
		default:
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step %s has unknown type %q", s.Key, s.Type),
			}
		}
		switch s.OnFailure {
		case "", store.FailureFail, store.FailureSkip, store.FailureRetry, store.FailureContinue:
		default:
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step %s has unknown on_failure %q", s.Key, s.OnFailure),
			}
		}
	}

	for _, s := range g.Steps {
		for _, dep := range s.DependsOn {
			if !keys[dep] {
				return &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %s depends on unknown step %s", s.Key, dep),
				}
			}
			if dep == s.Key {
				return &errors.ValidationError{
					Field:   "steps",
					Message: "step depends on itself: " + s.Key,
				}
			}
		}
	}

	if cycle := findCycle(g.Steps); len(cycle) > 0 {
		return &errors.ValidationError{
			Field:   "steps",
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
		}
	}
	return nil
}

// findCycle runs Kahn's algorithm; any steps left unprocessed form at
// least one cycle and are returned for the error message.
func findCycle(steps []store.StepDefinition) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.Key] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Key)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if indegree[s.Key] == 0 {
			queue = append(queue, s.Key)
		}
	}

	processed := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[key] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed == len(steps) {
		return nil
	}
	var cycle []string
	for _, s := range steps {
		if indegree[s.Key] > 0 {
			cycle = append(cycle, s.Key)
		}
	}
	return cycle
}

// TopoLevels groups steps into dependency layers: level 0 has no
// dependencies, level n depends only on steps in earlier levels. Steps
// within a level can run concurrently. Returns an error if the graph
// contains a cycle.
func TopoLevels(g *store.GraphDefinition) ([][]string, error) {
	if cycle := findCycle(g.Steps); len(cycle) > 0 {
		return nil, &errors.ValidationError{
			Field:   "steps",
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
		}
	}

	depth := make(map[string]int, len(g.Steps))
	byKey := make(map[string]store.StepDefinition, len(g.Steps))
	for _, s := range g.Steps {
		byKey[s.Key] = s
	}

	var resolve func(key string) int
	resolve = func(key string) int {
		if d, ok := depth[key]; ok {
			return d
		}
		max := 0
		for _, dep := range byKey[key].DependsOn {
			if d := resolve(dep) + 1; d > max {
				max = d
			}
		}
		depth[key] = max
		return max
	}

	levels := make([][]string, 0, 4)
	for _, s := range g.Steps {
		d := resolve(s.Key)
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], s.Key)
	}
	return levels, nil
}

// yamlDefinition is the on-disk shape of a workflow file.
type yamlDefinition struct {
	Name       string                `yaml:"name"`
	Version    int                   `yaml:"version"`
	Template   bool                  `yaml:"template"`
	Definition store.GraphDefinition `yaml:"definition"`
}

// LoadDefinitionFile parses and validates one YAML workflow file.
func LoadDefinitionFile(path string) (*store.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var yd yamlDefinition
	if err := yaml.Unmarshal(data, &yd); err != nil {
		return nil, &errors.ValidationError{
			Field:   filepath.Base(path),
			Message: "invalid workflow YAML: " + err.Error(),
		}
	}
	if yd.Name == "" {
		yd.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	d := &store.WorkflowDefinition{
		Name:       yd.Name,
		Version:    yd.Version,
		Definition: yd.Definition,
		IsTemplate: yd.Template,
	}
	if err := ValidateGraph(&d.Definition); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadDirectory registers every .yml/.yaml workflow in dir. Invalid
// files are logged and skipped so one bad workflow cannot block the
// rest.
func (e *Engine) LoadDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read workflows dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		d, err := LoadDefinitionFile(path)
		if err != nil {
			e.logger.Warn("skipping invalid workflow file", log.Error(err), "path", path)
			continue
		}
		if _, err := e.RegisterDefinition(ctx, d); err != nil {
			e.logger.Warn("failed to register workflow", log.Error(err), "path", path)
		}
	}
	return nil
}

// WatchDirectory hot-reloads workflow files until the context is
// cancelled. New and modified files are re-registered as new versions.
func (e *Engine) WatchDirectory(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch workflows dir: %w", err)
	}
	e.logger.Info("watching workflows directory", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isWorkflowFile(filepath.Base(event.Name)) {
				continue
			}
			d, err := LoadDefinitionFile(event.Name)
			if err != nil {
				e.logger.Warn("ignoring invalid workflow file", log.Error(err), "path", event.Name)
				continue
			}
			if _, err := e.RegisterDefinition(ctx, d); err != nil {
				e.logger.Warn("failed to register workflow", log.Error(err), "path", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("workflow watcher error", log.Error(err))
		}
	}
}

func isWorkflowFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}
