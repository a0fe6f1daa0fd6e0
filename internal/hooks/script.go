package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// ScriptRunner runs hooks written as interpreted Go scripts. Every .go
// file in the configured directory is evaluated once at load time; a
// script participates in a hook by exporting a function named after it
// with signature func(map[string]any) (map[string]any, error).
type ScriptRunner struct {
	// funcs holds, per hook name, the exported functions in script
	// path order.
	funcs map[string][]reflect.Value
}

// LoadScripts evaluates every .go file in dir and indexes the hook
// functions they export. A missing directory yields a runner with no
// hooks defined.
func LoadScripts(dir string) (*ScriptRunner, error) {
	runner := &ScriptRunner{funcs: make(map[string][]reflect.Value)}

	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return runner, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return runner, nil
		}
		return nil, fmt.Errorf("hooks: read %s: %w", trimmed, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, entry.Name()))
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := runner.loadScript(path); err != nil {
			return nil, err
		}
	}
	return runner, nil
}

func (r *ScriptRunner) loadScript(path string) error {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("hooks: stdlib symbols for %s: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return fmt.Errorf("hooks: interpret %s: %w", path, err)
	}

	for _, name := range []string{FuncPreDelegation, FuncExclusions, FuncCustomizeWorkItem} {
		value, err := i.Eval(name)
		if err != nil {
			// Scripts only define the hooks they care about.
			continue
		}
		if value.Kind() != reflect.Func {
			return fmt.Errorf("hooks: %s: %s is not a function", path, name)
		}
		r.funcs[name] = append(r.funcs[name], value)
	}
	return nil
}

// Defined reports whether any loaded script handles the hook.
func (r *ScriptRunner) Defined(name string) bool {
	return len(r.funcs[name]) > 0
}

// PreDelegation implements Runner. Scripts run in path order; the first
// non-nil result wins.
func (r *ScriptRunner) PreDelegation(ctx context.Context, params *PreDelegationParams) (*PreDelegationResult, error) {
	var result PreDelegationResult
	ok, err := r.invoke(FuncPreDelegation, params, &result)
	if err != nil || !ok {
		return nil, err
	}
	return &result, nil
}

// Exclusions implements Runner.
func (r *ScriptRunner) Exclusions(ctx context.Context, params *ExclusionParams) (*ExclusionResult, error) {
	var result ExclusionResult
	ok, err := r.invoke(FuncExclusions, params, &result)
	if err != nil || !ok {
		return nil, err
	}
	return &result, nil
}

// CustomizeWorkItem implements Runner.
func (r *ScriptRunner) CustomizeWorkItem(ctx context.Context, params *WorkItemParams) (*WorkItemResult, error) {
	var result WorkItemResult
	ok, err := r.invoke(FuncCustomizeWorkItem, params, &result)
	if err != nil || !ok {
		return nil, err
	}
	return &result, nil
}

// invoke calls the loaded functions for name until one returns a
// result. It reports whether any did.
func (r *ScriptRunner) invoke(name string, params, result any) (bool, error) {
	fns := r.funcs[name]
	if len(fns) == 0 {
		return false, nil
	}

	in, err := paramMap(params)
	if err != nil {
		return false, fmt.Errorf("hooks: %s params: %w", name, err)
	}

	for _, fn := range fns {
		out, err := callHook(fn, in)
		if err != nil {
			return false, fmt.Errorf("hooks: %s: %w", name, err)
		}
		if out == nil {
			continue
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return false, fmt.Errorf("hooks: %s result: %w", name, err)
		}
		if err := json.Unmarshal(raw, result); err != nil {
			return false, fmt.Errorf("hooks: %s result: %w", name, err)
		}
		return true, nil
	}
	return false, nil
}

func paramMap(params any) (map[string]any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func callHook(fn reflect.Value, in map[string]any) (map[string]any, error) {
	fnType := fn.Type()
	if fnType.NumIn() != 1 || fnType.NumOut() != 2 {
		return nil, fmt.Errorf("hook must have signature func(map[string]any) (map[string]any, error)")
	}

	results := fn.Call([]reflect.Value{reflect.ValueOf(in)})

	if !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok {
			return nil, e
		}
		return nil, fmt.Errorf("hook returned non-error second value")
	}
	if results[0].IsNil() {
		return nil, nil
	}
	out, ok := results[0].Interface().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("hook must return map[string]any")
	}
	return out, nil
}
