package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// HookFunction is the function every hook script defines.
const HookFunction = "hook"

// HookArgs are passed to hook(vps, running, dst_node).
type HookArgs struct {
	VPS     map[string]interface{}
	Running bool
	DstNode map[string]interface{}
}

// HookStep is an extra chain step returned by a hook. Node is "src" or
// "dst" (the default).
type HookStep struct {
	Type    int                    `json:"type"`
	Node    string                 `json:"node,omitempty"`
	Urgent  bool                   `json:"urgent,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// StarlarkEvaluator runs hook scripts with a time limit.
type StarlarkEvaluator struct {
	timeout time.Duration
	schemas *SchemaRegistry
	logger  zerolog.Logger
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout means 5s.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		schemas: NewSchemaRegistry(nil),
		logger:  logger.With().Str("component", "starlark").Logger(),
	}
}

// RunHookFile reads and runs the hook script at path.
func (se *StarlarkEvaluator) RunHookFile(ctx context.Context, path string, args HookArgs) ([]HookStep, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hook: %w", err)
	}
	return se.RunHook(ctx, path, string(src), args)
}

// RunHook executes script, calls its hook function and returns the steps
// it asks for. A hook returning None adds nothing.
func (se *StarlarkEvaluator) RunHook(ctx context.Context, name, script string, args HookArgs) ([]HookStep, error) {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Debug().Str("hook", name).Msg(msg)
		},
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{"struct": starlarkstruct.Default}
	globals, err := starlark.ExecFile(thread, name, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", name, err)
	}

	fn, ok := globals[HookFunction].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("hook %s does not define %s()", name, HookFunction)
	}

	vps, err := toStarlarkStruct(args.VPS)
	if err != nil {
		return nil, fmt.Errorf("hook %s: vps: %w", name, err)
	}
	dst, err := toStarlarkStruct(args.DstNode)
	if err != nil {
		return nil, fmt.Errorf("hook %s: dst_node: %w", name, err)
	}

	ret, err := starlark.Call(thread, fn, starlark.Tuple{vps, starlark.Bool(args.Running), dst}, nil)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", name, err)
	}
	if ret == starlark.None {
		return nil, nil
	}

	out, err := fromStarlarkValue(ret)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", name, err)
	}
	list, ok := out.([]interface{})
	if !ok {
		return nil, fmt.Errorf("hook %s must return a list of steps, got %s", name, ret.Type())
	}

	steps := make([]HookStep, 0, len(list))
	for i, item := range list {
		if err := se.schemas.ValidateAgainstSchema("hook_step", item); err != nil {
			return nil, fmt.Errorf("hook %s: step %d: %w", name, i, err)
		}
		data, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		var step HookStep
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, fmt.Errorf("hook %s: step %d: %w", name, i, err)
		}
		if step.Node == "" {
			step.Node = "dst"
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func toStarlarkStruct(m map[string]interface{}) (starlark.Value, error) {
	if m == nil {
		return starlark.None, nil
	}
	fields := make(starlark.StringDict, len(m))
	for k, v := range m {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		fields[k] = sv
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, fields), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
