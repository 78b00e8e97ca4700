package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// Transformer executes Starlark transform scripts against fetched
// source payloads. A script must define a transform(payload) function;
// the payload is passed as the decoded JSON document and the returned
// value is re-encoded as the source payload.
type Transformer struct {
	timeout time.Duration
}

// NewTransformer creates a transformer with the given per-script
// timeout.
func NewTransformer(timeout time.Duration) *Transformer {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Transformer{timeout: timeout}
}

// Apply runs the script's transform function over the payload.
func (t *Transformer) Apply(ctx context.Context, script string, payload []byte) ([]byte, error) {
	evalCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)

	go func() {
		out, err := t.applySync(script, payload)
		ch <- result{payload: out, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("transform timeout after %v", t.timeout)
	case res := <-ch:
		return res.payload, res.err
	}
}

func (t *Transformer) applySync(script string, payload []byte) ([]byte, error) {
	thread := &starlark.Thread{
		Name: "gavel-transform",
		Print: func(_ *starlark.Thread, _ string) {
			// Transform scripts cannot write to the process output.
		},
	}

	globals, err := starlark.ExecFile(thread, "transform.star", script, nil)
	if err != nil {
		return nil, fmt.Errorf("transform script failed: %w", err)
	}

	fn, ok := globals["transform"]
	if !ok {
		return nil, fmt.Errorf("transform script must define transform(payload)")
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		doc = string(payload)
	}

	arg, err := toStarlarkValue(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert payload: %w", err)
	}

	out, err := starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return nil, fmt.Errorf("transform call failed: %w", err)
	}

	goVal, err := fromStarlarkValue(out)
	if err != nil {
		return nil, fmt.Errorf("failed to convert transform result: %w", err)
	}

	return json.Marshal(goVal)
}

// toStarlarkValue converts a decoded JSON value to a Starlark value.
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

// fromStarlarkValue converts a Starlark value back to a JSON-encodable
// Go value.
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
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
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
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
