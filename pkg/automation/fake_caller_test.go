package automation

import (
	"context"
	"encoding/json"
	"sync"
)

type recordedCall struct {
	Method string
	Path   string
	Body   []byte
}

// fakeCaller answers rules API calls from a handler returning raw JSON.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []recordedCall
	handler func(method, path string, body []byte) (string, error)
}

func (f *fakeCaller) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: method, Path: path, Body: raw})
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := f.handler(method, path, raw)
	if err != nil {
		return err
	}
	if out == nil || resp == "" {
		return nil
	}
	return json.Unmarshal([]byte(resp), out)
}

func (f *fakeCaller) Calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

// sequence returns the scripted responses in order, repeating the last one.
func sequence(responses ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		r := responses[i]
		if i < len(responses)-1 {
			i++
		}
		return r
	}
}
