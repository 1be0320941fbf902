package testutil

import (
	"context"
	"strings"
	"sync"
)

// Runner records external tool invocations and delegates to Fn.
// A nil Fn succeeds without doing anything.
type Runner struct {
	Fn func(ctx context.Context, name string, args []string) error

	mu    sync.Mutex
	calls [][]string
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()
	if r.Fn == nil {
		return nil
	}
	return r.Fn(ctx, name, args)
}

// Calls returns every recorded invocation, program name first.
func (r *Runner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// FlagValue returns the value of the first "-prefix=value" style argument.
func FlagValue(args []string, prefix string) (string, bool) {
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, prefix); ok {
			return v, true
		}
	}
	return "", false
}

// ArgAfter returns the argument following flag.
func ArgAfter(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}
