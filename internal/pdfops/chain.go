package pdfops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
)

// Strategy is one way of producing an operation's output file.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, output string) error
}

type strategyFunc struct {
	name string
	fn   func(ctx context.Context, output string) error
}

func (s strategyFunc) Name() string { return s.name }

func (s strategyFunc) Attempt(ctx context.Context, output string) error { return s.fn(ctx, output) }

// NewStrategy adapts a function to the Strategy interface.
func NewStrategy(name string, fn func(ctx context.Context, output string) error) Strategy {
	return strategyFunc{name: name, fn: fn}
}

// AttemptError records why one strategy in a chain failed.
type AttemptError struct {
	Strategy string
	Err      error
}

func (e *AttemptError) Error() string { return fmt.Sprintf("%s: %v", e.Strategy, e.Err) }

func (e *AttemptError) Unwrap() error { return e.Err }

// ChainError is returned when every strategy failed. Unwrap yields the last
// attempt, which is the fallback's failure.
type ChainError struct {
	Attempts []*AttemptError
}

func (e *ChainError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "all strategies failed: " + strings.Join(parts, "; ")
}

func (e *ChainError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// Chain is an ordered list of strategies tried until one succeeds.
type Chain []Strategy

// Run tries each strategy in order and returns the name of the first one that
// produced a non-empty output file. Output left behind by a failed attempt is removed.
func (c Chain) Run(ctx context.Context, output string) (string, error) {
	if len(c) == 0 {
		return "", errors.New("empty strategy chain")
	}
	chainErr := &ChainError{}
	for _, s := range c {
		err := s.Attempt(ctx, output)
		if err == nil {
			err = checkOutput(output)
		}
		if err == nil {
			return s.Name(), nil
		}
		slog.Warn("Strategy failed, trying next.", "strategy", s.Name(), "error", err)
		_ = os.Remove(output)
		chainErr.Attempts = append(chainErr.Attempts, &AttemptError{Strategy: s.Name(), Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return "", chainErr
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("no output produced: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("empty output produced")
	}
	return nil
}

// ErrEmptyInput is returned when a reduction is requested for an empty original.
var ErrEmptyInput = errors.New("original size is zero")

// Reduction is the size saving as a percentage rounded to one decimal place.
func Reduction(original, current int64) (float64, error) {
	if original <= 0 {
		return 0, ErrEmptyInput
	}
	pct := (1 - float64(current)/float64(original)) * 100
	return math.Round(pct*10) / 10, nil
}
