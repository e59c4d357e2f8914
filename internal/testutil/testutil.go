// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/provider"
	"github.com/allaspectsdev/switchyard/internal/store"
)

// NewTestStore opens a SQLite store in a temporary directory. The store is
// closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewTestConfig returns the default config with its data directory moved to
// a temporary directory.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	return cfg
}

// WriteFile writes content to a file in the given directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}

// StepClock is a manual clock. Each call to Now returns the current time and
// then advances it by Step.
type StepClock struct {
	mu   sync.Mutex
	t    time.Time
	Step time.Duration
}

// NewStepClock starts a clock at a fixed instant.
func NewStepClock(step time.Duration) *StepClock {
	return &StepClock{t: time.Unix(1_700_000_000, 0), Step: step}
}

// Now returns the clock time and advances it by Step.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.Step)
	return now
}

// Advance moves the clock forward by d.
func (c *StepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Call is one request seen by a FakeExecutor.
type Call struct {
	Provider string
	Model    string
	Body     []byte
}

// FakeExecutor answers every call with a canned result or error and records
// what it was asked.
type FakeExecutor struct {
	mu     sync.Mutex
	calls  []Call
	Result *provider.Result
	Err    error
	// Fn, when set, overrides Result and Err.
	Fn func(ctx context.Context, req provider.Request) (*provider.Result, error)
}

// Execute implements provider.Executor.
func (f *FakeExecutor) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Provider: req.ProviderID, Model: req.UpstreamModel, Body: req.Body})
	f.mu.Unlock()
	if f.Fn != nil {
		return f.Fn(ctx, req)
	}
	if f.Err != nil {
		return nil, f.Err
	}
	res := *f.Result
	return &res, nil
}

// Calls returns a copy of the recorded calls.
func (f *FakeExecutor) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// JSONResult is a completed 200 response with the given body.
func JSONResult(body string, in, out int64) *provider.Result {
	return &provider.Result{
		Kind:       provider.KindCompleted,
		StatusCode: 200,
		Body:       []byte(body),
		Usage:      provider.Usage{TokensIn: in, TokensOut: out},
	}
}
