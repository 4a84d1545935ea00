package ee

import (
	"context"
	"fmt"
	"sync"

	"github.com/agenthost/agenthost/internal/runner"
)

// FakeDriver is a scripted in-memory Driver for tests. Zero value is a
// driver that always succeeds and hands out runner.Fake runners.
type FakeDriver struct {
	// FailCreates fails the first N Create calls.
	FailCreates int

	// HealthErr, when set, is returned by every HealthCheck.
	HealthErr error

	// NewRunner builds the runner returned by SpawnRunner. Nil yields a
	// fresh empty runner.Fake per spawn.
	NewRunner func(architecture string) runner.Runner

	mu         sync.Mutex
	creates    int
	terminates int
	spawns     int
	lastSpawn  runner.SpawnOptions
}

func (f *FakeDriver) Name() string { return "fake" }

func (f *FakeDriver) Create(ctx context.Context, req CreateRequest) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.creates <= f.FailCreates {
		return nil, fmt.Errorf("scripted create failure %d", f.creates)
	}
	return &Handle{ID: fmt.Sprintf("fake-%s-%d", req.SessionID, f.creates)}, nil
}

func (f *FakeDriver) HealthCheck(ctx context.Context, h *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HealthErr
}

func (f *FakeDriver) Terminate(ctx context.Context, h *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates++
	return nil
}

func (f *FakeDriver) SpawnRunner(h *Handle, architecture string, opts runner.SpawnOptions) (runner.Runner, error) {
	f.mu.Lock()
	f.spawns++
	f.lastSpawn = opts
	f.mu.Unlock()
	if f.NewRunner != nil {
		return f.NewRunner(architecture), nil
	}
	return &runner.Fake{}, nil
}

// LastSpawnOptions reports the options of the most recent SpawnRunner call.
func (f *FakeDriver) LastSpawnOptions() runner.SpawnOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSpawn
}

// Creates reports how many environments were created.
func (f *FakeDriver) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Terminates reports how many environments were terminated.
func (f *FakeDriver) Terminates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminates
}

// SetHealthErr swaps the scripted health result.
func (f *FakeDriver) SetHealthErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HealthErr = err
}
