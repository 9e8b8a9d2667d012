package dataplane

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// WorkerSupervisor abstracts a trusted replica's process lifecycle
// (spec.md §4.D: "modeled as a trait/interface with a single concrete
// implementation over fork+exec, so tests can substitute a fake worker").
// Grounded on Sentinel-Gate-Sentinelgate's StdioClient (stdio_client.go):
// same start/wait/close shape over os/exec, generalized from a stdio pipe
// pair to a listen-port-only child (the replica speaks plain TCP to the
// data-plane, not stdio).
type WorkerSupervisor interface {
	// Start launches (or relaunches) the replica at the given pool index,
	// with PORT set to listenPort and NODE_ENV=production in its
	// environment, per spec.md §4.D.
	Start(ctx context.Context, index int, listenPort int) error
	// Stop terminates the replica at index, if running. It does not block
	// on process exit; callers that need that should call Wait.
	Stop(index int) error
	// Wait blocks until the replica at index has exited.
	Wait(index int) error
}

// execSupervisor is the real fork/exec implementation, the only concrete
// WorkerSupervisor used outside of tests.
type execSupervisor struct {
	path string
	args []string

	mu   sync.Mutex
	cmds map[int]*exec.Cmd
}

// NewExecSupervisor builds a WorkerSupervisor that launches path with args
// for every replica index (spec.md §4.D/§9: "the concrete executable path
// and arguments are configuration, not part of the core").
func NewExecSupervisor(path string, args []string) WorkerSupervisor {
	return &execSupervisor{path: path, args: args, cmds: make(map[int]*exec.Cmd)}
}

func (s *execSupervisor) Start(ctx context.Context, index int, listenPort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cmds[index]; ok && existing.ProcessState == nil {
		return fmt.Errorf("dataplane: replica %d already running", index)
	}

	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PORT=%d", listenPort),
		"NODE_ENV=production",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("dataplane: start replica %d: %w", index, err)
	}
	s.cmds[index] = cmd
	return nil
}

func (s *execSupervisor) Stop(index int) error {
	s.mu.Lock()
	cmd, ok := s.cmds[index]
	s.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func (s *execSupervisor) Wait(index int) error {
	s.mu.Lock()
	cmd, ok := s.cmds[index]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("dataplane: replica %d not started", index)
	}
	err := cmd.Wait()
	s.mu.Lock()
	delete(s.cmds, index)
	s.mu.Unlock()
	return err
}

// fakeSupervisor honors the WorkerSupervisor contract without executing
// anything, so upstream/engine tests exercise cycle() and pool bookkeeping
// against real loopback listeners started by the test itself, rather than
// real binaries (spec.md §4.D design note).
type fakeSupervisor struct {
	mu      sync.Mutex
	running map[int]bool
	starts  []int // index per Start call, for assertions
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: make(map[int]bool)}
}

func (f *fakeSupervisor) Start(_ context.Context, index int, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[index] = true
	f.starts = append(f.starts, index)
	return nil
}

func (f *fakeSupervisor) Stop(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[index] = false
	return nil
}

func (f *fakeSupervisor) Wait(index int) error {
	return nil
}

func (f *fakeSupervisor) isRunning(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[index]
}
