package capture

import (
	"context"
	"sync"
)

// StartCall records one MemoryInvoker.Start invocation
type StartCall struct {
	ClientID      string
	Configuration string
}

// MemoryInvoker keeps agents in memory. It backs read-only relays and tests.
type MemoryInvoker struct {
	mu        sync.Mutex
	startErr  error
	starts    []StartCall
	stopped   []ProcessInfo
	cleaned   []PathInfo
	processes map[string]ProcessInfo
	paths     map[string]PathInfo
}

// NewMemoryInvoker creates an empty invoker
func NewMemoryInvoker() *MemoryInvoker {
	return &MemoryInvoker{
		processes: make(map[string]ProcessInfo),
		paths:     make(map[string]PathInfo),
	}
}

// Start records the request
func (m *MemoryInvoker) Start(_ context.Context, clientID, configuration string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.starts = append(m.starts, StartCall{ClientID: clientID, Configuration: configuration})
	return nil
}

// SetStartErr makes every following Start fail with err; nil restores success
func (m *MemoryInvoker) SetStartErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Stop forgets the process
func (m *MemoryInvoker) Stop(proc ProcessInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processes, proc.PID)
	m.stopped = append(m.stopped, proc)
	return nil
}

// IsAlive reports whether the process is still tracked
func (m *MemoryInvoker) IsAlive(proc ProcessInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processes[proc.PID]
	return ok
}

// ListProcesses returns tracked processes
func (m *MemoryInvoker) ListProcesses() ([]ProcessInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProcessInfo, 0, len(m.processes))
	for _, p := range m.processes {
		out = append(out, p)
	}
	return out, nil
}

// ListWorkingDirs returns tracked paths
func (m *MemoryInvoker) ListWorkingDirs() ([]PathInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PathInfo, 0, len(m.paths))
	for _, p := range m.paths {
		out = append(out, p)
	}
	return out, nil
}

// Clean forgets the path
func (m *MemoryInvoker) Clean(path PathInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paths, path.Path)
	m.cleaned = append(m.cleaned, path)
	return nil
}

// AddProcess makes a process visible to ListProcesses
func (m *MemoryInvoker) AddProcess(p ProcessInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[p.PID] = p
}

// AddPath makes a working directory visible to ListWorkingDirs
func (m *MemoryInvoker) AddPath(p PathInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths[p.Path] = p
}

// Starts returns a copy of recorded starts
func (m *MemoryInvoker) Starts() []StartCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StartCall(nil), m.starts...)
}

// Stopped returns a copy of stopped processes
func (m *MemoryInvoker) Stopped() []ProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProcessInfo(nil), m.stopped...)
}

// Cleaned returns a copy of cleaned paths
func (m *MemoryInvoker) Cleaned() []PathInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PathInfo(nil), m.cleaned...)
}
