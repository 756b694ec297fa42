// Package capture manages the lifecycle of out-of-process capture agents.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/cdcrelay/protocol"
)

// ErrNoInvoker is returned for a kind without a registered invoker
var ErrNoInvoker = errors.New("no capture invoker registered")

// ProcessInfo describes a running capture agent process
type ProcessInfo struct {
	PID       string
	Path      string
	StartTime time.Time
}

// PathInfo describes a capture agent working directory
type PathInfo struct {
	Path         string
	LastModified time.Time
	ClientID     string
}

// Invoker starts, stops and enumerates capture agents of one kind
type Invoker interface {
	// Start requests a capture agent for clientID. It must not wait for the agent to connect back.
	Start(ctx context.Context, clientID, configuration string) error
	Stop(proc ProcessInfo) error
	IsAlive(proc ProcessInfo) bool
	ListProcesses() ([]ProcessInfo, error)
	ListWorkingDirs() ([]PathInfo, error)
	Clean(path PathInfo) error
}

// Manager maps capture kinds to their invokers
type Manager struct {
	mu       sync.RWMutex
	invokers map[protocol.Kind]Invoker
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{invokers: make(map[protocol.Kind]Invoker)}
}

// Register binds an invoker to a kind, replacing any previous one
func (m *Manager) Register(kind protocol.Kind, inv Invoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invokers[kind] = inv
}

// Get returns the invoker serving kind
func (m *Manager) Get(kind protocol.Kind) (Invoker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invokers[kind]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoInvoker, kind)
	}
	return inv, nil
}

// All returns every registered invoker, each once
func (m *Manager) All() []Invoker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[Invoker]bool, len(m.invokers))
	out := make([]Invoker, 0, len(m.invokers))
	for _, inv := range m.invokers {
		if seen[inv] {
			continue
		}
		seen[inv] = true
		out = append(out, inv)
	}
	return out
}
