package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// PIDFile is written by the start script inside the agent working directory
	PIDFile = "agent.pid"
	// ConfigFile holds the client configuration handed to the agent
	ConfigFile = "configuration"
)

// ScriptConfig configures a ScriptInvoker
type ScriptConfig struct {
	WorkDir        string
	StartScript    string
	Shell          string
	SpawnRate      float64
	SpawnBurst     int
	ProtectedPaths []string
}

// ScriptInvoker launches capture agents through a start script. Each client gets
// WorkDir/<clientID>; the script receives the client id and that directory and is
// expected to leave the agent pid in agent.pid.
type ScriptInvoker struct {
	cfg       ScriptConfig
	root      string
	limiter   *rate.Limiter
	protected []glob.Glob
}

// NewScriptInvoker validates cfg and prepares the working directory root
func NewScriptInvoker(cfg ScriptConfig) (*ScriptInvoker, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("capture work dir is required")
	}
	if cfg.StartScript == "" {
		return nil, fmt.Errorf("capture start script is required")
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}

	root, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	limit := rate.Inf
	if cfg.SpawnRate > 0 {
		limit = rate.Limit(cfg.SpawnRate)
	}
	burst := cfg.SpawnBurst
	if burst <= 0 {
		burst = 1
	}

	inv := &ScriptInvoker{
		cfg:     cfg,
		root:    root,
		limiter: rate.NewLimiter(limit, burst),
	}
	for _, pattern := range cfg.ProtectedPaths {
		g, err := glob.Compile(pattern, filepath.Separator)
		if err != nil {
			return nil, fmt.Errorf("invalid protected path %q: %w", pattern, err)
		}
		inv.protected = append(inv.protected, g)
	}
	return inv, nil
}

func validClientID(clientID string) bool {
	return clientID != "" && clientID != "." && clientID != ".." &&
		!strings.ContainsAny(clientID, `/\`) && !strings.ContainsRune(clientID, 0)
}

// Start writes the configuration and launches the start script without waiting for it
func (s *ScriptInvoker) Start(ctx context.Context, clientID, configuration string) error {
	if !validClientID(clientID) {
		return fmt.Errorf("invalid client id %q", clientID)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("spawn rate limit: %w", err)
	}

	dir := filepath.Join(s.root, clientID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(configuration), 0o600); err != nil {
		return fmt.Errorf("write agent configuration: %w", err)
	}

	cmd := exec.Command(s.cfg.Shell, s.cfg.StartScript, clientID, dir)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CDCRELAY_CLIENT_ID="+clientID, "CDCRELAY_WORK_DIR="+dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("run start script: %w", err)
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			log.Warn().Err(err).Str("client_id", clientID).Msg("Capture start script failed")
			return
		}
		log.Debug().Str("client_id", clientID).Msg("Capture start script finished")
	}()
	return nil
}

func findProcess(pid string) (*os.Process, error) {
	n, err := strconv.Atoi(strings.TrimSpace(pid))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid pid %q", pid)
	}
	return os.FindProcess(n)
}

// Stop terminates the agent process and forgets its pid file
func (s *ScriptInvoker) Stop(proc ProcessInfo) error {
	p, err := findProcess(proc.PID)
	if err != nil {
		return err
	}
	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal agent %s: %w", proc.PID, err)
	}
	if proc.Path != "" {
		if err := os.Remove(filepath.Join(proc.Path, PIDFile)); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Str("path", proc.Path).Msg("Failed to remove pid file")
		}
	}
	return nil
}

// IsAlive probes the process with signal 0
func (s *ScriptInvoker) IsAlive(proc ProcessInfo) bool {
	p, err := findProcess(proc.PID)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// ListProcesses returns live agents found through their pid files
func (s *ScriptInvoker) ListProcesses() ([]ProcessInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list work dir: %w", err)
	}

	var procs []ProcessInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		pidPath := filepath.Join(dir, PIDFile)
		raw, err := os.ReadFile(pidPath)
		if err != nil {
			continue
		}
		info, err := os.Stat(pidPath)
		if err != nil {
			continue
		}
		proc := ProcessInfo{PID: strings.TrimSpace(string(raw)), Path: dir, StartTime: info.ModTime()}
		if s.IsAlive(proc) {
			procs = append(procs, proc)
		}
	}
	return procs, nil
}

// ListWorkingDirs returns one entry per agent directory
func (s *ScriptInvoker) ListWorkingDirs() ([]PathInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list work dir: %w", err)
	}

	paths := make([]PathInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		paths = append(paths, PathInfo{
			Path:         filepath.Join(s.root, e.Name()),
			LastModified: info.ModTime(),
			ClientID:     e.Name(),
		})
	}
	return paths, nil
}

// Clean removes an agent directory. Paths outside the work dir or matching a
// protected pattern are refused.
func (s *ScriptInvoker) Clean(path PathInfo) error {
	abs, err := filepath.Abs(path.Path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path.Path, err)
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to clean %q outside %q", abs, s.root)
	}
	for _, g := range s.protected {
		if g.Match(abs) {
			return fmt.Errorf("refusing to clean protected path %q", abs)
		}
	}
	return os.RemoveAll(abs)
}
