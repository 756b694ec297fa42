package capture

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/cdcrelay/protocol"
)

func newTestScriptInvoker(t *testing.T, script string, protected ...string) (*ScriptInvoker, string) {
	t.Helper()
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "start.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	root := filepath.Join(dir, "run")
	inv, err := NewScriptInvoker(ScriptConfig{
		WorkDir:        root,
		StartScript:    scriptPath,
		ProtectedPaths: protected,
	})
	require.NoError(t, err)
	return inv, root
}

func TestScriptInvoker_StartRunsScript(t *testing.T) {
	inv, root := newTestScriptInvoker(t, "echo \"$1\" > \"$2/started\"\n")

	require.NoError(t, inv.Start(context.Background(), "c1", "cluster_url=http://rs"))

	conf, err := os.ReadFile(filepath.Join(root, "c1", ConfigFile))
	require.NoError(t, err)
	assert.Equal(t, "cluster_url=http://rs", string(conf))

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(root, "c1", "started"))
		return err == nil && string(b) == "c1\n"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScriptInvoker_RejectsBadClientID(t *testing.T) {
	inv, _ := newTestScriptInvoker(t, "true\n")
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		assert.Error(t, inv.Start(context.Background(), id, "x"), "id=%q", id)
	}
}

func TestScriptInvoker_StartHonoursContext(t *testing.T) {
	inv, _ := newTestScriptInvoker(t, "true\n")
	inv.limiter.SetLimit(0.001)
	inv.limiter.SetBurst(1)

	require.NoError(t, inv.Start(context.Background(), "c1", "x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, inv.Start(ctx, "c2", "x"))
}

func TestScriptInvoker_ListProcesses(t *testing.T) {
	inv, root := newTestScriptInvoker(t, "true\n")

	live := filepath.Join(root, "live")
	dead := filepath.Join(root, "dead")
	require.NoError(t, os.MkdirAll(live, 0o755))
	require.NoError(t, os.MkdirAll(dead, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(live, PIDFile), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dead, PIDFile), []byte("not-a-pid"), 0o644))

	procs, err := inv.ListProcesses()
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, strconv.Itoa(os.Getpid()), procs[0].PID)
	assert.Equal(t, live, procs[0].Path)
	assert.True(t, inv.IsAlive(procs[0]))
}

func TestScriptInvoker_WorkingDirsAndClean(t *testing.T) {
	inv, root := newTestScriptInvoker(t, "true\n", "**/keep")

	require.NoError(t, os.MkdirAll(filepath.Join(root, "c1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "keep"), 0o755))

	paths, err := inv.ListWorkingDirs()
	require.NoError(t, err)
	require.Len(t, paths, 2)

	byID := map[string]PathInfo{}
	for _, p := range paths {
		byID[p.ClientID] = p
	}
	require.Contains(t, byID, "c1")

	require.NoError(t, inv.Clean(byID["c1"]))
	_, err = os.Stat(filepath.Join(root, "c1"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, inv.Clean(byID["keep"]))
	assert.Error(t, inv.Clean(PathInfo{Path: root}))
	assert.Error(t, inv.Clean(PathInfo{Path: filepath.Dir(root)}))
	assert.Error(t, inv.Clean(PathInfo{Path: filepath.Join(root, "..", "escape")}))
}

func TestManager(t *testing.T) {
	m := NewManager()
	_, err := m.Get(protocol.KindOceanBase)
	assert.Error(t, err)

	inv := NewMemoryInvoker()
	m.Register(protocol.KindOceanBase, inv)
	m.Register(protocol.KindStore, inv)

	got, err := m.Get(protocol.KindStore)
	require.NoError(t, err)
	assert.Same(t, inv, got)
	assert.Len(t, m.All(), 1)
}
