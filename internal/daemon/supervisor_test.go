package daemon

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	registered []string
}

func (f *fakeRegistrar) RegisterModule(_ context.Context, manifest ModuleManifest) error {
	f.registered = append(f.registered, manifest.Name)
	return nil
}

type fakeAgentPool struct {
	launched []string
	stopped  bool
}

func (f *fakeAgentPool) Launch(_ context.Context, manifest ModuleManifest) error {
	f.launched = append(f.launched, manifest.Name)
	return nil
}

func (f *fakeAgentPool) StopAll(_ context.Context) error {
	f.stopped = true
	return nil
}

func TestSupervisorStartRegistersAndLaunchesAutostartManifests(t *testing.T) {
	dir := t.TempDir()
	autostartDir := filepath.Join(dir, "autostart")
	require.NoError(t, os.MkdirAll(autostartDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(autostartDir, "watcher.module.json"),
		[]byte(`{"name":"watcher","command":"true"}`),
		0o644,
	))

	registrar := &fakeRegistrar{}
	agents := &fakeAgentPool{}
	sup := &Supervisor{
		PIDFile:      filepath.Join(dir, "daemon.pid"),
		AutostartDir: autostartDir,
		Processes:    NewProcessManager(filepath.Join(dir, "pids"), filepath.Join(dir, "logs")),
		Registrar:    registrar,
		Agents:       agents,
	}

	err := sup.Start(context.Background(), exec.Command("sleep", "5"))
	require.NoError(t, err)
	defer func() { _ = sup.Stop(context.Background()) }()

	require.Equal(t, []string{"watcher"}, registrar.registered)
	require.Equal(t, []string{"watcher"}, agents.launched)

	running, _ := sup.IsRunning()
	require.True(t, running)
}

func TestSupervisorStopStopsAgentsAndRemovesPIDFile(t *testing.T) {
	dir := t.TempDir()
	agents := &fakeAgentPool{}
	sup := &Supervisor{
		PIDFile:   filepath.Join(dir, "daemon.pid"),
		Processes: NewProcessManager(filepath.Join(dir, "pids"), filepath.Join(dir, "logs")),
		Agents:    agents,
	}

	require.NoError(t, sup.Start(context.Background(), exec.Command("sleep", "5")))
	require.NoError(t, sup.Stop(context.Background()))

	require.True(t, agents.stopped)
	_, err := os.Stat(sup.PIDFile)
	require.True(t, os.IsNotExist(err))

	running, _ := sup.IsRunning()
	require.False(t, running)
}

func TestLoadManifestsSortsByNameAndSkipsUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.module.json"), []byte(`{"name":"b"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.module.yaml"), []byte("name: a\ncommand: true\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignore me"), 0o644))

	manifests, err := LoadManifests(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	require.Equal(t, "a", manifests[0].Name)
	require.Equal(t, "b", manifests[1].Name)
}

func TestLoadManifestsToleratesMissingDirectory(t *testing.T) {
	manifests, err := LoadManifests(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.Nil(t, manifests)
}
