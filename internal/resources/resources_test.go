package resources

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	dir := t.TempDir()
	pool, err := New(Config{
		Path:  filepath.Join(dir, "pool.json"),
		Clock: func() time.Time { return time.Unix(100, 0) },
	})
	require.NoError(t, err)
	return pool
}

func seedExecutor(t *testing.T, p *Pool, id string, level int) {
	t.Helper()
	require.NoError(t, p.AddResource(Resource{
		ID:           id,
		Name:         id,
		Type:         TypeExecutor,
		Capabilities: []Capability{{Name: "coding", Level: level}},
		Status:       StatusAvailable,
	}))
}

func TestAllocateResourcesPicksInsertionOrder(t *testing.T) {
	p := newTestPool(t)
	seedExecutor(t, p, "exec-1", 5)
	seedExecutor(t, p, "exec-2", 8)

	result := p.AllocateResources("task-1", []Requirement{{Type: TypeExecutor, MinLevel: 3}})
	require.True(t, result.Success)
	require.Len(t, result.AllocatedResources, 1)
	require.Equal(t, "exec-1", result.AllocatedResources[0].ID, "ties break by insertion order")
}

func TestAllocateResourcesIsIdempotentForSameTask(t *testing.T) {
	p := newTestPool(t)
	seedExecutor(t, p, "exec-1", 5)

	first := p.AllocateResources("task-1", []Requirement{{Type: TypeExecutor}})
	require.True(t, first.Success)

	second := p.AllocateResources("task-1", []Requirement{{Type: TypeExecutor}})
	require.True(t, second.Success)
	require.Equal(t, first.AllocatedResources[0].ID, second.AllocatedResources[0].ID)
}

func TestAllocateResourcesFailsAtomically(t *testing.T) {
	p := newTestPool(t)
	seedExecutor(t, p, "exec-1", 5)

	result := p.AllocateResources("task-1", []Requirement{
		{Type: TypeExecutor},
		{Type: TypeDatabase},
	})
	require.False(t, result.Success)
	require.Len(t, result.MissingResources, 1)

	report := p.GetStatusReport()
	require.Equal(t, 1, report.ByStatus[StatusAvailable], "no resource should be claimed on partial failure")
}

func TestAllocateResourcesRejectsBelowMinLevel(t *testing.T) {
	p := newTestPool(t)
	seedExecutor(t, p, "exec-1", 2)

	result := p.AllocateResources("task-1", []Requirement{{Type: TypeExecutor, MinLevel: 5}})
	require.False(t, result.Success)
}

func TestReleaseResourcesReturnsToAvailableAndTracksFailures(t *testing.T) {
	p := newTestPool(t)
	seedExecutor(t, p, "exec-1", 5)
	p.AllocateResources("task-1", []Requirement{{Type: TypeExecutor}})

	require.NoError(t, p.ReleaseResources("task-1", "error"))

	report := p.GetStatusReport()
	require.Equal(t, 1, report.ByStatus[StatusAvailable])

	byCap := p.GetResourcesByCapability("coding", 0)
	require.Len(t, byCap, 1)
	require.Equal(t, 1, byCap[0].FailureCount)
}

func TestRemoveResourceRejectsWhenNotAvailable(t *testing.T) {
	p := newTestPool(t)
	seedExecutor(t, p, "exec-1", 5)
	p.AllocateResources("task-1", []Requirement{{Type: TypeExecutor}})

	err := p.RemoveResource("exec-1")
	require.Error(t, err)
}

func TestCapabilityCatalogExcludesErrorResources(t *testing.T) {
	p := newTestPool(t)
	seedExecutor(t, p, "exec-1", 5)
	require.NoError(t, p.AddResource(Resource{
		ID:           "exec-2",
		Type:         TypeExecutor,
		Capabilities: []Capability{{Name: "writing", Level: 9}},
		Status:       StatusError,
	}))

	catalog := p.GetCapabilityCatalog()
	require.Len(t, catalog, 1)
	require.Equal(t, "coding", catalog[0].Name)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.json")
	p1, err := New(Config{Path: path})
	require.NoError(t, err)
	seedExecutor(t, p1, "exec-1", 5)

	p2, err := New(Config{Path: path})
	require.NoError(t, err)
	report := p2.GetStatusReport()
	require.Equal(t, 1, report.Total)
}
