package kernelagent

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/finger-sub001/internal/kernel"
)

func writeExecutable(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o755)
}

func TestBuildItemsOrdersGoalThenObservations(t *testing.T) {
	items := buildItems("build X", []string{"wrote file A", "ran tests"})
	require.Len(t, items, 3)

	first := items[0].(map[string]any)
	require.Equal(t, "user", first["role"])
	require.Equal(t, "build X", first["content"])

	second := items[1].(map[string]any)
	require.Contains(t, second["content"], "wrote file A")
	third := items[2].(map[string]any)
	require.Contains(t, third["content"], "ran tests")
}

// fakeKernelScript is a tiny shell "kernel" that reads one submission line
// and echoes back a task_complete event carrying the same id, matching the
// wire protocol's id-correlation contract (spec §4.10). It never emits
// session_configured or handles shutdown, which is fine for a single-turn
// Decide test.
const fakeKernelScript = `#!/bin/sh
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"id":"%s","type":"task_complete","last_agent_message":"{\\"thought\\":\\"ok\\",\\"action\\":\\"COMPLETE\\",\\"params\\":{}}"}\n' "$id"
done
`

func newFakeBridge(t *testing.T) *kernel.Bridge {
	t.Helper()
	scriptPath := t.TempDir() + "/fake-kernel.sh"
	require.NoError(t, writeExecutable(scriptPath, fakeKernelScript))

	return kernel.New(kernel.Config{
		Resolver: func(providerID string) (string, []string, map[string]string, error) {
			return "/bin/sh", []string{scriptPath}, nil, nil
		},
		Retry: kernel.RetryConfig{TestMode: true},
	})
}

func TestAgentDecideReturnsLastAgentMessage(t *testing.T) {
	bridge := newFakeBridge(t)
	defer bridge.Shutdown()

	agent := New(Config{
		Bridge:     bridge,
		SessionID:  "sess-1",
		ProviderID: "test-provider",
		Timeout:    5 * time.Second,
	})

	raw, err := agent.Decide(context.Background(), "build X", nil)
	require.NoError(t, err)
	require.Contains(t, raw, `"action":"COMPLETE"`)
}

func TestAgentResetInterruptsSession(t *testing.T) {
	bridge := newFakeBridge(t)
	defer bridge.Shutdown()

	agent := New(Config{
		Bridge:     bridge,
		SessionID:  "sess-2",
		ProviderID: "test-provider",
		Timeout:    5 * time.Second,
	})

	_, err := agent.Decide(context.Background(), "build X", nil)
	require.NoError(t, err)

	require.NoError(t, agent.Reset(context.Background()))
	// a second decide must spawn a fresh child rather than reuse a torn-down one
	raw, err := agent.Decide(context.Background(), "build Y", nil)
	require.NoError(t, err)
	require.Contains(t, raw, `"action":"COMPLETE"`)
}
