package coordinator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/ckptctl/pkg/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(argv []string) ([]byte, error)
}

func (r *recordingRunner) Run(_ context.Context, argv []string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, argv)
	r.mu.Unlock()
	if r.fn == nil {
		return nil, nil
	}
	return r.fn(argv)
}

func (r *recordingRunner) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c[len(c)-1] == op {
			n++
		}
	}
	return n
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
}

func testProfile(coordinator ...string) engine.Profile {
	p := engine.DMTCP()
	p.Coordinator = coordinator
	return p
}

func newTestHandle(t *testing.T, profile engine.Profile, runner CommandRunner) *Handle {
	t.Helper()
	client, err := NewClient(profile, ClientOptions{Runner: runner, QueriesPerSecond: -1})
	require.NoError(t, err)
	h := NewHandle(client, nil)
	h.SetStopGrace(time.Second)
	return h
}

func fastPolicy(t *testing.T) BindPolicy {
	return BindPolicy{
		Host:             "127.0.0.1",
		RuntimeDir:       t.TempDir(),
		PollInterval:     10 * time.Millisecond,
		MaxAttempts:      200,
		LivenessAttempts: 3,
	}
}

func TestHandle_StartPublishesEndpoint(t *testing.T) {
	requireSh(t)
	runner := &recordingRunner{}
	h := newTestHandle(t, testProfile("sh", "-c", `echo 4242 > "$0"; exec sleep 30`, "{port_file}"), runner)

	ep, err := h.Start(context.Background(), fastPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ep.Host)
	assert.Equal(t, 4242, ep.Port)
	assert.Greater(t, ep.PID, 0)
	assert.Equal(t, 1, runner.count("-s"))

	require.NoError(t, h.Stop(context.Background(), ep))
	require.NoError(t, h.Stop(context.Background(), ep))
	assert.Equal(t, 1, runner.count("-q"), "second stop must be a no-op")
}

func TestHandle_StartDaemonizedCoordinator(t *testing.T) {
	requireSh(t)
	h := newTestHandle(t, testProfile("sh", "-c", `echo 5151 > "$0"; exit 0`, "{port_file}"), &recordingRunner{})

	ep, err := h.Start(context.Background(), fastPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, 5151, ep.Port)
	assert.Equal(t, 0, ep.PID)
	require.NoError(t, h.Stop(context.Background(), ep))
}

func TestHandle_StartSpawnFailure(t *testing.T) {
	requireSh(t)
	h := newTestHandle(t, testProfile("sh", "-c", "echo bind failed >&2; exit 3"), &recordingRunner{})

	_, err := h.Start(context.Background(), fastPolicy(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCoordinatorStartFailed)

	var se *StartError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "spawn", se.Stage)
	assert.Contains(t, se.Tail, "bind failed")
}

func TestHandle_StartMissingBinary(t *testing.T) {
	h := newTestHandle(t, testProfile("/nonexistent/coordinator", "{port_file}"), &recordingRunner{})
	_, err := h.Start(context.Background(), fastPolicy(t))
	assert.ErrorIs(t, err, ErrCoordinatorStartFailed)
}

func TestHandle_PortNeverPublished(t *testing.T) {
	requireSh(t)
	h := newTestHandle(t, testProfile("sh", "-c", "exec sleep 30", "{port_file}"), &recordingRunner{})

	policy := fastPolicy(t)
	policy.MaxAttempts = 3
	_, err := h.Start(context.Background(), policy)

	var se *StartError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "port_file", se.Stage)
}

func TestHandle_StalePortFileRemoved(t *testing.T) {
	requireSh(t)
	h := newTestHandle(t, testProfile("sh", "-c", "exec sleep 30", "{port_file}"), &recordingRunner{})

	policy := fastPolicy(t)
	policy.MaxAttempts = 2
	require.NoError(t, os.WriteFile(filepath.Join(policy.RuntimeDir, PortFileName), []byte("7777\n"), 0644))

	_, err := h.Start(context.Background(), policy)
	assert.ErrorIs(t, err, ErrCoordinatorStartFailed)
}

func TestHandle_LivenessFailure(t *testing.T) {
	requireSh(t)
	runner := &recordingRunner{fn: func([]string) ([]byte, error) {
		return []byte("connection refused"), errors.New("exit status 1")
	}}
	h := newTestHandle(t, testProfile("sh", "-c", `echo 4243 > "$0"; exec sleep 30`, "{port_file}"), runner)

	_, err := h.Start(context.Background(), fastPolicy(t))
	var se *StartError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "liveness", se.Stage)
	assert.Equal(t, 3, runner.count("-s"))
	assert.Equal(t, 1, runner.count("-q"), "quit is sent to the published port")
}

func TestHandle_LivenessFailureDaemonizedCoordinatorGetsQuit(t *testing.T) {
	requireSh(t)
	var quitArgs []string
	var mu sync.Mutex
	runner := &recordingRunner{fn: func(argv []string) ([]byte, error) {
		if argv[len(argv)-1] == "-q" {
			mu.Lock()
			quitArgs = argv
			mu.Unlock()
		}
		return nil, errors.New("exit status 1")
	}}
	h := newTestHandle(t, testProfile("sh", "-c", `echo 4244 > "$0"; exit 0`, "{port_file}"), runner)

	_, err := h.Start(context.Background(), fastPolicy(t))
	assert.ErrorIs(t, err, ErrCoordinatorStartFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, quitArgs, "4244")
	assert.Contains(t, quitArgs, "127.0.0.1")
}

func TestClient_ListMembers(t *testing.T) {
	runner := &recordingRunner{fn: func([]string) ([]byte, error) {
		return []byte("Client List:\n#, PROG, UNIQUEPID, STATE\n1, a[1:2]@n1, x, RUNNING\n2, a[3:4]@n2, y, RUNNING\n"), nil
	}}
	client, err := NewClient(engine.DMTCP(), ClientOptions{Runner: runner})
	require.NoError(t, err)

	members, err := client.ListMembers(context.Background(), Endpoint{Host: "n0", Port: 7779})
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Equal(t, []string{"dmtcp_command", "-h", "n0", "-p", "7779", "--list"}, runner.calls[0])
}

func TestClient_QueryFailedIsDistinctFromZero(t *testing.T) {
	ep := Endpoint{Host: "n0", Port: 7779}

	empty, err := NewClient(engine.DMTCP(), ClientOptions{Runner: RunnerFunc(func(context.Context, []string) ([]byte, error) {
		return []byte("Client List:\n"), nil
	})})
	require.NoError(t, err)
	members, err := empty.ListMembers(context.Background(), ep)
	require.NoError(t, err)
	assert.Empty(t, members)

	failing, err := NewClient(engine.DMTCP(), ClientOptions{Runner: RunnerFunc(func(context.Context, []string) ([]byte, error) {
		return []byte("ERROR: Coordinator not found"), errors.New("exit 1")
	})})
	require.NoError(t, err)
	_, err = failing.ListMembers(context.Background(), ep)
	require.Error(t, err)
	assert.True(t, IsQueryFailed(err))
	assert.Contains(t, err.Error(), "Coordinator not found")

	_, err = failing.ListMembers(context.Background(), Endpoint{})
	assert.True(t, IsQueryFailed(err))
}

func TestClient_UnknownFormat(t *testing.T) {
	p := engine.DMTCP()
	p.OutputFormat = "yaml"
	_, err := NewClient(p, ClientOptions{})
	assert.Error(t, err)
}

func TestReadPortFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "port")

	_, err := ReadPortFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(""), 0644))
	_, err = ReadPortFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))
	_, err = ReadPortFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(" 7779\n"), 0644))
	port, err := ReadPortFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7779, port)
}

func TestEndpoint(t *testing.T) {
	ep := Endpoint{Host: "node01", Port: 7779}
	assert.Equal(t, "node01:7779", ep.String())
	assert.True(t, ep.Valid())
	assert.False(t, Endpoint{Host: "x"}.Valid())
}
