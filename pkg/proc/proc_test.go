package proc

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	return sh
}

func TestStart_CleanExit(t *testing.T) {
	sh := requireSh(t)
	p, err := Start(Spec{Path: sh, Args: []string{"-c", "echo one; echo two 1>&2; exit 0"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.False(t, p.Alive())
	assert.ElementsMatch(t, []string{"one", "two"}, p.Tail(10))
}

func TestStart_NonzeroExit(t *testing.T) {
	sh := requireSh(t)
	p, err := Start(Spec{Path: sh, Args: []string{"-c", "exit 7"}})
	require.NoError(t, err)

	<-p.Done()
	res, ok := p.Exited()
	require.True(t, ok)
	assert.Equal(t, 7, res.ExitCode)
	assert.NoError(t, res.Err)
	assert.False(t, res.Success())
}

func TestStart_LogFiles(t *testing.T) {
	sh := requireSh(t)
	dir := t.TempDir()
	spec := Spec{
		Path:       sh,
		Args:       []string{"-c", "echo out-line; echo err-line 1>&2"},
		StdoutPath: filepath.Join(dir, "logs", "stdout.log"),
		StderrPath: filepath.Join(dir, "logs", "stderr.log"),
	}
	p, err := Start(spec)
	require.NoError(t, err)
	<-p.Done()

	lines, err := TailFile(spec.StdoutPath, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"out-line"}, lines)
	assert.Equal(t, []string{"out-line", "err-line"}, p.Tail(5))
}

func TestTail_SharedLogNotRepeated(t *testing.T) {
	sh := requireSh(t)
	logPath := filepath.Join(t.TempDir(), "coordinator.log")
	p, err := Start(Spec{
		Path:       sh,
		Args:       []string{"-c", "echo listening; echo warn 1>&2"},
		StdoutPath: logPath,
		StderrPath: logPath,
	})
	require.NoError(t, err)
	<-p.Done()

	lines := p.Tail(10)
	assert.Len(t, lines, 2)
	assert.ElementsMatch(t, []string{"listening", "warn"}, lines)
}

func TestTail_StderrDoesNotHideStdout(t *testing.T) {
	sh := requireSh(t)
	dir := t.TempDir()
	p, err := Start(Spec{
		Path:       sh,
		Args:       []string{"-c", "for i in 1 2 3; do echo out-$i; done; for i in 1 2 3 4 5 6; do echo err-$i 1>&2; done"},
		StdoutPath: filepath.Join(dir, "stdout.log"),
		StderrPath: filepath.Join(dir, "stderr.log"),
	})
	require.NoError(t, err)
	<-p.Done()

	assert.Equal(t, []string{"out-2", "out-3", "err-5", "err-6"}, p.Tail(4))
	assert.Equal(t, []string{"out-1", "out-2", "out-3", "err-3", "err-4", "err-5", "err-6"}, p.Tail(7))
	assert.Nil(t, p.Tail(0))
}

func TestShareTail(t *testing.T) {
	assert.Equal(t, []string{"a2", "b1"}, shareTail([][]string{{"a1", "a2"}, {"b1"}}, 2))
	assert.Equal(t, []string{"a1", "a2", "b1"}, shareTail([][]string{{"a1", "a2"}, {"b1"}}, 5))
	assert.Empty(t, shareTail(nil, 3))
}

func TestStart_EmptyPath(t *testing.T) {
	_, err := Start(Spec{})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestTerminate(t *testing.T) {
	sh := requireSh(t)
	p, err := Start(Spec{Path: sh, Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	assert.True(t, p.Alive())
	assert.True(t, Alive(p.PID()))

	require.NoError(t, p.Terminate(2*time.Second))
	assert.False(t, p.Alive())

	// Second call is a no-op.
	assert.NoError(t, p.Terminate(time.Second))
}

func TestTerminatePID_Gone(t *testing.T) {
	forced, err := TerminatePID(context.Background(), 0, time.Second)
	assert.NoError(t, err)
	assert.False(t, forced)
}

func TestTailLines(t *testing.T) {
	lines, err := TailLines(strings.NewReader("a\nb\nc\nd\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines)

	lines, err = TailLines(strings.NewReader("a\n"), 0)
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestLineRing(t *testing.T) {
	r := newLineRing(2)
	_, _ = r.Write([]byte("x\ny"))
	_, _ = r.Write([]byte("z\npartial"))
	assert.Equal(t, []string{"x", "yz", "partial"}, r.Last(5))
	_, _ = r.Write([]byte("\nw\n"))
	assert.Equal(t, []string{"partial", "w"}, r.Last(5))
	assert.Equal(t, []string{"w"}, r.Last(1))
}
