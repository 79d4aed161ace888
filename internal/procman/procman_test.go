package procman

import (
	"bufio"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAndWait(t *testing.T) {
	p, err := Spawn(Options{Argv: []string{"sh", "-c", "exit 0"}})
	require.NoError(t, err)

	assert.True(t, p.Wait(5*time.Second))
	assert.False(t, p.Alive())
	assert.Equal(t, 0, p.ExitCode())
}

func TestSpawnFailure(t *testing.T) {
	_, err := Spawn(Options{Argv: []string{"/nonexistent-binary-for-test"}})
	assert.Error(t, err)

	_, err = Spawn(Options{})
	assert.Error(t, err)
}

func TestMergedOutput(t *testing.T) {
	p, err := Spawn(Options{Argv: []string{"sh", "-c", "echo out; echo err 1>&2"}})
	require.NoError(t, err)

	scanner := bufio.NewScanner(p.Output())
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.ElementsMatch(t, []string{"out", "err"}, lines)
	assert.True(t, p.Wait(5*time.Second))
}

func TestEnvComposition(t *testing.T) {
	t.Setenv("PROCMAN_INHERITED", "yes")

	p, err := Spawn(Options{
		Argv: []string{"sh", "-c", "echo ${PROCMAN_INHERITED:-none} ${PROCMAN_EXTRA:-none}"},
		Env:  map[string]string{"PROCMAN_EXTRA": "added"},
	})
	require.NoError(t, err)
	scanner := bufio.NewScanner(p.Output())
	require.True(t, scanner.Scan())
	assert.Equal(t, "yes added", scanner.Text())
	p.Wait(5 * time.Second)

	p, err = Spawn(Options{
		Argv:     []string{"sh", "-c", "echo ${PROCMAN_INHERITED:-none} ${PROCMAN_EXTRA:-none}"},
		Env:      map[string]string{"PROCMAN_EXTRA": "added"},
		ClearEnv: true,
	})
	require.NoError(t, err)
	scanner = bufio.NewScanner(p.Output())
	require.True(t, scanner.Scan())
	assert.Equal(t, "none added", scanner.Text())
	p.Wait(5 * time.Second)
}

func TestTerminateKillsStubbornChild(t *testing.T) {
	p, err := Spawn(Options{Argv: []string{"sleep", "60"}})
	require.NoError(t, err)
	require.True(t, p.Alive())

	start := time.Now()
	require.NoError(t, p.Terminate(100*time.Millisecond))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, p.Alive())

	// Safe to call again after exit.
	require.NoError(t, p.Terminate(100*time.Millisecond))
}

func TestWaitTimeout(t *testing.T) {
	p, err := Spawn(Options{Argv: []string{"sleep", "60"}})
	require.NoError(t, err)
	defer p.Terminate(0)

	assert.False(t, p.Wait(50*time.Millisecond))
	assert.True(t, p.Alive())
}
