package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewdeck/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
	exits  chan Exit
	onExit func()
}

func newRecorder() *recorder {
	return &recorder{exits: make(chan Exit, 1)}
}

func (r *recorder) HandleStdout(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stdout = append(r.stdout, line)
}

func (r *recorder) HandleStderr(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stderr = append(r.stderr, line)
}

func (r *recorder) HandleExit(exit Exit) {
	if r.onExit != nil {
		r.onExit()
	}
	r.exits <- exit
}

func sh(script string) Spec {
	return Spec{Command: "/bin/sh", Args: []string{"-c", script}}
}

func waitExit(t *testing.T, r *recorder) Exit {
	t.Helper()
	select {
	case exit := <-r.exits:
		return exit
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit")
		return Exit{}
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	sup := New(nil)
	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		refused int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sup.Acquire("p1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, domain.ErrAlreadyRunning) {
				refused++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, refused)
	assert.True(t, sup.Running("p1"))
	assert.Equal(t, 1, sup.Active())
}

func TestReleaseIsOwnedAndIdempotent(t *testing.T) {
	sup := New(nil)
	first, err := sup.Acquire("p1")
	require.NoError(t, err)
	first.Release()
	first.Release()
	assert.False(t, sup.Running("p1"))

	second, err := sup.Acquire("p1")
	require.NoError(t, err)
	first.Release()
	assert.True(t, sup.Running("p1"), "stale lease must not free a newer reservation")
	second.Release()
	assert.False(t, sup.Running("p1"))
}

func TestStartDeliversOutputAndExit(t *testing.T) {
	sup := New(nil)
	lease, err := sup.Acquire("p1")
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, lease.Start(sh(`echo one; echo; echo two; echo oops >&2; exit 3`), rec))

	exit := waitExit(t, rec)
	assert.Equal(t, 3, exit.Code)
	assert.False(t, exit.OK())
	rec.mu.Lock()
	assert.Equal(t, []string{"one", "two"}, rec.stdout)
	assert.Equal(t, []string{"oops"}, rec.stderr)
	rec.mu.Unlock()

	require.Eventually(t, func() bool { return !sup.Running("p1") }, 5*time.Second, 10*time.Millisecond)
}

func TestOversizedLineDoesNotStopOutput(t *testing.T) {
	sup := New(nil)
	lease, err := sup.Acquire("p1")
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, lease.Start(sh(`head -c 1100000 /dev/zero | tr '\0' x; echo; echo "AGENT_STATUS|backend|running|Writing code"`), rec))

	exit := waitExit(t, rec)
	assert.True(t, exit.OK())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.stdout, 2)
	assert.True(t, strings.HasPrefix(rec.stdout[0], "[output] line of 1100000 bytes truncated: xxx"))
	assert.Less(t, len(rec.stdout[0]), 512)
	assert.Equal(t, "AGENT_STATUS|backend|running|Writing code", rec.stdout[1])
}

func TestHandlerCanReleaseBeforeExitIsVisible(t *testing.T) {
	sup := New(nil)
	lease, err := sup.Acquire("p1")
	require.NoError(t, err)

	rec := newRecorder()
	var runningAtExit bool
	rec.onExit = func() {
		lease.Release()
		runningAtExit = sup.Running("p1")
	}
	require.NoError(t, lease.Start(sh(`exit 0`), rec))
	exit := waitExit(t, rec)
	assert.True(t, exit.OK())
	assert.False(t, runningAtExit)
}

func TestStartSpawnFailure(t *testing.T) {
	sup := New(nil)
	lease, err := sup.Acquire("p1")
	require.NoError(t, err)

	err = lease.Start(Spec{Command: "/definitely/not/a/binary"}, newRecorder())
	require.ErrorIs(t, err, domain.ErrSpawn)
	assert.True(t, sup.Running("p1"), "caller decides when to release after a spawn failure")
	lease.Release()
	assert.False(t, sup.Running("p1"))
}

func TestRunKeepsLeaseAcrossProcesses(t *testing.T) {
	sup := New(nil)
	lease, err := sup.Acquire("p1")
	require.NoError(t, err)
	defer lease.Release()

	for _, script := range []string{`echo a`, `echo b; exit 1`} {
		rec := newRecorder()
		exit, err := lease.Run(context.Background(), sh(script), rec)
		require.NoError(t, err)
		<-rec.exits
		assert.True(t, sup.Running("p1"))
		if script == `echo a` {
			assert.Equal(t, 0, exit.Code)
		} else {
			assert.Equal(t, 1, exit.Code)
		}
	}
}

func TestRunCancelTerminates(t *testing.T) {
	sup := New(nil)
	sup.grace = 0
	lease, err := sup.Acquire("p1")
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	exit, err := lease.Run(ctx, sh(`sleep 30`), newRecorder())
	require.NoError(t, err)
	assert.False(t, exit.OK())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShutdownStopsProcesses(t *testing.T) {
	sup := New(nil)
	sup.grace = 0
	lease, err := sup.Acquire("p1")
	require.NoError(t, err)
	rec := newRecorder()
	require.NoError(t, lease.Start(sh(`sleep 30`), rec))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
	exit := waitExit(t, rec)
	assert.False(t, exit.OK())
}
