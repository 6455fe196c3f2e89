// Package supervisor runs at most one external process per project.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crewdeck/internal/domain"
	"crewdeck/internal/logging"
)

const (
	maxLineBytes     = 1 << 20
	linePreviewBytes = 200
)

// Spec describes the process to launch.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

func (s Spec) String() string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

// Exit reports how a process ended.
type Exit struct {
	Code int
	Err  error
}

func (e Exit) OK() bool { return e.Code == 0 && e.Err == nil }

// Handler receives process output and the exit. Stdout and stderr lines are
// each delivered in order, from separate goroutines; HandleExit runs after
// both streams are drained.
type Handler interface {
	HandleStdout(line string)
	HandleStderr(line string)
	HandleExit(exit Exit)
}

// Supervisor tracks one lease per project.
type Supervisor struct {
	mu     sync.Mutex
	leases map[string]*Lease
	grace  time.Duration
	log    *zap.Logger
}

func New(log *zap.Logger) *Supervisor {
	return &Supervisor{
		leases: map[string]*Lease{},
		grace:  2 * time.Second,
		log:    logging.OrNop(log).Named("supervisor"),
	}
}

// Acquire reserves the project's single process slot.
func (s *Supervisor) Acquire(projectID string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[projectID]; ok {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrAlreadyRunning)
	}
	l := &Lease{sup: s, projectID: projectID}
	s.leases[projectID] = l
	return l, nil
}

// Running reports whether a lease is held for the project.
func (s *Supervisor) Running(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.leases[projectID]
	return ok
}

// Active returns the number of held leases.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

// Shutdown terminates every live process and waits for their exits or ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	leases := make([]*Lease, 0, len(s.leases))
	for _, l := range s.leases {
		leases = append(leases, l)
	}
	s.mu.Unlock()
	for _, l := range leases {
		go l.terminate(s.grace)
	}
	for _, l := range leases {
		select {
		case <-l.doneCh():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Lease is the reservation returned by Acquire. Only the holder may release it.
type Lease struct {
	sup       *Supervisor
	projectID string

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	released bool
}

func (l *Lease) ProjectID() string { return l.projectID }

// Release frees the slot. Safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	l.sup.mu.Lock()
	if cur, ok := l.sup.leases[l.projectID]; ok && cur == l {
		delete(l.sup.leases, l.projectID)
	}
	l.sup.mu.Unlock()
}

// Start spawns the process and returns once it is running. The handler
// observes the exit; the lease is released after HandleExit returns if the
// handler has not done so already.
func (l *Lease) Start(spec Spec, h Handler) error {
	wait, err := l.spawn(spec, h)
	if err != nil {
		return err
	}
	go func() {
		exit := wait()
		h.HandleExit(exit)
		l.Release()
	}()
	return nil
}

// Run spawns the process and blocks until it exits. The lease stays held so
// a caller can run several processes back to back. Cancelling ctx terminates
// the process.
func (l *Lease) Run(ctx context.Context, spec Spec, h Handler) (Exit, error) {
	wait, err := l.spawn(spec, h)
	if err != nil {
		return Exit{}, err
	}
	stop := context.AfterFunc(ctx, func() { l.terminate(l.sup.grace) })
	defer stop()
	exit := wait()
	h.HandleExit(exit)
	return exit, nil
}

func (l *Lease) spawn(spec Spec, h Handler) (func() Exit, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("empty command: %w", domain.ErrSpawn)
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil, fmt.Errorf("lease for %s already released", l.projectID)
	}
	l.mu.Unlock()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	configureProcess(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawn, err)
	}
	done := make(chan struct{})
	l.mu.Lock()
	l.cmd = cmd
	l.done = done
	l.mu.Unlock()

	log := l.sup.log.With(zap.String("project_id", l.projectID), zap.Int("pid", cmd.Process.Pid))
	log.Info("process started", zap.String("command", spec.String()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, h.HandleStdout, log)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, h.HandleStderr, log)
	}()

	return func() Exit {
		wg.Wait()
		exit := exitOf(cmd.Wait())
		close(done)
		log.Info("process exited", zap.Int("code", exit.Code), zap.NamedError("wait_error", exit.Err))
		return exit
	}, nil
}

func (l *Lease) terminate(grace time.Duration) {
	l.mu.Lock()
	cmd := l.cmd
	l.mu.Unlock()
	terminateProcess(cmd, grace)
}

func (l *Lease) doneCh() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

// scanLines delivers r line by line. A line longer than maxLineBytes is
// replaced by a short notice and reading continues with the next line.
func scanLines(r io.Reader, fn func(string), log *zap.Logger) {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf  []byte
		size int
	)
	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if room := maxLineBytes - len(buf); room > 0 {
			buf = append(buf, chunk[:min(len(chunk), room)]...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if size > 0 {
			n := size
			if err == nil {
				n-- // newline
			}
			emitLine(buf, n, fn, log)
		}
		buf, size = buf[:0], 0
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("output stream ended with error", zap.Error(err))
				// keep draining so the child never blocks on a full pipe
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
	}
}

func emitLine(buf []byte, size int, fn func(string), log *zap.Logger) {
	if size > maxLineBytes {
		log.Warn("output line truncated", zap.Int("bytes", size))
		preview := strings.ToValidUTF8(string(buf[:min(len(buf), linePreviewBytes)]), "")
		fn(fmt.Sprintf("[output] line of %d bytes truncated: %s", size, preview))
		return
	}
	line := strings.TrimRight(string(buf), "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	fn(line)
}

func exitOf(err error) Exit {
	if err == nil {
		return Exit{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Exit{Code: exitErr.ExitCode()}
	}
	return Exit{Code: -1, Err: err}
}
