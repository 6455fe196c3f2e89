// Package orchestrator owns every project's live state: the registry,
// the run state machine, protocol application, the approval gate and the
// simulated task lifecycle. All mutation of a project happens under that
// project's lock, and is persisted and broadcast before the lock is released.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crewdeck/internal/artifacts"
	"crewdeck/internal/config"
	"crewdeck/internal/domain"
	"crewdeck/internal/events"
	"crewdeck/internal/logging"
	"crewdeck/internal/store"
	"crewdeck/internal/supervisor"
	"crewdeck/internal/templates"
)

// Recorder receives operational counters.
type Recorder interface {
	RunFinished(result string)
	ProtocolLine(kind string)
	ApprovalDecided(decision string)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(string)     {}
func (nopRecorder) ProtocolLine(string)    {}
func (nopRecorder) ApprovalDecided(string) {}

type Options struct {
	Config     *config.Config
	Store      store.Store
	Supervisor *supervisor.Supervisor
	Hub        *events.Hub
	Templates  *templates.Catalog
	Scheduler  Scheduler
	Recorder   Recorder
	Logger     *zap.Logger
	Now        func() time.Time
	// Tokens returns the token count credited to a finished simulated task.
	Tokens func() int64
	// Environ is the base environment handed to workflow processes.
	Environ func() []string
}

type Orchestrator struct {
	cfg     *config.Config
	store   store.Store
	sup     *supervisor.Supervisor
	hub     *events.Hub
	catalog *templates.Catalog
	sched   Scheduler
	rec     Recorder
	log     *zap.Logger
	now     func() time.Time
	tokens  func() int64
	environ func() []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	projects map[string]*project
}

type project struct {
	mu   sync.Mutex
	snap domain.Snapshot
	dir  artifacts.Dir
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Store == nil || opts.Supervisor == nil || opts.Hub == nil || opts.Templates == nil {
		return nil, fmt.Errorf("orchestrator: config, store, supervisor, hub and templates are required")
	}
	o := &Orchestrator{
		cfg:      opts.Config,
		store:    opts.Store,
		sup:      opts.Supervisor,
		hub:      opts.Hub,
		catalog:  opts.Templates,
		sched:    opts.Scheduler,
		rec:      opts.Recorder,
		log:      logging.OrNop(opts.Logger).Named("orchestrator"),
		now:      opts.Now,
		tokens:   opts.Tokens,
		environ:  opts.Environ,
		projects: map[string]*project{},
	}
	if o.sched == nil {
		o.sched = NewTimerScheduler()
	}
	if o.rec == nil {
		o.rec = nopRecorder{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.tokens == nil {
		o.tokens = func() int64 { return 500 + rand.Int63n(1500) }
	}
	if o.environ == nil {
		o.environ = os.Environ
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Close stops pending simulation steps and background run sequences and
// waits for the sequences to settle.
func (o *Orchestrator) Close() {
	if s, ok := o.sched.(interface{ Stop() }); ok {
		s.Stop()
	}
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) timestamp() time.Time {
	return o.now().UTC()
}

func (o *Orchestrator) get(projectID string) (*project, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return p, nil
}

func (o *Orchestrator) register(p *project) {
	o.mu.Lock()
	o.projects[p.snap.Project.ID] = p
	o.mu.Unlock()
}

func (o *Orchestrator) list() []*project {
	o.mu.RLock()
	out := make([]*project, 0, len(o.projects))
	for _, p := range o.projects {
		out = append(out, p)
	}
	o.mu.RUnlock()
	return out
}

// CreateProject registers a project with the default roster and lays out
// its files.
func (o *Orchestrator) CreateProject(ctx context.Context, name, projectType string) (domain.Project, error) {
	name = strings.TrimSpace(name)
	projectType = strings.TrimSpace(projectType)
	if name == "" {
		return domain.Project{}, fmt.Errorf("project name is required: %w", domain.ErrInvalidInput)
	}
	if projectType == "" {
		projectType = "web"
	}
	id := o.newProjectID()
	root, err := filepath.Abs(filepath.Join(o.cfg.Data.ProjectsRoot, id))
	if err != nil {
		return domain.Project{}, err
	}
	now := o.timestamp()
	snap := domain.Snapshot{
		Project: domain.Project{
			ID:        id,
			Name:      name,
			Type:      projectType,
			RootPath:  root,
			CreatedAt: now,
			UpdatedAt: now,
			RunStatus: domain.RunIdle,
		},
		Approvals:  []domain.Approval{},
		Tasks:      []domain.Task{},
		Logs:       []domain.LogEntry{},
		TokenUsage: map[string]int64{},
	}
	for _, entry := range domain.DefaultRoster() {
		snap.Agents = append(snap.Agents, domain.NewAgent(entry, now))
	}
	p := &project{snap: snap, dir: artifacts.Dir{Root: root}}
	if err := p.dir.Ensure(snap.Agents); err != nil {
		return domain.Project{}, fmt.Errorf("create project files: %w", err)
	}
	if err := o.store.Save(ctx, snap); err != nil {
		return domain.Project{}, fmt.Errorf("save project: %w", err)
	}
	o.register(p)
	o.log.Info("project created", zap.String("project_id", id), zap.String("name", name), zap.String("type", projectType))
	return snap.Project, nil
}

func (o *Orchestrator) newProjectID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, taken := o.projects[id]; !taken {
			return id
		}
	}
}

// Projects lists every project, oldest first.
func (o *Orchestrator) Projects() []ProjectSummary {
	var out []ProjectSummary
	for _, p := range o.list() {
		p.mu.Lock()
		out = append(out, ProjectSummary{Project: p.snap.Project, AgentCount: len(p.snap.Agents)})
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Snapshot returns a copy of the project's full state.
func (o *Orchestrator) Snapshot(projectID string) (domain.Snapshot, error) {
	p, err := o.get(projectID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneSnapshot(p.snap), nil
}

// Running reports whether the project holds a process slot.
func (o *Orchestrator) Running(projectID string) bool {
	return o.sup.Running(projectID)
}

func cloneSnapshot(s domain.Snapshot) domain.Snapshot {
	out := s
	out.Agents = append([]domain.Agent(nil), s.Agents...)
	out.Tasks = append([]domain.Task(nil), s.Tasks...)
	out.Approvals = append([]domain.Approval(nil), s.Approvals...)
	out.Logs = append([]domain.LogEntry(nil), s.Logs...)
	out.TokenUsage = make(map[string]int64, len(s.TokenUsage))
	for k, v := range s.TokenUsage {
		out.TokenUsage[k] = v
	}
	return out
}

func (p *project) id() string { return p.snap.Project.ID }

func (p *project) agent(id string) *domain.Agent {
	for i := range p.snap.Agents {
		if p.snap.Agents[i].ID == id {
			return &p.snap.Agents[i]
		}
	}
	return nil
}

func (p *project) task(id string) *domain.Task {
	for i := range p.snap.Tasks {
		if p.snap.Tasks[i].ID == id {
			return &p.snap.Tasks[i]
		}
	}
	return nil
}

func (p *project) approval(id string) *domain.Approval {
	for i := range p.snap.Approvals {
		if p.snap.Approvals[i].ID == id {
			return &p.snap.Approvals[i]
		}
	}
	return nil
}

func (p *project) pendingApprovals() int {
	n := 0
	for _, a := range p.snap.Approvals {
		if a.Status == domain.ApprovalPending {
			n++
		}
	}
	return n
}

// saveLocked persists the project. Failures are logged; in-memory state stands.
func (o *Orchestrator) saveLocked(p *project) {
	p.snap.Project.UpdatedAt = o.timestamp()
	if err := o.store.Save(context.Background(), p.snap); err != nil {
		o.log.Error("persist project", zap.String("project_id", p.id()), zap.Error(err))
	}
}

func (o *Orchestrator) publishLocked(p *project, name events.Name, payload any) {
	o.hub.Publish(p.id(), name, payload)
}

// appendLogLocked records a log entry, mirrors it to the agent diary and
// broadcasts it.
func (o *Orchestrator) appendLogLocked(p *project, agentID string, taskID *string, message string) domain.LogEntry {
	entry := domain.LogEntry{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		TaskID:    taskID,
		Timestamp: o.timestamp(),
		Message:   message,
	}
	p.snap.Logs = append(p.snap.Logs, entry)
	if tail := o.cfg.Data.LogTail; tail > 0 && len(p.snap.Logs) > tail {
		p.snap.Logs = append([]domain.LogEntry(nil), p.snap.Logs[len(p.snap.Logs)-tail:]...)
	}
	if err := p.dir.AppendDiary(agentID, entry.Timestamp, message); err != nil {
		o.log.Warn("append diary", zap.String("project_id", p.id()), zap.String("agent_id", agentID), zap.Error(err))
	}
	o.publishLocked(p, events.LogAppended, entry)
	return entry
}

func (o *Orchestrator) runnerLog(p *project, message string) {
	o.appendLogLocked(p, domain.RunnerAgentID, nil, message)
}

// setRunStatusLocked applies a run transition and broadcasts it. Illegal
// moves are logged and leave the status unchanged.
func (o *Orchestrator) setRunStatusLocked(p *project, to domain.RunStatus) bool {
	if err := p.snap.Project.SetRunStatus(to); err != nil {
		o.log.Error("run status", zap.String("project_id", p.id()), zap.Error(err))
		return false
	}
	return true
}

func (o *Orchestrator) publishRunStatusLocked(p *project) {
	o.publishLocked(p, events.ProjectRunStatus, runStatusOf(p.snap.Project))
}

func (o *Orchestrator) updateAgentLocked(p *project, a *domain.Agent, status domain.AgentStatus, step string) {
	a.Status = status
	a.CurrentStep = step
	a.UpdatedAt = o.timestamp()
	o.publishLocked(p, events.AgentUpdated, *a)
}
