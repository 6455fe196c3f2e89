package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"crewdeck/internal/domain"
	"crewdeck/internal/supervisor"
)

const (
	runResultOK      = "ok"
	maxScaffoldError = 2048
)

// StartOptions selects what a single run executes. An empty TaskFile lets
// the workflow derive its task from AGENTS.md.
type StartOptions struct {
	TaskFile string
}

// Start launches the workflow process for a project. It returns once the
// process is running; the exit is applied asynchronously.
func (o *Orchestrator) Start(ctx context.Context, projectID string, opts StartOptions) (RunStatus, error) {
	p, err := o.get(projectID)
	if err != nil {
		return RunStatus{}, err
	}
	lease, err := o.sup.Acquire(projectID)
	if err != nil {
		return RunStatus{}, err
	}

	p.mu.Lock()
	taskFile, err := o.prepareLocked(p, opts.TaskFile)
	snap := p.snap.Project
	p.mu.Unlock()
	if err != nil {
		lease.Release()
		return RunStatus{}, err
	}
	if err := o.scaffold(ctx, p, snap); err != nil {
		lease.Release()
		return RunStatus{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if taskFile != "" {
		p.snap.Project.ActiveTaskFile = domain.Ptr(filepath.Base(taskFile))
	} else {
		p.snap.Project.ActiveTaskFile = nil
	}
	spec := o.processSpec(p.snap.Project, taskFile)
	o.runnerLog(p, "Launching: "+spec.String())

	h := &runHandler{o: o, p: p, lease: lease}
	if err := lease.Start(spec, h); err != nil {
		lease.Release()
		o.spawnFailedLocked(p, err)
		o.saveLocked(p)
		return RunStatus{}, err
	}

	now := o.timestamp()
	o.enterRunLocked(p)
	p.snap.Project.LastRunAt = &now
	p.snap.Project.LastRunResult = nil
	o.publishRunStatusLocked(p)
	if runner := p.agent(domain.RunnerAgentID); runner != nil {
		o.updateAgentLocked(p, runner, domain.AgentRunning, "Running workflow")
	}
	o.runnerLog(p, "Run started.")
	o.saveLocked(p)
	o.log.Info("run started", zap.String("project_id", projectID), zap.String("command", spec.String()))
	return runStatusOf(p.snap.Project), nil
}

// RunAll executes every task template in name order under one reservation,
// stopping at the first failure. The sequence runs in the background.
func (o *Orchestrator) RunAll(ctx context.Context, projectID string) (RunStatus, error) {
	p, err := o.get(projectID)
	if err != nil {
		return RunStatus{}, err
	}
	lease, err := o.sup.Acquire(projectID)
	if err != nil {
		return RunStatus{}, err
	}
	if err := o.catalog.Reload(); err != nil {
		o.log.Warn("reload task templates", zap.Error(err))
	}
	tmpls := o.catalog.List()
	if len(tmpls) == 0 {
		lease.Release()
		return RunStatus{}, fmt.Errorf("%s: %w", o.catalog.Root(), domain.ErrNoTaskTemplates)
	}
	files := make([]string, 0, len(tmpls))
	for _, t := range tmpls {
		path, err := o.catalog.Path(t.Name)
		if err != nil {
			lease.Release()
			return RunStatus{}, err
		}
		files = append(files, path)
	}

	p.mu.Lock()
	snap := p.snap.Project
	p.mu.Unlock()
	if err := o.scaffold(ctx, p, snap); err != nil {
		lease.Release()
		return RunStatus{}, err
	}

	p.mu.Lock()
	now := o.timestamp()
	o.enterRunLocked(p)
	p.snap.Project.LastRunAt = &now
	p.snap.Project.LastRunResult = nil
	p.snap.Project.ActiveTaskFile = nil
	o.publishRunStatusLocked(p)
	if runner := p.agent(domain.RunnerAgentID); runner != nil {
		o.updateAgentLocked(p, runner, domain.AgentRunning, "Running task queue")
	}
	o.runnerLog(p, fmt.Sprintf("Run-all started with %d tasks.", len(files)))
	o.saveLocked(p)
	status := runStatusOf(p.snap.Project)
	p.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runSequence(p, lease, files)
	}()
	return status, nil
}

func (o *Orchestrator) runSequence(p *project, lease *supervisor.Lease, files []string) {
	for _, file := range files {
		name := filepath.Base(file)
		p.mu.Lock()
		o.runnerLog(p, "Starting task file: "+name)
		p.snap.Project.ActiveTaskFile = domain.Ptr(name)
		o.publishRunStatusLocked(p)
		spec := o.processSpec(p.snap.Project, file)
		o.saveLocked(p)
		p.mu.Unlock()

		exit, err := lease.Run(o.ctx, spec, &stepHandler{o: o, p: p})
		if err == nil && exit.OK() {
			continue
		}
		p.mu.Lock()
		lease.Release()
		if err != nil {
			o.runnerLog(p, "[spawn error] "+err.Error())
		}
		o.finishLocked(p, domain.RunFailed, "task failed: "+name)
		o.runnerLog(p, "Run-all stopped after failure: "+name)
		o.saveLocked(p)
		p.mu.Unlock()
		o.rec.RunFinished(string(domain.RunFailed))
		return
	}
	p.mu.Lock()
	lease.Release()
	o.finishLocked(p, domain.RunCompleted, runResultOK)
	o.runnerLog(p, "Run-all completed.")
	o.saveLocked(p)
	p.mu.Unlock()
	o.rec.RunFinished(string(domain.RunCompleted))
}

// enterRunLocked marks the project running, or waiting_approval when
// approvals are still open from earlier work.
func (o *Orchestrator) enterRunLocked(p *project) {
	o.setRunStatusLocked(p, domain.RunRunning)
	if p.pendingApprovals() > 0 {
		o.setRunStatusLocked(p, domain.RunWaitingApproval)
	}
}

// prepareLocked checks the run preconditions and resolves the task file.
func (o *Orchestrator) prepareLocked(p *project, taskFile string) (string, error) {
	doc, err := p.dir.ReadAgentsDoc()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(doc) == "" {
		return "", fmt.Errorf("AGENTS.md is empty: %w", domain.ErrPreconditionFailed)
	}
	if strings.TrimSpace(taskFile) == "" {
		return "", nil
	}
	return o.catalog.Path(taskFile)
}

// scaffold prepares the project root for its type. Failures are logged to
// the runner and abort the run.
func (o *Orchestrator) scaffold(ctx context.Context, p *project, proj domain.Project) error {
	rule, ok := o.cfg.Scaffold[proj.Type]
	if !ok {
		return nil
	}
	if rule.Marker != "" {
		if matches, _ := filepath.Glob(filepath.Join(proj.RootPath, rule.Marker)); len(matches) > 0 {
			return nil
		}
	}
	cmd := exec.CommandContext(ctx, rule.Command, rule.Args...)
	cmd.Dir = proj.RootPath
	cmd.Env = o.environ()
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	msg := err.Error()
	if text := strings.TrimSpace(string(out)); text != "" {
		if len(text) > maxScaffoldError {
			text = text[len(text)-maxScaffoldError:]
		}
		msg += ": " + text
	}
	o.log.Error("scaffold", zap.String("project_id", proj.ID), zap.String("type", proj.Type), zap.Error(err))
	p.mu.Lock()
	o.runnerLog(p, "[scaffold] "+msg)
	o.saveLocked(p)
	p.mu.Unlock()
	return fmt.Errorf("%s: %w", msg, domain.ErrScaffoldFailed)
}

func (o *Orchestrator) processSpec(proj domain.Project, taskFile string) supervisor.Spec {
	var args []string
	if o.cfg.Workflow.Script != "" {
		args = append(args, o.cfg.Workflow.Script)
	}
	args = append(args, o.cfg.Workflow.Args...)
	args = append(args, "--project-root", proj.RootPath)
	if taskFile != "" {
		args = append(args, "--task-file", taskFile)
	} else {
		args = append(args, "--task-from-agents")
	}
	env := append(o.environ(),
		"PROJECT_ID="+proj.ID,
		"PROJECT_TYPE="+proj.Type,
		"PROJECT_ROOT="+proj.RootPath,
		"AGENT_APPROVAL_REQUIRED=1",
		"APPROVAL_MODE=dashboard",
	)
	return supervisor.Spec{
		Command: o.cfg.Workflow.Command,
		Args:    args,
		Dir:     proj.RootPath,
		Env:     env,
	}
}

func (o *Orchestrator) spawnFailedLocked(p *project, err error) {
	o.setRunStatusLocked(p, domain.RunFailed)
	p.snap.Project.LastRunResult = domain.Ptr(err.Error())
	p.snap.Project.ActiveTaskFile = nil
	o.publishRunStatusLocked(p)
	if runner := p.agent(domain.RunnerAgentID); runner != nil {
		o.updateAgentLocked(p, runner, domain.AgentFailed, "Failed to start")
	}
	o.runnerLog(p, "[spawn error] "+err.Error())
	o.log.Error("spawn workflow", zap.String("project_id", p.id()), zap.Error(err))
	o.rec.RunFinished("spawn_error")
}

// finishLocked records the end of a run.
func (o *Orchestrator) finishLocked(p *project, status domain.RunStatus, result string) {
	o.setRunStatusLocked(p, status)
	p.snap.Project.LastRunResult = domain.Ptr(result)
	p.snap.Project.ActiveTaskFile = nil
	o.publishRunStatusLocked(p)
	if runner := p.agent(domain.RunnerAgentID); runner != nil {
		if status == domain.RunCompleted {
			o.updateAgentLocked(p, runner, domain.AgentIdle, "Idle")
		} else {
			o.updateAgentLocked(p, runner, domain.AgentFailed, "Failed")
		}
	}
}

// runHandler applies the output of a single run and settles its exit.
type runHandler struct {
	o     *Orchestrator
	p     *project
	lease *supervisor.Lease
}

func (h *runHandler) HandleStdout(line string) { h.o.applyLine(h.p, line) }
func (h *runHandler) HandleStderr(line string) { h.o.applyStderr(h.p, line) }

func (h *runHandler) HandleExit(exit supervisor.Exit) {
	o, p := h.o, h.p
	p.mu.Lock()
	defer p.mu.Unlock()
	h.lease.Release()
	status, result := domain.RunCompleted, runResultOK
	if !exit.OK() {
		status, result = domain.RunFailed, exitResult(exit)
	}
	o.finishLocked(p, status, result)
	o.runnerLog(p, fmt.Sprintf("Run finished with status: %s.", status))
	o.saveLocked(p)
	o.rec.RunFinished(string(status))
}

func exitResult(exit supervisor.Exit) string {
	if exit.Err != nil {
		return exit.Err.Error()
	}
	return fmt.Sprintf("exit %d", exit.Code)
}

// stepHandler applies the output of one task file inside a run-all sequence.
// The sequence itself settles the exit.
type stepHandler struct {
	o *Orchestrator
	p *project
}

func (h *stepHandler) HandleStdout(line string)   { h.o.applyLine(h.p, line) }
func (h *stepHandler) HandleStderr(line string)   { h.o.applyStderr(h.p, line) }
func (h *stepHandler) HandleExit(supervisor.Exit) {}
