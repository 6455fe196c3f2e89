package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAlreadyRunning     = errors.New("project is already running")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrScaffoldFailed     = errors.New("scaffold failed")
	ErrSpawn              = errors.New("spawn failed")
	ErrNoTaskTemplates    = errors.New("no task templates found")
	ErrAlreadyDecided     = errors.New("approval already decided")
	ErrInvalidTransition  = errors.New("invalid transition")
)
