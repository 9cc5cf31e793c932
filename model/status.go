package model

// RunStatus is the lifecycle state recorded on a run header.
type RunStatus string

const (
	StatusRunning  RunStatus = "Running"
	StatusSuccess  RunStatus = "Success"
	StatusPartial  RunStatus = "Partial"
	StatusFailed   RunStatus = "Failed"
	StatusCanceled RunStatus = "Canceled"
	StatusStopped  RunStatus = "Stopped"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed, StatusCanceled, StatusStopped:
		return true
	}
	return false
}

// ParseRunStatus accepts any status name case-sensitively; ok is false for unknown names.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch rs := RunStatus(s); rs {
	case StatusRunning, StatusSuccess, StatusPartial, StatusFailed, StatusCanceled, StatusStopped:
		return rs, true
	}
	return "", false
}

// Stage is the coarse lifecycle phase of a run in this process.
type Stage string

const (
	StageIdle      Stage = "Idle"
	StagePreflight Stage = "Preflight"
	StageRunning   Stage = "Running"
	StageSaving    Stage = "Saving"
	StageDone      Stage = "Done"
)
