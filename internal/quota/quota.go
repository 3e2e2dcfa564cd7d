// Package quota validates candidate uploads against the per-file,
// per-workspace and per-user storage ceilings. It has no dependencies and no
// side effects, so callers may run it speculatively before committing to an
// upload.
package quota

import (
	"errors"
	"fmt"
)

// ErrQuotaExceeded matches every rejection returned by Validate.
var ErrQuotaExceeded = errors.New("quota: limit exceeded")

// Scope names the ceiling a rejected upload would break.
type Scope string

// Quota scopes, in the order Validate checks them.
const (
	ScopeFile      Scope = "file"
	ScopeWorkspace Scope = "workspace"
	ScopeUser      Scope = "user"
)

// Limits holds the three ceilings in bytes.
type Limits struct {
	MaxFileSize      int64
	MaxWorkspaceSize int64
	MaxUserStorage   int64
}

// ExceededError describes which ceiling was hit. Requested is the total the
// upload would have produced (file size alone for ScopeFile).
type ExceededError struct {
	Scope     Scope
	Limit     int64
	Requested int64
}

func (e *ExceededError) Error() string {
	switch e.Scope {
	case ScopeFile:
		return fmt.Sprintf("quota: file too large (%d bytes, limit %d)", e.Requested, e.Limit)
	case ScopeWorkspace:
		return fmt.Sprintf("quota: workspace size limit (%d bytes, limit %d)", e.Requested, e.Limit)
	default:
		return fmt.Sprintf("quota: user storage limit (%d bytes, limit %d)", e.Requested, e.Limit)
	}
}

func (e *ExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// Validate checks fileSize against the ceilings given the current workspace
// size and user storage. Checks run file, workspace, user and stop at the
// first violation. A nil return means the upload fits.
func (l Limits) Validate(fileSize, workspaceSize, userStorage int64) error {
	if fileSize > l.MaxFileSize {
		return &ExceededError{Scope: ScopeFile, Limit: l.MaxFileSize, Requested: fileSize}
	}

	if workspaceSize+fileSize > l.MaxWorkspaceSize {
		return &ExceededError{Scope: ScopeWorkspace, Limit: l.MaxWorkspaceSize, Requested: workspaceSize + fileSize}
	}

	if userStorage+fileSize > l.MaxUserStorage {
		return &ExceededError{Scope: ScopeUser, Limit: l.MaxUserStorage, Requested: userStorage + fileSize}
	}

	return nil
}

// ScopeOf returns the scope of a quota rejection, or "" if err is not one.
func ScopeOf(err error) Scope {
	var exceeded *ExceededError
	if errors.As(err, &exceeded) {
		return exceeded.Scope
	}

	return ""
}

// Percentage returns used as a whole percentage of limit, rounded to the
// nearest integer. A non-positive limit yields 0.
func Percentage(used, limit int64) int {
	if limit <= 0 {
		return 0
	}

	const hundred = 100

	return int((used*hundred + limit/2) / limit)
}
