package sync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidURL      = errors.New("invalid remote url")
	ErrNetwork         = errors.New("network unreachable")
	ErrContentMissing  = errors.New("content missing")
	ErrManifestFormat  = errors.New("manifest malformed")
	ErrFolderParent    = errors.New("folder parent not materialized")
	ErrFileParent      = errors.New("file has no parent folder")
	ErrContentMismatch = errors.New("content does not match its hash")
)

// Step names the clone phase an error came from.
type Step string

const (
	StepParse       Step = "parse"
	StepManifest    Step = "manifest"
	StepRegister    Step = "register"
	StepMaterialize Step = "materialize"
	StepPlan        Step = "plan"
)

// CloneError is returned for every terminal clone failure.
type CloneError struct {
	Step Step
	Err  error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("clone %s: %v", e.Step, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// Plan represents the downloads needed to complete a local store
type Plan struct {
	Fetch   []Task
	Present int // blobs already on disk
}

// Task is one blob download.
type Task struct {
	Name string // manifest-relative name
	Hash uint64 // expected content hash
	URL  string // where the file is published
	Path string // content-addressed destination
}

// Result is the outcome of one Task.
type Result struct {
	Task  Task
	Bytes int64
	Err   error
}

// FetchFailure records a download that did not complete. It does not abort
// the clone.
type FetchFailure struct {
	URL  string
	Path string
	Err  error
}

// Report summarizes a clone. It is complete only after every download joined.
type Report struct {
	Repository   string
	RepositoryID int64
	Folders      int
	Files        int
	Planned      int
	Skipped      int
	Fetched      int
	Bytes        int64
	Failures     []FetchFailure
	Elapsed      time.Duration
}

// Failed reports whether any download failed.
func (r *Report) Failed() bool {
	return len(r.Failures) > 0
}
