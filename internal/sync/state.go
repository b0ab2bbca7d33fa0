package sync

// Plan lists the managed entries that will be written and the ones refused
// by a guard before any network call
type Plan struct {
	Write    []FileOp
	Rejected []FileOp
}

// FileOp is one managed entry resolved against the target root
type FileOp struct {
	Remote   string // path on the raw-file host
	Local    string // path relative to the target root
	DestPath string // absolute destination, empty when rejected
	Reason   error  // why a rejected entry was refused
}

// Result counts the outcome of a SyncAll run. Unchanged files count as
// succeeded.
type Result struct {
	Succeeded int
	Failed    int
	Written   []string
	Unchanged []string
	Errors    []FileError
}

// FileError ties a failure to the managed entry it belongs to
type FileError struct {
	Local string
	Err   error
}

func (e FileError) Error() string {
	return e.Local + ": " + e.Err.Error()
}

// AllFailed reports whether entries were attempted and none succeeded.
func (r Result) AllFailed() bool {
	return r.Succeeded == 0 && r.Failed > 0
}
