package supervisor

import "errors"

// Sentinel errors for the supervisor's error taxonomy. Agency-rejected and
// Agency-unavailable are represented as ordinary wrapped errors returned
// from refresh/commit helpers, not as these sentinels, since callers only
// need to distinguish them from job-level outcomes.
var (
	// ErrJobPreconditionViolated marks a job creation or start attempt
	// whose preconditions no longer hold; the job is recorded Failed with
	// this as its reason and is not retried.
	ErrJobPreconditionViolated = errors.New("job precondition violated")

	// ErrNoAvailableServers means the resource-selection helpers found no
	// eligible target server for a repair job.
	ErrNoAvailableServers = errors.New("no available servers for repair")

	// ErrUnknownJobKind is returned when a job record names a kind the
	// framework has no handler for.
	ErrUnknownJobKind = errors.New("unknown job kind")
)
