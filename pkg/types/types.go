package types

import "sort"

// Status represents the lifecycle status of a gridpack request
type Status string

const (
	StatusNew       Status = "new"
	StatusApproved  Status = "approved"
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusFinishing Status = "finishing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusReused    Status = "reused"
)

// CondorStatus represents the HTCondor job status as reported by condor_q
type CondorStatus string

const (
	CondorIdle            CondorStatus = "IDLE"
	CondorRun             CondorStatus = "RUN"
	CondorDone            CondorStatus = "DONE"
	CondorRemoved         CondorStatus = "REMOVED"
	CondorHold            CondorStatus = "HOLD"
	CondorUnexplained     CondorStatus = "UNEXPLAINED"
	CondorSubmissionError CondorStatus = "SUBMISSION ERROR"
	CondorNone            CondorStatus = ""
)

// HistoryEntry is a single append-only audit record on a gridpack
type HistoryEntry struct {
	User   string `json:"user"`
	Time   int64  `json:"time"`
	Action string `json:"action"`
}

// Default resources for a gridpack job
const (
	DefaultJobCores  = 16
	DefaultJobMemory = 32000

	// MemoryFactorMB is the minimum memory (MB) required per requested core
	MemoryFactorMB = 1000
)

// Gridpack is the persisted document for a single gridpack request.
// The controller is the sole writer; the document store persists it
// as a whole-document replacement keyed by ID.
type Gridpack struct {
	ID             string `json:"_id"`
	LastUpdate     int64  `json:"last_update"`
	Campaign       string `json:"campaign"`
	Generator      string `json:"generator"`
	Process        string `json:"process"`
	Dataset        string `json:"dataset"`
	Tune           string `json:"tune"`
	Events         int    `json:"events"`
	Genproductions string `json:"genproductions"`

	Status       Status       `json:"status"`
	CondorStatus CondorStatus `json:"condor_status"`
	CondorID     int          `json:"condor_id"`

	// Archive is the produced file name, ArchiveAbsolute its full remote path
	Archive         string `json:"archive"`
	ArchiveAbsolute string `json:"archive_absolute"`

	// GridpackReused is the ID of the gridpack whose artifact this request
	// consumed, "-1" when the artifact was found without provenance,
	// empty when no reuse happened
	GridpackReused string `json:"gridpack_reused"`

	DatasetName string         `json:"dataset_name"`
	History     []HistoryEntry `json:"history"`
	Prepid      string         `json:"prepid"`

	StoreIntoSubfolders bool `json:"store_into_subfolders"`
	JobCores            int  `json:"job_cores"`
	JobMemory           int  `json:"job_memory"`
}

// ApplyDefaults fills zero-valued resource fields with the schema defaults
func (g *Gridpack) ApplyDefaults() {
	if g.JobCores == 0 {
		g.JobCores = DefaultJobCores
	}
	if g.JobMemory == 0 {
		g.JobMemory = DefaultJobMemory
	}
	if g.History == nil {
		g.History = []HistoryEntry{}
	}
}

// Users returns the sorted distinct usernames in the history,
// excluding the automatic (controller) user
func (g *Gridpack) Users() []string {
	seen := map[string]bool{}
	for _, entry := range g.History {
		if entry.User != "" && entry.User != "automatic" {
			seen[entry.User] = true
		}
	}
	users := make([]string, 0, len(seen))
	for user := range seen {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// InFlight reports whether the gridpack has a batch job that may still
// exist on the scheduler side
func (g *Gridpack) InFlight() bool {
	switch g.Status {
	case StatusSubmitted, StatusRunning, StatusFinishing:
		return true
	}
	return false
}
