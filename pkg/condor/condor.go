// Package condor parses HTCondor command output and builds the
// commands the controller runs on the submission host.
package condor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cms-pdmv/gridpack-machine/pkg/types"
)

// QueueCommand lists cluster id, numeric status and command of every
// job in the queue
const QueueCommand = "condor_q -af:h ClusterId JobStatus Cmd"

// JobMarker identifies gridpack jobs among everything else in the queue
const JobMarker = "GRIDPACK_"

// submitMarker appears in condor_submit output on success
const submitMarker = "1 job(s) submitted to cluster"

// Accounting groups for the two supported HTCondor pools
const (
	CAFGroup      = "group_u_CMS.CAF.PHYS"
	PriorityGroup = "group_u_CMS.u_zh.priority"
)

// statusNames maps the numeric JobStatus attribute to its name
var statusNames = map[string]types.CondorStatus{
	"0": types.CondorUnexplained,
	"1": types.CondorIdle,
	"2": types.CondorRun,
	"3": types.CondorRemoved,
	"4": types.CondorDone,
	"5": types.CondorHold,
	"6": types.CondorSubmissionError,
}

// StatusFromCode translates a numeric JobStatus value. Unknown codes
// map to REMOVED so a vanished or garbled job is collected rather than
// polled forever.
func StatusFromCode(code string) types.CondorStatus {
	if status, ok := statusNames[code]; ok {
		return status
	}
	return types.CondorRemoved
}

// ParseQueue parses condor_q output into a cluster id to status map,
// keeping only gridpack jobs
func ParseQueue(stdout string) (map[string]types.CondorStatus, error) {
	lines := strings.Split(stdout, "\n")
	if len(lines) == 0 || !strings.Contains(lines[0], "ClusterId JobStatus Cmd") {
		return nil, fmt.Errorf("unexpected condor_q output: %q", stdout)
	}

	jobs := map[string]types.CondorStatus{}
	for _, line := range lines[1:] {
		if !strings.Contains(line, JobMarker) {
			continue
		}
		columns := strings.Fields(line)
		if len(columns) < 2 {
			continue
		}
		jobs[columns[0]] = StatusFromCode(columns[1])
	}
	return jobs, nil
}

// ParseSubmit extracts the cluster id from condor_submit output.
// The success line reads "1 job(s) submitted to cluster N".
func ParseSubmit(stdout string) (int, error) {
	if !strings.Contains(stdout, submitMarker) {
		return 0, fmt.Errorf("condor_submit output lacks submission marker: %q", stdout)
	}
	fields := strings.Fields(stdout)
	last := fields[len(fields)-1]
	clusterID, err := strconv.ParseFloat(strings.TrimSuffix(last, "."), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cluster id from %q: %w", last, err)
	}
	return int(clusterID), nil
}

// RemoveCommand terminates a job
func RemoveCommand(clusterID int) string {
	return fmt.Sprintf("condor_rm %d", clusterID)
}

// StreamCommand copies the running job's stdout into a public log file
func StreamCommand(clusterID int, logPath string) string {
	return fmt.Sprintf("condor_ssh_to_job %d 'cat _condor_stdout' > %s", clusterID, logPath)
}

// AccountingGroup returns the group attribute for job descriptions
// depending on the target pool
func AccountingGroup(caf bool) string {
	if caf {
		return CAFGroup
	}
	return PriorityGroup
}
