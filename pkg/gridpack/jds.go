package gridpack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cms-pdmv/gridpack-machine/pkg/condor"
)

// diskFactorKBToGB converts RequestDisk gigabytes to the KB unit
// HTCondor expects
const diskFactorKBToGB = 1_000_000

// JobPriority derives the job priority from the requested cores.
// Small jobs get a boost so they are not starved behind large ones.
func (e *Entity) JobPriority() int {
	if e.Doc.JobCores >= 1 && e.Doc.JobCores <= 16 {
		return 3
	}
	return 0
}

// JDS renders the HTCondor job description. Finished jobs stay in the
// queue for two hours so the collection phase can still observe them.
func (e *Entity) JDS() string {
	group := condor.AccountingGroup(e.env.CAF)
	lines := []string{
		fmt.Sprintf("executable              = %s", e.ScriptName()),
		"transfer_input_files    = input_files.tar.gz",
		"when_to_transfer_output = ON_EXIT_OR_EVICT",
		"should_transfer_files   = yes",
		`+JobFlavour             = "nextweek"`,
		"output                  = output.log",
		"error                   = error.log",
		"log                     = job.log",
		fmt.Sprintf("RequestCpus            = %d", e.Doc.JobCores),
		fmt.Sprintf("RequestMemory          = %d", e.Doc.JobMemory),
		fmt.Sprintf("RequestDisk            = %d", 30*diskFactorKBToGB),
		`requirements            = (OpSysAndVer =?= "AlmaLinux9")`,
		fmt.Sprintf(`+AccountingGroup        = "%s"`, group),
		fmt.Sprintf("+JobPrio               = %d", e.JobPriority()),
		"leave_in_queue          = JobStatus == 4 && (CompletionDate =?= UNDEFINED || ((CurrentTime - CompletionDate) < 7200))",
		"queue",
	}
	return strings.Join(lines, "\n")
}

// WriteJDS writes the job description into the local working directory
func (e *Entity) WriteJDS() error {
	path := filepath.Join(e.LocalDir(), e.JDSName())
	e.logger.Debug().Str("path", path).Msg("Writing job description")
	if err := os.WriteFile(path, []byte(e.JDS()), 0644); err != nil {
		return fmt.Errorf("failed to write job description: %w", err)
	}
	return nil
}
