package condor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cms-pdmv/gridpack-machine/pkg/types"
)

func TestStatusFromCode(t *testing.T) {
	assert.Equal(t, types.CondorUnexplained, StatusFromCode("0"))
	assert.Equal(t, types.CondorIdle, StatusFromCode("1"))
	assert.Equal(t, types.CondorRun, StatusFromCode("2"))
	assert.Equal(t, types.CondorRemoved, StatusFromCode("3"))
	assert.Equal(t, types.CondorDone, StatusFromCode("4"))
	assert.Equal(t, types.CondorHold, StatusFromCode("5"))
	assert.Equal(t, types.CondorSubmissionError, StatusFromCode("6"))
	// Unknown codes collapse to REMOVED so the job is collected
	assert.Equal(t, types.CondorRemoved, StatusFromCode("7"))
	assert.Equal(t, types.CondorRemoved, StatusFromCode("garbage"))
}

func TestParseQueue(t *testing.T) {
	stdout := "ClusterId JobStatus Cmd\n" +
		"801341 2 /pool/condor/dir_1/GRIDPACK_1700000000001.sh\n" +
		"801342 4 /pool/condor/dir_2/GRIDPACK_1700000000002.sh\n" +
		"900000 2 /pool/condor/dir_3/some_other_job.sh\n" +
		"801343 5 /pool/condor/dir_4/GRIDPACK_1700000000003.sh\n"

	jobs, err := ParseQueue(stdout)
	assert.NoError(t, err)
	assert.Len(t, jobs, 3)
	assert.Equal(t, types.CondorRun, jobs["801341"])
	assert.Equal(t, types.CondorDone, jobs["801342"])
	assert.Equal(t, types.CondorHold, jobs["801343"])
	assert.NotContains(t, jobs, "900000")
}

func TestParseQueueEmpty(t *testing.T) {
	jobs, err := ParseQueue("ClusterId JobStatus Cmd\n")
	assert.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestParseQueueBadHeader(t *testing.T) {
	_, err := ParseQueue("command not found")
	assert.Error(t, err)

	_, err = ParseQueue("")
	assert.Error(t, err)
}

func TestParseSubmit(t *testing.T) {
	stdout := "Submitting job(s).\n1 job(s) submitted to cluster 801341."
	clusterID, err := ParseSubmit(stdout)
	assert.NoError(t, err)
	assert.Equal(t, 801341, clusterID)
}

func TestParseSubmitNoMarker(t *testing.T) {
	_, err := ParseSubmit("ERROR: failed to parse submit file")
	assert.Error(t, err)

	_, err = ParseSubmit("")
	assert.Error(t, err)
}

func TestAccountingGroup(t *testing.T) {
	assert.Equal(t, CAFGroup, AccountingGroup(true))
	assert.Equal(t, PriorityGroup, AccountingGroup(false))
}

func TestCommands(t *testing.T) {
	assert.Equal(t, "condor_rm 801341", RemoveCommand(801341))
	assert.Equal(t,
		"condor_ssh_to_job 801341 'cat _condor_stdout' > /public/GRIDPACK_GENERATION_1.log",
		StreamCommand(801341, "/public/GRIDPACK_GENERATION_1.log"))
}
