package gridpack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScript(t *testing.T) {
	files := writeFilesTree(t, 6800, nil)
	doc := testDoc()
	doc.JobCores = 8
	entity := testEntity(t, files, doc)

	script := entity.Script()
	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	assert.Contains(t, script, "export NB_CORE=8")
	assert.Contains(t, script,
		"wget https://github.com/cms-sw/genproductions/tarball/master -O genproductions.tar.gz")
	assert.Contains(t, script, "GEN_FOLDER=$(ls -1 | grep cms-sw-genproductions- | head -n 1)")
	assert.Contains(t, script, "mv input_files.tar.gz genproductions/bin/MadGraph5_aMCatNLO/")
	assert.Contains(t, script, "./gridpack_generation.sh "+testDataset+" input_files pdmv")
	assert.Contains(t, script, "mv *"+testDataset+"*.t*z $ORG_PWD")

	// The generation steps run inside a Singularity container
	assert.Contains(t, script, "cat <<'EndOfSingularityWrapper' > GRIDPACK_SINGULARITY_"+doc.ID+".sh")
	assert.Contains(t, script, "EndOfSingularityWrapper")
	assert.Contains(t, script, `CONTAINER_NAME="el9:amd64"`)
	assert.Contains(t, script, "singularity run -B /afs -B /cvmfs -B /etc/grid-security")

	// The download happens outside the container
	containerStart := strings.Index(script, "cat <<'EndOfSingularityWrapper'")
	wgetIndex := strings.Index(script, "wget https://github.com")
	tarIndex := strings.Index(script, "tar -xzf genproductions.tar.gz")
	assert.Less(t, wgetIndex, containerStart)
	assert.Greater(t, tarIndex, containerStart)
}

func TestWriteScript(t *testing.T) {
	files := writeFilesTree(t, 6800, nil)
	entity := testEntity(t, files, testDoc())
	require.NoError(t, entity.Mkdir())
	defer entity.Rmdir()

	require.NoError(t, entity.WriteScript())
	path := filepath.Join(entity.LocalDir(), "GRIDPACK_"+entity.Doc.ID+".sh")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestJobPriority(t *testing.T) {
	files := writeFilesTree(t, 6800, nil)

	priorities := []struct {
		cores    int
		priority int
	}{
		{1, 3},
		{8, 3},
		{16, 3},
		{17, 0},
		{32, 0},
		{64, 0},
	}
	for _, p := range priorities {
		doc := testDoc()
		doc.JobCores = p.cores
		doc.JobMemory = p.cores * 1000
		entity := testEntity(t, files, doc)
		assert.Equal(t, p.priority, entity.JobPriority(), "cores=%d", p.cores)
	}
}

func TestJDS(t *testing.T) {
	files := writeFilesTree(t, 6800, nil)
	doc := testDoc()
	doc.JobCores = 8
	doc.JobMemory = 16000
	entity := testEntity(t, files, doc)

	jds := entity.JDS()
	assert.Contains(t, jds, "executable              = GRIDPACK_"+doc.ID+".sh")
	assert.Contains(t, jds, "transfer_input_files    = input_files.tar.gz")
	assert.Contains(t, jds, `+JobFlavour             = "nextweek"`)
	assert.Contains(t, jds, "RequestCpus            = 8")
	assert.Contains(t, jds, "RequestMemory          = 16000")
	assert.Contains(t, jds, "RequestDisk            = 30000000")
	assert.Contains(t, jds, `requirements            = (OpSysAndVer =?= "AlmaLinux9")`)
	assert.Contains(t, jds, `+AccountingGroup        = "group_u_CMS.u_zh.priority"`)
	assert.Contains(t, jds, "+JobPrio               = 3")
	assert.Contains(t, jds, "leave_in_queue          = JobStatus == 4")
	assert.True(t, strings.HasSuffix(jds, "queue"))
}

func TestJDSCAFGroup(t *testing.T) {
	files := writeFilesTree(t, 6800, nil)
	doc := testDoc()
	entity, err := New(doc, Environment{
		FilesDir:    files,
		StorageRoot: "/store",
		CAF:         true,
	})
	require.NoError(t, err)
	assert.Contains(t, entity.JDS(), `+AccountingGroup        = "group_u_CMS.CAF.PHYS"`)
}
