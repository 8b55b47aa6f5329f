package gridpack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// containerOS is the CERN OS tag of the cmssw container the generation
// steps run in, matching the AlmaLinux9 batch nodes
const containerOS = "el9"

// containerRegistry holds the unpacked cmssw container images
const containerRegistry = "/cvmfs/unpacked.cern.ch/registry.hub.docker.com/cmssw"

// ScriptName is the batch script file name for the gridpack
func (e *Entity) ScriptName() string {
	return fmt.Sprintf("GRIDPACK_%s.sh", e.Doc.ID)
}

// JDSName is the job description file name for the gridpack
func (e *Entity) JDSName() string {
	return fmt.Sprintf("GRIDPACK_%s.jds", e.Doc.ID)
}

// Script renders the batch script. It downloads the generator
// productions branch, unpacks the input bundle into the generator
// directory and runs gridpack_generation.sh inside a Singularity
// container, then moves produced archives back to the job directory.
func (e *Entity) Script() string {
	repository := e.env.GenRepository
	generator := e.Doc.Generator
	dataset := e.Doc.Dataset
	branch := e.Doc.Genproductions

	command := []string{
		"#!/bin/sh",
		"export HOME=$(pwd)",
		"export ORG_PWD=$(pwd)",
		fmt.Sprintf("export NB_CORE=%d", e.Doc.JobCores),
		fmt.Sprintf("wget https://github.com/%s/tarball/%s -O genproductions.tar.gz", repository, branch),
		"tar -xzf genproductions.tar.gz",
		fmt.Sprintf("GEN_FOLDER=$(ls -1 | grep %s- | head -n 1)", strings.ReplaceAll(repository, "/", "-")),
		"echo $GEN_FOLDER",
		"mv $GEN_FOLDER genproductions",
		"cd genproductions",
		"git init",
		"cd ..",
		fmt.Sprintf("mv input_files.tar.gz genproductions/bin/%s/", generator),
		fmt.Sprintf("cd genproductions/bin/%s", generator),
		"tar -xzf input_files.tar.gz",
		`echo "Input files:"`,
		"ls -lha input_files/",
		`echo "Running gridpack_generation.sh"`,
		// Run on the pdmv queue
		fmt.Sprintf("./gridpack_generation.sh %s input_files pdmv", dataset),
		`echo ".t*z archives after gridpack_generation.sh:"`,
		"ls -lha *.t*z",
		fmt.Sprintf("mv *%s*.t*z $ORG_PWD", dataset),
	}

	// Everything after the download runs inside the container
	const outsideIndex = 5
	wrapperName := fmt.Sprintf("GRIDPACK_SINGULARITY_%s.sh", e.Doc.ID)
	script := append([]string{}, command[:outsideIndex]...)
	script = append(script, wrapIntoSingularity(wrapperName, command[outsideIndex:], containerOS)...)
	return strings.Join(script, "\n")
}

// WriteScript writes the batch script into the local working directory
func (e *Entity) WriteScript() error {
	path := filepath.Join(e.LocalDir(), e.ScriptName())
	e.logger.Debug().Str("path", path).Msg("Writing batch script")
	if err := os.WriteFile(path, []byte(e.Script()), 0755); err != nil {
		return fmt.Errorf("failed to write batch script: %w", err)
	}
	return nil
}

// wrapIntoSingularity wraps the given instructions into a subscript
// executed via a Singularity cmssw container. The subscript is emitted
// through a heredoc, made executable and run with the afs, cvmfs and
// grid-security binds the generation tooling needs.
func wrapIntoSingularity(scriptName string, content []string, desiredOS string) []string {
	const placeholder = "EndOfSingularityWrapper"

	singularityRun := "singularity run " +
		"-B /afs -B /cvmfs -B /etc/grid-security -B /etc/pki/ca-trust " +
		"--no-home " + containerRegistry + "/$CONTAINER_NAME " +
		fmt.Sprintf("$(echo $(pwd)/%s)", scriptName)

	wrapped := []string{
		"",
		fmt.Sprintf("cat <<'%s' > %s", placeholder, scriptName),
	}
	wrapped = append(wrapped, content...)
	wrapped = append(wrapped,
		"",
		fmt.Sprintf("# End of %s file", scriptName),
		placeholder,
		"",
		fmt.Sprintf("# Make %s file executable", scriptName),
		fmt.Sprintf("chmod +x %s", scriptName),
		"",
		"# Check the proper tag for the architecture",
		fmt.Sprintf(`if [ -e "%s/%s:amd64" ]; then`, containerRegistry, desiredOS),
		fmt.Sprintf(`  CONTAINER_NAME="%s:amd64"`, desiredOS),
		fmt.Sprintf(`elif [ -e "%s/%s:x86_64" ]; then`, containerRegistry, desiredOS),
		fmt.Sprintf(`  CONTAINER_NAME="%s:x86_64"`, desiredOS),
		"else",
		fmt.Sprintf(`  echo "Could not find amd64 or x86_64 for %s"`, desiredOS),
		"  exit 1",
		"fi",
		"",
		"# Running into a singularity container",
		`export SINGULARITY_CACHEDIR="/tmp/$(whoami)/singularity"`,
		singularityRun,
		"",
	)
	return wrapped
}
