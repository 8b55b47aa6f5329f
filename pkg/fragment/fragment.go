// Package fragment synthesizes the Monte-Carlo configuration fragment
// submitted with downstream requests. A fragment is a pure function of
// the dataset descriptor, the campaign descriptor, the tune imports
// table and the produced artifact path.
package fragment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cms-pdmv/gridpack-machine/pkg/gridpack"
)

// Gridpacks under the GEN production folder are synchronized to /cvmfs;
// fragments must reference the /cvmfs copy.
const (
	eosPrefix   = "/eos/cms/store/group/phys_generator/cvmfs/gridpacks/"
	cvmfsPrefix = "/cvmfs/cms.cern.ch/phys_generator/gridpacks/"
)

// Builder assembles fragments from the snippet files in the
// GridpackFiles checkout
type Builder struct {
	// FilesDir is the local GridpackFiles checkout
	FilesDir string
}

// NewBuilder creates a fragment builder over the given checkout
func NewBuilder(filesDir string) *Builder {
	return &Builder{FilesDir: filesDir}
}

func (b *Builder) fragmentsPath() string {
	return filepath.Join(b.FilesDir, "Fragments")
}

// Build concatenates the snippet files named by the dataset descriptor
// and substitutes the merged variables
func (b *Builder) Build(entity *gridpack.Entity) (string, error) {
	dataset, err := entity.DatasetDict()
	if err != nil {
		return "", err
	}

	var fileList []string
	switch v := dataset["fragment"].(type) {
	case string:
		fileList = []string{v}
	case []any:
		for _, item := range v {
			if name, ok := item.(string); ok {
				fileList = append(fileList, name)
			}
		}
	}

	var fragment strings.Builder
	for _, name := range fileList {
		data, err := os.ReadFile(filepath.Join(b.fragmentsPath(), name))
		if err != nil {
			return "", fmt.Errorf("failed to read fragment snippet %s: %w", name, err)
		}
		fragment.WriteString(strings.TrimSpace(string(data)))
		fragment.WriteString("\n\n")
	}

	return b.replace(fragment.String(), entity)
}

// replace merges dataset, campaign, tune and artifact variables and
// substitutes them into the fragment text
func (b *Builder) replace(fragment string, entity *gridpack.Entity) (string, error) {
	imports, err := b.imports()
	if err != nil {
		return "", err
	}

	dataset, err := entity.DatasetDict()
	if err != nil {
		return "", err
	}
	campaign, err := entity.CampaignDict()
	if err != nil {
		return "", err
	}

	vars := map[string]any{}
	if nested, ok := dataset["fragment_vars"].(map[string]any); ok {
		for k, v := range nested {
			vars[k] = v
		}
	}
	if nested, ok := campaign["fragment_vars"].(map[string]any); ok {
		for k, v := range nested {
			vars[k] = v
		}
	}

	tune := entity.Doc.Tune
	beam, _ := campaign["beam"].(float64)
	vars["tuneName"] = tune
	vars["comEnergy"] = beam * 2

	tuneTable, ok := imports["tune"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("tune imports table is missing")
	}
	tuneImport, ok := tuneTable[tune]
	if !ok {
		return "", fmt.Errorf("unknown tune %q in imports table", tune)
	}
	vars["tuneImport"] = tuneImport

	archivePath, err := entity.AbsolutePath()
	if err != nil {
		return "", err
	}
	vars["pathToProducedGridpack"] = strings.Replace(archivePath, eosPrefix, cvmfsPrefix, 1)

	return gridpack.Substitute(fragment, vars), nil
}

// imports loads the global tune imports table
func (b *Builder) imports() (map[string]any, error) {
	path := filepath.Join(b.fragmentsPath(), "imports.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read imports table: %w", err)
	}
	var imports map[string]any
	if err := json.Unmarshal(data, &imports); err != nil {
		return nil, fmt.Errorf("failed to parse imports table: %w", err)
	}
	return imports, nil
}
