package fragment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cms-pdmv/gridpack-machine/pkg/gridpack"
	"github.com/cms-pdmv/gridpack-machine/pkg/types"
)

const (
	testCampaign = "Run3Summer23"
	testProcess  = "Dijet"
	testDataset  = "Dijet_Pt_50To100_madgraph"
)

// writeTree lays out the fragment side of a GridpackFiles checkout
func writeTree(t *testing.T, dataset, campaign map[string]any) string {
	t.Helper()
	root := t.TempDir()

	fragmentsDir := filepath.Join(root, "Fragments")
	require.NoError(t, os.MkdirAll(fragmentsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(fragmentsDir, "Pythia8_snippet.py"),
		[]byte("import FWCore.ParameterSet.Config as cms\n\n"+
			"args = cms.vstring('$pathToProducedGridpack'),\n"+
			"comEnergy = cms.double($comEnergy),\n"+
			"$tuneImport\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(fragmentsDir, "Filter_snippet.py"),
		[]byte("filterEfficiency = cms.untracked.double($filterEff),\n"), 0644))
	writeJSON(t, filepath.Join(fragmentsDir, "imports.json"), map[string]any{
		"tune": map[string]any{
			"CP5": "from Configuration.Generator.MCTunesRun3ECM13p6TeV.PythiaCP5Settings_cfi import *",
		},
	})

	campaignDir := filepath.Join(root, "Campaigns", testCampaign)
	require.NoError(t, os.MkdirAll(campaignDir, 0755))
	writeJSON(t, filepath.Join(campaignDir, testCampaign+".json"), campaign)

	cardsDir := filepath.Join(root, "Cards", "MadGraph5_aMCatNLO", testProcess, testDataset)
	require.NoError(t, os.MkdirAll(cardsDir, 0755))
	writeJSON(t, filepath.Join(cardsDir, testDataset+".json"), dataset)

	return root
}

func writeJSON(t *testing.T, path string, value any) {
	t.Helper()
	data, err := json.Marshal(value)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func testEntity(t *testing.T, filesDir, archiveAbsolute string) *gridpack.Entity {
	t.Helper()
	doc := &types.Gridpack{
		ID:              "1700000000001",
		Campaign:        testCampaign,
		Generator:       "MadGraph5_aMCatNLO",
		Process:         testProcess,
		Dataset:         testDataset,
		Tune:            "CP5",
		Archive:         filepath.Base(archiveAbsolute),
		ArchiveAbsolute: archiveAbsolute,
	}
	entity, err := gridpack.New(doc, gridpack.Environment{
		FilesDir:    filesDir,
		StorageRoot: "/store/gridpacks",
	})
	require.NoError(t, err)
	return entity
}

func TestBuild(t *testing.T) {
	dataset := map[string]any{
		"fragment":      "Pythia8_snippet.py",
		"fragment_vars": map[string]any{},
	}
	campaign := map[string]any{"beam": 6800.0}
	files := writeTree(t, dataset, campaign)

	builder := NewBuilder(files)
	fragment, err := builder.Build(testEntity(t, files, "/store/gridpacks/some.tar.xz"))
	assert.NoError(t, err)
	assert.Contains(t, fragment, "args = cms.vstring('/store/gridpacks/some.tar.xz'),")
	assert.Contains(t, fragment, "comEnergy = cms.double(13600),")
	assert.Contains(t, fragment,
		"from Configuration.Generator.MCTunesRun3ECM13p6TeV.PythiaCP5Settings_cfi import *")
}

func TestBuildSnippetList(t *testing.T) {
	dataset := map[string]any{
		"fragment":      []any{"Pythia8_snippet.py", "Filter_snippet.py"},
		"fragment_vars": map[string]any{"filterEff": 0.29},
	}
	campaign := map[string]any{"beam": 6800.0}
	files := writeTree(t, dataset, campaign)

	builder := NewBuilder(files)
	fragment, err := builder.Build(testEntity(t, files, "/store/gridpacks/some.tar.xz"))
	assert.NoError(t, err)
	// Snippets concatenate in order, separated by blank lines
	first := "import FWCore.ParameterSet.Config as cms"
	second := "filterEfficiency = cms.untracked.double(0.29),"
	assert.Contains(t, fragment, first)
	assert.Contains(t, fragment, second)
	assert.Less(t, strings.Index(fragment, first), strings.Index(fragment, second))
}

func TestBuildRewritesStoragePrefix(t *testing.T) {
	dataset := map[string]any{
		"fragment":      "Pythia8_snippet.py",
		"fragment_vars": map[string]any{},
	}
	campaign := map[string]any{"beam": 6800.0}
	files := writeTree(t, dataset, campaign)

	// Production artifacts live under the EOS folder synchronized to
	// cvmfs; fragments must point at the cvmfs copy
	eos := "/eos/cms/store/group/phys_generator/cvmfs/gridpacks/PdmV/Run3Summer23/some.tar.xz"
	builder := NewBuilder(files)
	fragment, err := builder.Build(testEntity(t, files, eos))
	assert.NoError(t, err)
	assert.Contains(t, fragment,
		"/cvmfs/cms.cern.ch/phys_generator/gridpacks/PdmV/Run3Summer23/some.tar.xz")
	assert.NotContains(t, fragment, "/eos/cms/store")
}

func TestBuildUnknownTune(t *testing.T) {
	dataset := map[string]any{
		"fragment":      "Pythia8_snippet.py",
		"fragment_vars": map[string]any{},
	}
	campaign := map[string]any{"beam": 6800.0}
	files := writeTree(t, dataset, campaign)

	entity := testEntity(t, files, "/store/gridpacks/some.tar.xz")
	entity.Doc.Tune = "CUETP8M1"
	_, err := NewBuilder(files).Build(entity)
	assert.ErrorContains(t, err, "unknown tune")
}
