// Package gridpack implements the gridpack entity: schema validation,
// computed paths, card preparation, batch scripts and job descriptions.
// Generator-specific behavior is dispatched at construction time from
// the generator field.
package gridpack

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cms-pdmv/gridpack-machine/pkg/log"
	"github.com/cms-pdmv/gridpack-machine/pkg/types"
	"github.com/cms-pdmv/gridpack-machine/pkg/user"
)

// Supported generators
const (
	GeneratorMadGraph = "MadGraph5_aMCatNLO"
	GeneratorPowheg   = "Powheg"
)

// ErrNoReuse signals that the dataset descriptor does not request
// artifact reuse and a batch job should be submitted
var ErrNoReuse = fmt.Errorf("dataset does not request gridpack reuse")

// Environment carries the deployment-level inputs an entity needs to
// compute its paths and scripts
type Environment struct {
	// FilesDir is the local GridpackFiles checkout
	FilesDir string
	// StorageRoot is the remote folder where produced artifacts land
	StorageRoot string
	// GenRepository is the GitHub id of the generator productions repo
	GenRepository string
	// WorkRoot is the local working directory root
	WorkRoot string
	// CAF selects the CMS CAF HTCondor pool
	CAF bool
}

// Catalog resolves the coordinates a gridpack is validated against
type Catalog interface {
	// Branches lists the upstream generator-productions branches
	Branches() []string
	// CampaignGenerators lists the generators available in a campaign
	CampaignGenerators(campaign string) ([]string, bool)
	// Datasets lists the datasets of a generator process
	Datasets(generator, process string) ([]string, bool)
}

// builder covers the generator-specific part of input preparation
type builder interface {
	// RunCard renders the customized run card text
	RunCard() (string, error)
	// CustomizeCard renders the customized model-parameters card text
	CustomizeCard() (string, error)
	// prepareJobFiles writes all generator input files into dir
	prepareJobFiles(dir string) error
}

// Entity wraps a gridpack document with behavior
type Entity struct {
	Doc *types.Gridpack

	env      Environment
	builder  builder
	logger   zerolog.Logger
	dataset  map[string]any
	campaign map[string]any
}

// New builds an entity for the document, dispatching on its generator.
// Unknown generators refuse construction.
func New(doc *types.Gridpack, env Environment) (*Entity, error) {
	doc.ApplyDefaults()
	e := &Entity{
		Doc:    doc,
		env:    env,
		logger: log.WithGridpackID(doc.ID),
	}

	switch doc.Generator {
	case GeneratorMadGraph:
		e.builder = &madgraphBuilder{e: e}
	case GeneratorPowheg:
		e.builder = &powhegBuilder{e: e}
	default:
		return nil, fmt.Errorf("could not make gridpack for generator %q", doc.Generator)
	}

	return e, nil
}

func (e *Entity) String() string {
	return fmt.Sprintf("Gridpack <%s> campaign=%s dataset=%s generator=%s status=%s condor=%s (%d)",
		e.Doc.ID, e.Doc.Campaign, e.Doc.Dataset, e.Doc.Generator,
		e.Doc.Status, e.Doc.CondorStatus, e.Doc.CondorID)
}

// Validate checks the document against the catalog and the resource
// floor. The returned error carries the user-facing cause.
func (e *Entity) Validate(catalog Catalog) error {
	if !contains(catalog.Branches(), e.Doc.Genproductions) {
		return fmt.Errorf("bad GEN productions branch %q", e.Doc.Genproductions)
	}

	if e.Doc.Events <= 0 {
		return fmt.Errorf("bad events %d", e.Doc.Events)
	}

	generators, ok := catalog.CampaignGenerators(e.Doc.Campaign)
	if !ok {
		return fmt.Errorf("bad campaign %q", e.Doc.Campaign)
	}
	if !contains(generators, e.Doc.Generator) {
		return fmt.Errorf("bad generator %q", e.Doc.Generator)
	}

	datasets, ok := catalog.Datasets(e.Doc.Generator, e.Doc.Process)
	if !ok {
		return fmt.Errorf("bad process %q", e.Doc.Process)
	}
	if !contains(datasets, e.Doc.Dataset) {
		return fmt.Errorf("bad dataset %q", e.Doc.Dataset)
	}

	minimum := e.Doc.JobCores * types.MemoryFactorMB
	if e.Doc.JobMemory < minimum {
		return fmt.Errorf("memory set for gridpack should be equal or greater than %d MB", minimum)
	}

	return nil
}

// Reset returns the document to the new state so it can be submitted
// again. The dataset name is recomputed from the current coordinates.
func (e *Entity) Reset() error {
	datasetName, err := e.DatasetName()
	if err != nil {
		return err
	}
	e.Doc.Status = types.StatusNew
	e.Doc.Archive = ""
	e.Doc.ArchiveAbsolute = ""
	e.Doc.GridpackReused = ""
	e.Doc.DatasetName = datasetName
	e.Doc.CondorStatus = types.CondorNone
	e.Doc.CondorID = 0
	return nil
}

// AddHistory appends an audit record attributed to the given user
func (e *Entity) AddHistory(u user.User, action string) {
	e.Doc.History = append(e.Doc.History, types.HistoryEntry{
		User:   u.Username,
		Time:   time.Now().Unix(),
		Action: strings.TrimSpace(action),
	})
}

// ClearResources removes user-set cores and memory when the gridpack
// reuses an existing artifact and no job will run
func (e *Entity) ClearResources() {
	e.Doc.JobCores = 0
	e.Doc.JobMemory = 0
}

// DatasetName derives the full dataset name from dataset, tune and the
// campaign beam energy, e.g. Dataset_TuneCP5_13p6TeV_suffix
func (e *Entity) DatasetName() (string, error) {
	campaign, err := e.CampaignDict()
	if err != nil {
		return "", err
	}

	energy := numberValue(campaign["beam"]) * 2 / 1000
	formatted := fmt.Sprintf("%.2f", energy)
	formatted = strings.TrimRight(formatted, ".0")
	formatted = strings.ReplaceAll(formatted, ".", "p")
	tuneEnergy := fmt.Sprintf("Tune%s_%sTeV", e.Doc.Tune, formatted)

	parts := strings.Split(e.Doc.Dataset, "_")
	last := parts[len(parts)-1]
	parts[len(parts)-1] = tuneEnergy
	parts = append(parts, last)
	return strings.Join(parts, "_"), nil
}

// DatasetDict loads and caches the dataset descriptor
func (e *Entity) DatasetDict() (map[string]any, error) {
	if e.dataset != nil {
		return e.dataset, nil
	}
	path := filepath.Join(e.CardsPath(), e.Doc.Dataset+".json")
	dict, err := readJSON(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset descriptor: %w", err)
	}
	e.dataset = dict
	return dict, nil
}

// CampaignDict loads and caches the campaign descriptor
func (e *Entity) CampaignDict() (map[string]any, error) {
	if e.campaign != nil {
		return e.campaign, nil
	}
	path := filepath.Join(e.CampaignPath(), e.Doc.Campaign+".json")
	dict, err := readJSON(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign descriptor: %w", err)
	}
	e.campaign = dict
	return dict, nil
}

// CardsPath is the dataset card directory
func (e *Entity) CardsPath() string {
	return filepath.Join(e.env.FilesDir, "Cards", e.Doc.Generator, e.Doc.Process, e.Doc.Dataset)
}

// CampaignPath is the campaign descriptor directory
func (e *Entity) CampaignPath() string {
	return filepath.Join(e.env.FilesDir, "Campaigns", e.Doc.Campaign)
}

// TemplatesPath is the run card template directory
func (e *Entity) TemplatesPath() string {
	return filepath.Join(e.CampaignPath(), e.Doc.Generator, "Templates")
}

// ModelParamsPath is the model parameters directory
func (e *Entity) ModelParamsPath() string {
	return filepath.Join(e.CampaignPath(), e.Doc.Generator, "ModelParams")
}

// LocalDir is the local working directory of the gridpack
func (e *Entity) LocalDir() string {
	dir, err := filepath.Abs(filepath.Join(e.env.WorkRoot, e.Doc.ID))
	if err != nil {
		return filepath.Join(e.env.WorkRoot, e.Doc.ID)
	}
	return dir
}

// JobFilesPath is where the generator input files are assembled
func (e *Entity) JobFilesPath() string {
	return filepath.Join(e.LocalDir(), "input_files")
}

// Mkdir creates the local working directory
func (e *Entity) Mkdir() error {
	return os.MkdirAll(e.LocalDir(), 0755)
}

// Rmdir removes the local working directory
func (e *Entity) Rmdir() {
	os.RemoveAll(e.LocalDir())
}

// remoteStorageFolder builds the storage folder including the first
// includeUntil elements of campaign/generator/process
func (e *Entity) remoteStorageFolder(includeUntil int) (string, error) {
	elements := []string{e.Doc.Campaign, e.Doc.Generator, e.Doc.Process}
	subpath := strings.Join(elements[:includeUntil], "/")
	return JoinUnder(e.env.StorageRoot, subpath)
}

// RemoteStoragePath is the destination folder for the produced
// artifact, partitioned further when store_into_subfolders is set
func (e *Entity) RemoteStoragePath() (string, error) {
	if e.Doc.StoreIntoSubfolders {
		return e.remoteStorageFolder(3)
	}
	return e.remoteStorageFolder(1)
}

// ReusableGridpackPath resolves the storage location of the artifact
// this request intends to reuse. ErrNoReuse means the dataset does not
// request reuse and a batch job should run; any other error means
// reuse was requested but cannot proceed.
func (e *Entity) ReusableGridpackPath() (string, error) {
	dataset, err := e.DatasetDict()
	if err != nil {
		return "", err
	}

	submit, isBool := dataset["gridpack_submit"].(bool)
	if !isBool || submit {
		return "", ErrNoReuse
	}

	relative, _ := dataset["gridpack_path"].(string)
	if relative == "" {
		return "", fmt.Errorf("gridpack path to reuse was not provided")
	}

	// The path is relative to the campaign/generator storage folder
	root, err := e.remoteStorageFolder(2)
	if err != nil {
		return "", err
	}
	joined, err := JoinUnder(root, relative)
	if err != nil {
		return "", fmt.Errorf("error parsing path: %w", err)
	}
	return joined, nil
}

// AbsolutePath returns the absolute remote path of the produced
// artifact, deriving and recording it from the archive name on first use
func (e *Entity) AbsolutePath() (string, error) {
	if e.Doc.ArchiveAbsolute == "" && e.Doc.Archive != "" {
		storage, err := e.RemoteStoragePath()
		if err != nil {
			return "", err
		}
		absolute, err := JoinUnder(storage, e.Doc.Archive)
		if err != nil {
			return "", err
		}
		e.Doc.ArchiveAbsolute = absolute
	}
	return e.Doc.ArchiveAbsolute, nil
}

// PrepareJobArchive writes all generator input files and produces
// input_files.tar.gz in the local working directory
func (e *Entity) PrepareJobArchive() error {
	jobFiles := e.JobFilesPath()
	if err := os.MkdirAll(jobFiles, 0755); err != nil {
		return fmt.Errorf("failed to create job files directory: %w", err)
	}
	if err := e.builder.prepareJobFiles(jobFiles); err != nil {
		return err
	}
	return e.buildArchive()
}

// RunCard renders the customized run card
func (e *Entity) RunCard() (string, error) {
	return e.builder.RunCard()
}

// CustomizeCard renders the customized model-parameters card
func (e *Entity) CustomizeCard() (string, error) {
	return e.builder.CustomizeCard()
}

func readJSON(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dict map[string]any
	if err := json.Unmarshal(data, &dict); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return dict, nil
}

func contains(values []string, wanted string) bool {
	for _, v := range values {
		if v == wanted {
			return true
		}
	}
	return false
}

// numberValue coerces a decoded JSON value to float64
func numberValue(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// stringList coerces a decoded JSON array to strings
func stringList(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	list := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			list = append(list, s)
		}
	}
	return list
}

// mapValue returns a copy of a nested JSON object
func mapValue(dict map[string]any, key string) map[string]any {
	result := map[string]any{}
	nested, ok := dict[key].(map[string]any)
	if !ok {
		return result
	}
	for k, v := range nested {
		result[k] = v
	}
	return result
}
