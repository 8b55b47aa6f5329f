// Package controller orchestrates the gridpack lifecycle: it owns the
// FIFO action queues, runs the periodic tick that drives every state
// transition and is the only writer of gridpack documents.
package controller

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cms-pdmv/gridpack-machine/pkg/config"
	"github.com/cms-pdmv/gridpack-machine/pkg/events"
	"github.com/cms-pdmv/gridpack-machine/pkg/fragment"
	"github.com/cms-pdmv/gridpack-machine/pkg/gridpack"
	"github.com/cms-pdmv/gridpack-machine/pkg/log"
	"github.com/cms-pdmv/gridpack-machine/pkg/notify"
	"github.com/cms-pdmv/gridpack-machine/pkg/ssh"
	"github.com/cms-pdmv/gridpack-machine/pkg/storage"
	"github.com/cms-pdmv/gridpack-machine/pkg/types"
	"github.com/cms-pdmv/gridpack-machine/pkg/user"
)

// quietPeriod is the cooldown at the end of every tick
const quietPeriod = 3 * time.Second

// SessionFactory opens a fresh remote session on the submission host
type SessionFactory func() ssh.Session

// Controller drives gridpacks through their lifecycle. All writes to
// the document store happen here; API handlers only enqueue intents.
type Controller struct {
	cfg       *config.Config
	store     storage.Store
	catalog   gridpack.Catalog
	fragments *fragment.Builder
	composer  *notify.Composer
	broker    *events.Broker
	env       gridpack.Environment
	logger    zerolog.Logger

	// NewSession opens a plain session, NewCondorSession one with the
	// HTCondor environment loaded. Both are replaceable in tests.
	NewSession       SessionFactory
	NewCondorSession SessionFactory

	// QuietPeriod is the cooldown slept at the end of each tick
	QuietPeriod time.Duration

	tickMu   sync.Mutex
	lastTick int64

	queueMu          sync.Mutex
	toDelete         []string
	toReset          []string
	toReuse          []string
	toApprove        []string
	toCreateRequests []string
}

// NewController wires a controller over its collaborators
func NewController(cfg *config.Config, store storage.Store, catalog gridpack.Catalog,
	broker *events.Broker) *Controller {

	executor := ssh.NewExecutor(cfg.SubmissionHost, cfg.ServiceAccountUsername,
		cfg.ServiceAccountPassword)
	condorExecutor := &ssh.CondorExecutor{Executor: executor, CAF: cfg.UseHTCondorCAF}

	return &Controller{
		cfg:       cfg,
		store:     store,
		catalog:   catalog,
		fragments: fragment.NewBuilder(cfg.GridpackFilesPath),
		composer:  notify.NewComposer(cfg.ServiceURL),
		broker:    broker,
		env: gridpack.Environment{
			FilesDir:      cfg.GridpackFilesPath,
			StorageRoot:   cfg.StorageRoot(),
			GenRepository: cfg.GenRepository,
			WorkRoot:      cfg.DataDirectory,
			CAF:           cfg.UseHTCondorCAF,
		},
		logger:           log.WithComponent("controller"),
		NewSession:       executor.NewSession,
		NewCondorSession: condorExecutor.NewSession,
		QuietPeriod:      quietPeriod,
	}
}

func (c *Controller) entity(doc *types.Gridpack) (*gridpack.Entity, error) {
	return gridpack.New(doc, c.env)
}

// Create validates and stores a new gridpack, assigning it a
// millisecond timestamp id. The returned error carries the
// user-facing validation cause.
func (c *Controller) Create(doc *types.Gridpack, u user.User) (string, error) {
	entity, err := c.entity(doc)
	if err != nil {
		return "", err
	}
	if err := entity.Validate(c.catalog); err != nil {
		return "", err
	}

	doc.ID = fmt.Sprintf("%d", time.Now().UnixMilli())
	doc.StoreIntoSubfolders = true
	if err := entity.Reset(); err != nil {
		return "", err
	}
	doc.History = []types.HistoryEntry{}
	entity.AddHistory(u, "created")

	if err := c.store.Create(doc); err != nil {
		return "", err
	}
	c.logger.Info().Str("gridpack_id", doc.ID).Msg("Gridpack was created")
	return doc.ID, nil
}

// Approve routes a gridpack either to the approve queue or, when its
// dataset requests artifact reuse, to the reuse probe queue. A broken
// reuse request fails the gridpack right away.
func (c *Controller) Approve(gridpackID string) error {
	doc, err := c.store.Get(gridpackID)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("gridpack %s does not exist", gridpackID)
	}

	entity, err := c.entity(doc)
	if err != nil {
		return err
	}

	_, err = entity.ReusableGridpackPath()
	switch {
	case err == nil:
		c.logger.Info().Str("gridpack_id", gridpackID).
			Msg("Checking if gridpack can reuse old artifacts")
		c.enqueue(&c.toReuse, gridpackID)
	case errors.Is(err, gridpack.ErrNoReuse):
		c.logger.Info().Str("gridpack_id", gridpackID).Msg("Adding to approve list")
		c.enqueue(&c.toApprove, gridpackID)
	default:
		c.processFailedReuse(entity, err)
	}
	return nil
}

// Reset enqueues a gridpack reset
func (c *Controller) Reset(gridpackID string) {
	c.logger.Info().Str("gridpack_id", gridpackID).Msg("Adding to reset list")
	c.enqueue(&c.toReset, gridpackID)
}

// Delete enqueues a gridpack deletion
func (c *Controller) Delete(gridpackID string) {
	c.logger.Info().Str("gridpack_id", gridpackID).Msg("Adding to delete list")
	c.enqueue(&c.toDelete, gridpackID)
}

// CreateRequest enqueues downstream request creation
func (c *Controller) CreateRequest(gridpackID string) {
	c.logger.Info().Str("gridpack_id", gridpackID).Msg("Adding to create request list")
	c.enqueue(&c.toCreateRequests, gridpackID)
}

// ForceRequest creates a downstream request immediately, outside the
// tick. It refuses gridpacks that are not done or already have one.
func (c *Controller) ForceRequest(gridpackID string) error {
	doc, err := c.store.Get(gridpackID)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("cannot force a request for %s because it is not in database", gridpackID)
	}
	if doc.Status != types.StatusDone {
		return fmt.Errorf("cannot force a request for %s because its status is not done", gridpackID)
	}
	if doc.Prepid != "" {
		return fmt.Errorf("cannot force a request for %s because it has already a valid request in McM", gridpackID)
	}

	entity, err := c.entity(doc)
	if err != nil {
		return err
	}
	c.logger.Info().Str("gridpack_id", gridpackID).Msg("Forcing a request creation")
	entity.AddHistory(user.Automatic(), "force request")
	c.createMcMRequest(entity)
	return c.store.Update(doc)
}

// Get fetches a gridpack document, nil when it does not exist
func (c *Controller) Get(gridpackID string) (*types.Gridpack, error) {
	return c.store.Get(gridpackID)
}

// List returns a page of gridpacks and the total count
func (c *Controller) List(page, limit int) ([]*types.Gridpack, int, error) {
	return c.store.List(page, limit)
}

// LastTick returns the unix time the last tick completed
func (c *Controller) LastTick() int64 {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.lastTick
}

// OriginalGridpack resolves the document that produced the artifact a
// gridpack consumed, following gridpack_reused. Gridpacks that did not
// reuse anything resolve to themselves.
func (c *Controller) OriginalGridpack(gridpackID string) (*types.Gridpack, error) {
	doc, err := c.store.Get(gridpackID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("there is no gridpack linked to the id %s", gridpackID)
	}
	if doc.GridpackReused == "" {
		return doc, nil
	}

	original, err := c.store.Get(doc.GridpackReused)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, fmt.Errorf("could not retrieve the data for the original gridpack "+
			"that performed the submission, gridpack id %s", gridpackID)
	}
	return original, nil
}

// labelArtifact prepends the related gridpack ids to a served artifact
func labelArtifact(requestedID, effectiveID, content string) string {
	labeled := fmt.Sprintf("# Related to Gridpack ID: %s\n", effectiveID)
	if requestedID != effectiveID {
		labeled += fmt.Sprintf("# Gridpack that reused this artifact: %s\n", requestedID)
	}
	return labeled + "\n" + content
}

// FragmentText renders the labeled fragment of a gridpack, using the
// producing document when the gridpack reused an artifact
func (c *Controller) FragmentText(gridpackID string) (string, error) {
	original, err := c.OriginalGridpack(gridpackID)
	if err != nil {
		return "", err
	}
	entity, err := c.entity(original)
	if err != nil {
		return "", err
	}
	text, err := c.fragments.Build(entity)
	if err != nil {
		return "", err
	}
	return labelArtifact(gridpackID, original.ID, text), nil
}

// RunCard renders the labeled run card of a gridpack
func (c *Controller) RunCard(gridpackID string) (string, error) {
	original, err := c.OriginalGridpack(gridpackID)
	if err != nil {
		return "", err
	}
	entity, err := c.entity(original)
	if err != nil {
		return "", err
	}
	text, err := entity.RunCard()
	if err != nil {
		return "", err
	}
	return labelArtifact(gridpackID, original.ID, text), nil
}

// CustomizeCard renders the labeled model-parameters card of a gridpack
func (c *Controller) CustomizeCard(gridpackID string) (string, error) {
	original, err := c.OriginalGridpack(gridpackID)
	if err != nil {
		return "", err
	}
	entity, err := c.entity(original)
	if err != nil {
		return "", err
	}
	text, err := entity.CustomizeCard()
	if err != nil {
		return "", err
	}
	return labelArtifact(gridpackID, original.ID, text), nil
}

func (c *Controller) enqueue(queue *[]string, gridpackID string) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	*queue = append(*queue, gridpackID)
}

// drain empties a queue, returning its contents in FIFO order
func (c *Controller) drain(queue *[]string) []string {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	drained := *queue
	*queue = nil
	return drained
}

// zipAttachment packs the existing files among paths into an in-memory
// zip. Attachments are captured before local directories are removed.
func zipAttachment(name string, paths []string) *notify.Attachment {
	var existing []string
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for _, path := range existing {
		source, err := os.Open(path)
		if err != nil {
			continue
		}
		target, err := writer.Create(filepath.Base(path))
		if err == nil {
			io.Copy(target, source)
		}
		source.Close()
	}
	if err := writer.Close(); err != nil {
		return nil
	}

	return &notify.Attachment{Name: name, Data: buffer.Bytes()}
}

func joinIDs(docs []*types.Gridpack) string {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return strings.Join(ids, ",")
}
