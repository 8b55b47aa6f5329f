package controller

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cms-pdmv/gridpack-machine/pkg/condor"
	"github.com/cms-pdmv/gridpack-machine/pkg/events"
	"github.com/cms-pdmv/gridpack-machine/pkg/gridpack"
	"github.com/cms-pdmv/gridpack-machine/pkg/metrics"
	"github.com/cms-pdmv/gridpack-machine/pkg/notify"
	"github.com/cms-pdmv/gridpack-machine/pkg/ssh"
	"github.com/cms-pdmv/gridpack-machine/pkg/types"
	"github.com/cms-pdmv/gridpack-machine/pkg/user"
)

// Tick runs one full pass over all pending work. Ticks are serialized
// and followed by a short cooldown so bursts of API calls coalesce.
func (c *Controller) Tick() {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.logger.Info().Msg("Controller tick start")
	start := time.Now()
	c.internalTick()
	duration := time.Since(start)

	c.queueMu.Lock()
	c.lastTick = time.Now().Unix()
	c.queueMu.Unlock()

	metrics.TicksTotal.Inc()
	metrics.TickDuration.Observe(duration.Seconds())
	c.updateStatusGauge()
	c.logger.Info().Dur("duration", duration).Msg("Tick completed")

	time.Sleep(c.QuietPeriod)
}

func (c *Controller) internalTick() {
	if toDelete := c.drain(&c.toDelete); len(toDelete) > 0 {
		c.logger.Info().Strs("ids", toDelete).Msg("Gridpacks to delete")
		for _, gridpackID := range toDelete {
			c.deleteGridpack(gridpackID)
		}
	}

	if toReset := c.drain(&c.toReset); len(toReset) > 0 {
		c.logger.Info().Strs("ids", toReset).Msg("Gridpacks to reset")
		for _, gridpackID := range toReset {
			c.resetGridpack(gridpackID)
		}
	}

	if toReuse := c.drain(&c.toReuse); len(toReuse) > 0 {
		c.logger.Info().Strs("ids", toReuse).Msg("Gridpacks that could reuse output")
		session := c.NewSession()
		for _, gridpackID := range toReuse {
			c.reuseGridpack(gridpackID, session)
		}
		session.Close()
	}

	if toApprove := c.drain(&c.toApprove); len(toApprove) > 0 {
		c.logger.Info().Strs("ids", toApprove).Msg("Gridpacks to approve")
		for _, gridpackID := range toApprove {
			c.approveGridpack(gridpackID)
		}
	}

	c.checkRunningGridpacks()

	if toCreate := c.drain(&c.toCreateRequests); len(toCreate) > 0 {
		c.logger.Info().Strs("ids", toCreate).Msg("Gridpacks to create requests")
		for _, gridpackID := range toCreate {
			c.createRequestForGridpack(gridpackID)
		}
	}

	c.submitApprovedGridpacks()
}

// checkRunningGridpacks polls the scheduler queue once and routes every
// in-flight gridpack from the observed job status
func (c *Controller) checkRunningGridpacks() {
	inFlight, err := c.store.ByStatus(types.StatusSubmitted, types.StatusRunning,
		types.StatusFinishing)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list in-flight gridpacks")
		return
	}
	c.logger.Info().Str("ids", joinIDs(inFlight)).Msg("Gridpacks to check")
	if len(inFlight) == 0 {
		return
	}

	session := c.NewCondorSession()
	defer session.Close()

	stdout, _, _, err := session.Execute(condor.QueueCommand)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to query the HTCondor queue")
		return
	}
	jobs, err := condor.ParseQueue(stdout)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to parse the HTCondor queue")
		return
	}

	for _, doc := range inFlight {
		entity, err := c.entity(doc)
		if err != nil {
			c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Broken in-flight gridpack")
			continue
		}
		c.updateCondorStatus(entity, jobs)
		switch doc.CondorStatus {
		case types.CondorDone, types.CondorRemoved:
			c.collectOutput(entity, session)
		case types.CondorRun:
			c.streamJobLog(entity, session)
		}
	}
}

// submitApprovedGridpacks submits every still-approved gridpack
func (c *Controller) submitApprovedGridpacks() {
	approved, err := c.store.ByStatus(types.StatusApproved)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list approved gridpacks")
		return
	}
	c.logger.Info().Str("ids", joinIDs(approved)).Msg("Gridpacks to submit")
	for _, doc := range approved {
		if doc.Status != types.StatusApproved {
			continue
		}
		entity, err := c.entity(doc)
		if err != nil {
			c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Broken approved gridpack")
			continue
		}
		c.submitToCondor(entity)
	}
}

// deleteGridpack terminates the batch job and removes the document and
// the local working directory
func (c *Controller) deleteGridpack(gridpackID string) {
	doc, err := c.store.Get(gridpackID)
	if err != nil || doc == nil {
		return
	}
	entity, err := c.entity(doc)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Cannot delete gridpack")
		return
	}
	c.terminateGridpack(entity)
	if err := c.store.Delete(gridpackID); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Failed to delete gridpack")
		return
	}
	entity.Rmdir()
}

// resetGridpack terminates the batch job and returns the document to
// the new state so it runs again
func (c *Controller) resetGridpack(gridpackID string) {
	doc, err := c.store.Get(gridpackID)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Failed to fetch gridpack")
		return
	}
	if doc == nil {
		c.logger.Error().Str("gridpack_id", gridpackID).
			Msg("Cannot reset gridpack because it is not in database")
		return
	}

	entity, err := c.entity(doc)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Cannot reset gridpack")
		return
	}

	c.logger.Info().Str("gridpack_id", gridpackID).Msg("Resetting gridpack")
	c.terminateGridpack(entity)
	if err := entity.Reset(); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Failed to reset gridpack")
		return
	}
	entity.AddHistory(user.Automatic(), "reset")
	if err := c.store.Update(doc); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Failed to update gridpack")
	}
}

func (c *Controller) approveGridpack(gridpackID string) {
	doc, err := c.store.Get(gridpackID)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Failed to fetch gridpack")
		return
	}
	if doc == nil {
		c.logger.Error().Str("gridpack_id", gridpackID).
			Msg("Cannot approve gridpack because it is not in database")
		return
	}

	entity, err := c.entity(doc)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Cannot approve gridpack")
		return
	}

	c.logger.Info().Str("gridpack_id", gridpackID).Msg("Approving gridpack")
	doc.Status = types.StatusApproved
	entity.AddHistory(user.Automatic(), "approve")
	if err := c.store.Update(doc); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Failed to update gridpack")
	}
}

// terminateGridpack removes the batch job from the scheduler queue
func (c *Controller) terminateGridpack(entity *gridpack.Entity) {
	doc := entity.Doc
	c.logger.Info().Str("gridpack_id", doc.ID).Msg("Trying to terminate gridpack")
	if doc.CondorID <= 0 {
		c.logger.Info().Str("gridpack_id", doc.ID).Int("condor_id", doc.CondorID).
			Msg("Gridpack HTCondor id is not valid")
		return
	}

	session := c.NewCondorSession()
	defer session.Close()
	if _, _, _, err := session.Execute(condor.RemoveCommand(doc.CondorID)); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to remove job")
	}
}

// reuseFileExpr matches "<mtime> <name>" lines of the folder listing
var reuseFileExpr = regexp.MustCompile(`^(\d+)\s+(\S+)$`)

// reuseGridpack scans the reuse target folder and binds the gridpack
// to the newest matching artifact. Missing artifacts, missing listing
// output or any resolution error fail the gridpack.
func (c *Controller) reuseGridpack(gridpackID string, session ssh.Session) {
	doc, err := c.store.Get(gridpackID)
	if err != nil || doc == nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).
			Msg("Cannot probe reuse because the gridpack is not in database")
		return
	}
	entity, err := c.entity(doc)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Cannot probe reuse")
		return
	}

	c.logger.Info().Str("gridpack_id", gridpackID).
		Msg("Checking output gridpacks to reuse")
	reusePath, err := entity.ReusableGridpackPath()
	if err != nil {
		c.processFailedReuse(entity, err)
		return
	}

	folder := path.Dir(reusePath)
	pattern := path.Base(reusePath)
	archiveName, err := c.newestMatchingFile(session, folder, pattern)
	if err != nil {
		c.processFailedReuse(entity, err)
		return
	}

	// The process coordinate of the artifact comes from its folder,
	// not from this request
	related, err := c.store.ByArchive(archiveName, doc.Campaign, doc.Generator,
		path.Base(folder))
	if err != nil {
		c.processFailedReuse(entity, err)
		return
	}
	if len(related) == 0 {
		c.logger.Warn().Str("gridpack_id", gridpackID).Str("archive", archiveName).
			Msg("Could not find the parent gridpack that created the output file")
		doc.GridpackReused = "-1"
	} else {
		doc.GridpackReused = related[0].ID
	}

	doc.ArchiveAbsolute = folder + "/" + archiveName
	doc.Archive = archiveName
	doc.Status = types.StatusReused
	entity.AddHistory(user.Automatic(), "gridpack reused")
	entity.ClearResources()
	if err := c.store.Update(doc); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Failed to update gridpack")
		return
	}

	metrics.ReuseProbesTotal.WithLabelValues("reused").Inc()
	c.enqueue(&c.toCreateRequests, gridpackID)
	c.broker.Publish(events.NewEvent(events.EventGridpackReused, gridpackID,
		c.composer.Reused(doc, doc.ArchiveAbsolute)))
}

// newestMatchingFile lists a remote folder and returns the most
// recently modified file whose name starts with the pattern
func (c *Controller) newestMatchingFile(session ssh.Session, folder, pattern string) (string, error) {
	nameExpr, err := regexp.Compile("^" + pattern)
	if err != nil {
		return "", fmt.Errorf("bad artifact name pattern %q: %w", pattern, err)
	}

	command := fmt.Sprintf("ls -l --time-style=+%%s '%s' | grep '^[^d|p|total]' | awk '{print $6,$7}'", folder)
	stdout, _, _, err := session.Execute(command)
	if err != nil {
		return "", err
	}

	var newest string
	var newestTime int64 = -1
	for _, line := range strings.Split(stdout, "\n") {
		match := reuseFileExpr.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil || !nameExpr.MatchString(match[2]) {
			continue
		}
		mtime, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			continue
		}
		if mtime > newestTime {
			newestTime = mtime
			newest = match[2]
		}
	}

	if newest == "" {
		return "", fmt.Errorf("there are no gridpacks to reuse in the target folder: %s "+
			"whose file name complies with the regex: %s", folder, pattern)
	}
	return newest, nil
}

// processFailedReuse fails a gridpack whose reuse request cannot
// proceed and notifies its users
func (c *Controller) processFailedReuse(entity *gridpack.Entity, cause error) {
	doc := entity.Doc
	message := fmt.Sprintf("Unable to reuse Gridpacks - Error: %s", cause)
	c.logger.Error().Err(cause).Str("gridpack_id", doc.ID).Msg("Unable to reuse gridpacks")

	doc.Status = types.StatusFailed
	entity.AddHistory(user.Automatic(), "reuse failed")
	entity.ClearResources()
	if err := c.store.Update(doc); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to update gridpack")
	}

	metrics.ReuseProbesTotal.WithLabelValues("failed").Inc()
	c.broker.Publish(events.NewEvent(events.EventGridpackReuseFailed, doc.ID,
		c.composer.ReuseFailed(doc, message)))
}

// updateCondorStatus records the queue status observed for a gridpack.
// Jobs absent from the queue count as REMOVED.
func (c *Controller) updateCondorStatus(entity *gridpack.Entity, jobs map[string]types.CondorStatus) {
	doc := entity.Doc
	status, ok := jobs[strconv.Itoa(doc.CondorID)]
	if !ok {
		status = types.CondorRemoved
	}
	c.logger.Info().Str("gridpack_id", doc.ID).Str("condor_status", string(status)).
		Msg("Saving condor status")
	if status != doc.CondorStatus {
		entity.AddHistory(user.Automatic(), fmt.Sprintf("job %s", status))
	}
	doc.CondorStatus = status
	if err := c.store.Update(doc); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to update gridpack")
	}
}

// submitToCondor prepares the local submission bundle, uploads it and
// submits the batch job. Any failure along the way fails the gridpack.
func (c *Controller) submitToCondor(entity *gridpack.Entity) {
	doc := entity.Doc
	c.logger.Info().Str("gridpack_id", doc.ID).Msg("Submitting gridpack")
	entity.Rmdir()

	err := c.prepareAndSubmit(entity)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Error submitting gridpack")
		doc.Status = types.StatusFailed
		entity.AddHistory(user.Automatic(), "submission failed")
		metrics.SubmissionsTotal.WithLabelValues("failed").Inc()
	}

	if err := c.store.Update(doc); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to update gridpack")
	}
}

func (c *Controller) prepareAndSubmit(entity *gridpack.Entity) error {
	doc := entity.Doc
	if err := entity.Mkdir(); err != nil {
		return err
	}
	if err := entity.PrepareJobArchive(); err != nil {
		return err
	}
	if err := entity.WriteScript(); err != nil {
		return err
	}
	if err := entity.WriteJDS(); err != nil {
		return err
	}

	localDir := entity.LocalDir()
	remoteDir := fmt.Sprintf("%s/%s", c.cfg.RemoteDirectory, doc.ID)

	session := c.NewCondorSession()
	defer session.Close()

	c.logger.Info().Str("gridpack_id", doc.ID).Msg("Will prepare remote directory")
	if _, _, _, err := session.Execute(
		fmt.Sprintf("rm -rf %s", remoteDir),
		fmt.Sprintf("mkdir -p %s", remoteDir)); err != nil {
		return err
	}

	c.logger.Info().Str("gridpack_id", doc.ID).Msg("Will upload files")
	uploads := []string{entity.ScriptName(), entity.JDSName(), gridpack.ArchiveName}
	for _, name := range uploads {
		if !session.UploadFile(localDir+"/"+name, remoteDir+"/"+name) {
			return fmt.Errorf("failed to upload %s", name)
		}
	}

	c.logger.Info().Str("gridpack_id", doc.ID).Msg("Will try to submit")
	stdout, stderr, _, err := session.Execute(
		fmt.Sprintf("cd %s", remoteDir),
		fmt.Sprintf("condor_submit %s", entity.JDSName()))
	if err != nil {
		return err
	}

	clusterID, err := condor.ParseSubmit(stdout)
	if err != nil {
		return fmt.Errorf("%w, stderr: %s", err, stderr)
	}

	doc.Status = types.StatusSubmitted
	doc.CondorID = clusterID
	doc.CondorStatus = types.CondorIdle
	entity.AddHistory(user.Automatic(), "submitted")
	metrics.SubmissionsTotal.WithLabelValues("success").Inc()
	c.logger.Info().Str("gridpack_id", doc.ID).Int("condor_id", clusterID).
		Msg("Submitted gridpack")

	var attachments []notify.Attachment
	attachment := zipAttachment(fmt.Sprintf("gridpack_%s_input_files.zip", doc.ID), []string{
		localDir + "/" + entity.ScriptName(),
		localDir + "/" + gridpack.ArchiveName,
	})
	if attachment != nil {
		attachments = append(attachments, *attachment)
	}
	c.broker.Publish(events.NewEvent(events.EventGridpackSubmitted, doc.ID,
		c.composer.Submitted(doc, attachments)))
	return nil
}

// collectOutput downloads the job logs, archives the produced gridpack
// into the storage folder and settles the terminal state
func (c *Controller) collectOutput(entity *gridpack.Entity, session ssh.Session) {
	doc := entity.Doc
	if doc.CondorStatus != types.CondorDone && doc.CondorStatus != types.CondorRemoved {
		c.logger.Info().Str("gridpack_id", doc.ID).
			Str("condor_status", string(doc.CondorStatus)).
			Msg("Status is not DONE or REMOVED")
		return
	}

	c.logger.Info().Str("gridpack_id", doc.ID).Msg("Collecting output")
	remoteDir := fmt.Sprintf("%s/%s", c.cfg.RemoteDirectory, doc.ID)
	localDir := entity.LocalDir()
	if err := entity.Mkdir(); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to create local directory")
	}

	for _, name := range []string{"job.log", "output.log", "error.log"} {
		session.DownloadFile(remoteDir+"/"+name, localDir+"/"+name)
	}

	archiveName := c.findProducedArchive(session, remoteDir, doc.Dataset)
	if archiveName != "" {
		storagePath, err := entity.RemoteStoragePath()
		if err != nil {
			c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to resolve storage path")
		} else {
			c.logger.Info().Str("gridpack_id", doc.ID).
				Str("archive", archiveName).Str("storage", storagePath).
				Msg("Copying gridpack to storage")
			session.Execute(fmt.Sprintf("mkdir -p %s", storagePath))
			syncCommand := fmt.Sprintf(
				`rsync -e "ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null" %s/%s %s:%s`,
				remoteDir, archiveName, c.cfg.SubmissionHost, storagePath)
			if _, stderr, _, err := session.Execute(syncCommand); err != nil {
				c.logger.Error().Err(err).Str("stderr", stderr).
					Str("gridpack_id", doc.ID).Msg("Failed to copy gridpack to storage")
			}
		}
	}

	session.Execute(fmt.Sprintf("rm -rf %s", remoteDir))

	var attachments []notify.Attachment
	attachment := zipAttachment(fmt.Sprintf("gridpack_%s_files.zip", doc.ID), []string{
		localDir + "/job.log",
		localDir + "/output.log",
		localDir + "/error.log",
		localDir + "/" + entity.ScriptName(),
		localDir + "/" + gridpack.ArchiveName,
	})
	if attachment != nil {
		attachments = append(attachments, *attachment)
	}

	doc.Archive = archiveName
	if doc.Status != types.StatusFailed {
		doc.Status = types.StatusDone
		entity.AddHistory(user.Automatic(), "done")
		c.broker.Publish(events.NewEvent(events.EventGridpackDone, doc.ID,
			c.composer.Done(doc, attachments)))
	} else {
		entity.AddHistory(user.Automatic(), "failed")
		c.broker.Publish(events.NewEvent(events.EventGridpackFailed, doc.ID,
			c.composer.Failed(doc, attachments)))
	}

	metrics.CollectionsTotal.Inc()
	entity.Rmdir()
	if err := c.store.Update(doc); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to update gridpack")
	}
	c.enqueue(&c.toCreateRequests, doc.ID)
}

// findProducedArchive locates the produced archive in the remote job
// directory by dataset name and compression suffix
func (c *Controller) findProducedArchive(session ssh.Session, remoteDir, dataset string) string {
	stdout, _, _, err := session.Execute(fmt.Sprintf("ls -1 %s/*%s*.t*z", remoteDir, dataset))
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list produced archives")
		return ""
	}

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "/")
		filename := parts[len(parts)-1]
		if !strings.Contains(filename, dataset) {
			continue
		}
		if strings.HasSuffix(filename, ".tar.xz") ||
			strings.HasSuffix(filename, ".tar.gz") ||
			strings.HasSuffix(filename, ".tgz") {
			return filename
		}
	}
	return ""
}

// streamJobLog copies the running job's stdout into the public area so
// users can follow the generation
func (c *Controller) streamJobLog(entity *gridpack.Entity, session ssh.Session) {
	doc := entity.Doc
	if doc.CondorID == 0 {
		c.logger.Error().Str("gridpack_id", doc.ID).
			Msg("Cannot stream logs, gridpack has no condor id")
		return
	}

	logPath := fmt.Sprintf("%s/GRIDPACK_GENERATION_%s.log", c.cfg.PublicStreamFolder, doc.ID)
	if _, stderr, code, err := session.Execute(condor.StreamCommand(doc.CondorID, logPath)); err != nil || code != 0 {
		c.logger.Warn().Err(err).Int("exit_code", code).Str("stderr", stderr).
			Str("gridpack_id", doc.ID).Msg("Failed to stream job log")
	}
}

// createRequestForGridpack creates the downstream request during a tick
func (c *Controller) createRequestForGridpack(gridpackID string) {
	doc, err := c.store.Get(gridpackID)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Failed to fetch gridpack")
		return
	}
	if doc == nil {
		c.logger.Error().Str("gridpack_id", gridpackID).
			Msg("Cannot create request because the gridpack is not in database")
		return
	}

	entity, err := c.entity(doc)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Cannot create request")
		return
	}

	c.logger.Info().Str("gridpack_id", gridpackID).Msg("Creating request")
	entity.AddHistory(user.Automatic(), "create request")
	c.createMcMRequest(entity)
	if err := c.store.Update(doc); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", gridpackID).Msg("Failed to update gridpack")
	}
}

// updateStatusGauge refreshes the per-status document gauge
func (c *Controller) updateStatusGauge() {
	statuses := []types.Status{types.StatusNew, types.StatusApproved,
		types.StatusSubmitted, types.StatusRunning, types.StatusFinishing,
		types.StatusDone, types.StatusFailed, types.StatusReused}
	for _, status := range statuses {
		docs, err := c.store.ByStatus(status)
		if err != nil {
			continue
		}
		metrics.GridpacksTotal.WithLabelValues(string(status)).Set(float64(len(docs)))
	}
}
