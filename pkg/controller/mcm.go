package controller

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/cms-pdmv/gridpack-machine/pkg/events"
	"github.com/cms-pdmv/gridpack-machine/pkg/gridpack"
	"github.com/cms-pdmv/gridpack-machine/pkg/metrics"
	"github.com/cms-pdmv/gridpack-machine/pkg/types"
	"github.com/cms-pdmv/gridpack-machine/pkg/user"
)

// mcmScript is uploaded to the submission host and run there, the McM
// REST client is only available on lxplus
//
//go:embed mcm_gridpack.py
var mcmScript []byte

// prepidMarker precedes the created request id in the helper output
const prepidMarker = "REQUEST PREPID:"

// createMcMRequest builds the fragment, ships it to the submission
// host together with the helper script and creates the McM request.
// Gridpacks without a valid output file are failed instead.
func (c *Controller) createMcMRequest(entity *gridpack.Entity) {
	doc := entity.Doc
	fragmentText, err := c.fragments.Build(entity)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to build fragment")
		return
	}

	absolute, err := entity.AbsolutePath()
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to resolve artifact path")
		return
	}
	if doc.Archive == "" || absolute == "" {
		c.logger.Error().Str("gridpack_id", doc.ID).
			Msg("No valid output file to create a request from")
		doc.Status = types.StatusFailed
		entity.AddHistory(user.Automatic(), "invalid gridpack file")
		c.broker.Publish(events.NewEvent(events.EventGridpackInvalidOutput, doc.ID,
			c.composer.InvalidOutput(doc)))
		return
	}

	campaign, err := entity.CampaignDict()
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to read campaign descriptor")
		return
	}
	chain, _ := campaign["chain"].(string)

	remoteDir := fmt.Sprintf("%s/%s", c.cfg.TicketsDirectory, doc.ID)
	session := c.NewSession()
	defer session.Close()

	if _, _, _, err := session.Execute(
		fmt.Sprintf("rm -rf %s", remoteDir),
		fmt.Sprintf("mkdir -p %s", remoteDir)); err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to prepare tickets directory")
		return
	}
	if !session.UploadData(mcmScript, remoteDir+"/mcm_gridpack.py") {
		c.logger.Error().Str("gridpack_id", doc.ID).Msg("Failed to upload McM helper")
		return
	}
	if !session.UploadData([]byte(fragmentText), remoteDir+"/fragment.py") {
		c.logger.Error().Str("gridpack_id", doc.ID).Msg("Failed to upload fragment")
		return
	}

	dev := ""
	if !c.cfg.Production {
		dev = "--dev "
	}
	command := fmt.Sprintf(`python3 mcm_gridpack.py %s`+
		`--fragment "fragment.py" --chain "%s" --dataset "%s" `+
		`--events "%d" --tag "%s" --generator "%s"`,
		dev, chain, doc.DatasetName, doc.Events, doc.Process, doc.Generator)

	stdout, stderr, _, err := session.Execute(
		fmt.Sprintf("cd %s", remoteDir), command)
	if err != nil {
		c.logger.Error().Err(err).Str("gridpack_id", doc.ID).Msg("Failed to run McM helper")
		return
	}
	c.logger.Debug().Str("stdout", stdout).Str("stderr", stderr).Msg("McM helper output")

	var prepid string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(line, prepidMarker) {
			prepid = strings.TrimSpace(strings.TrimPrefix(line, prepidMarker))
			break
		}
	}
	doc.Prepid = prepid
	if prepid != "" {
		metrics.RequestsCreatedTotal.Inc()
		c.logger.Info().Str("gridpack_id", doc.ID).Str("prepid", prepid).
			Msg("Created McM request")
	} else {
		c.logger.Error().Str("gridpack_id", doc.ID).Msg("McM helper did not return a prepid")
	}

	session.Execute(fmt.Sprintf("rm -rf %s", remoteDir))
}
