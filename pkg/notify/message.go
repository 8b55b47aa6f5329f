// Package notify composes and delivers the email notifications sent on
// gridpack state transitions. Composition is synchronous so attachments
// are captured before local working directories are cleaned up;
// delivery runs on its own worker fed by transition events.
package notify

import (
	"fmt"

	"github.com/cms-pdmv/gridpack-machine/pkg/types"
)

// Attachment is a named file captured into memory at composition time
type Attachment struct {
	Name string
	Data []byte
}

// Message is a fully composed notification ready for delivery
type Message struct {
	Subject     string
	Body        string
	Recipients  []string
	Attachments []Attachment
}

// Composer renders the per-transition notification messages
type Composer struct {
	// ServiceURL is linked in every message body
	ServiceURL string
}

// NewComposer creates a composer for the given service URL
func NewComposer(serviceURL string) *Composer {
	return &Composer{ServiceURL: serviceURL}
}

func gridpackName(doc *types.Gridpack) string {
	return fmt.Sprintf("%s %s %s", doc.Campaign, doc.Dataset, doc.Generator)
}

// recipients derives the address list from the distinct non-automatic
// users in the document history
func recipients(doc *types.Gridpack) []string {
	users := doc.Users()
	addresses := make([]string, 0, len(users))
	for _, u := range users {
		addresses = append(addresses, u+"@cern.ch")
	}
	return addresses
}

func (c *Composer) jobLink(doc *types.Gridpack) string {
	return fmt.Sprintf("Gridpack job: %s?_id=%s\n", c.ServiceURL, doc.ID)
}

// Submitted announces that the batch job was submitted
func (c *Composer) Submitted(doc *types.Gridpack, attachments []Attachment) *Message {
	name := gridpackName(doc)
	body := "Hello,\n\n"
	body += fmt.Sprintf("Gridpack %s (%s) job was submitted.\n", name, doc.ID)
	body += c.jobLink(doc)
	if len(attachments) > 0 {
		body += "You can find job files as an attachment.\n"
	}

	return &Message{
		Subject:     fmt.Sprintf("Gridpack %s was submitted", name),
		Body:        body,
		Recipients:  recipients(doc),
		Attachments: attachments,
	}
}

// Done announces that the job finished and the output was collected
func (c *Composer) Done(doc *types.Gridpack, attachments []Attachment) *Message {
	name := gridpackName(doc)
	body := "Hello,\n\n"
	body += fmt.Sprintf("Gridpack %s (%s) job has finished running.\n", name, doc.ID)
	body += c.jobLink(doc)
	if len(attachments) > 0 {
		body += "You can find job files as an attachment.\n"
	}

	return &Message{
		Subject:     fmt.Sprintf("Gridpack %s is done", name),
		Body:        body,
		Recipients:  recipients(doc),
		Attachments: attachments,
	}
}

// Failed announces that the job failed
func (c *Composer) Failed(doc *types.Gridpack, attachments []Attachment) *Message {
	name := gridpackName(doc)
	body := "Hello,\n\n"
	body += fmt.Sprintf("Gridpack %s (%s) job has failed.\n", name, doc.ID)
	body += c.jobLink(doc)
	if len(attachments) > 0 {
		body += "You can find job files as an attachment.\n"
	}

	return &Message{
		Subject:     fmt.Sprintf("Gridpack %s job failed", name),
		Body:        body,
		Recipients:  recipients(doc),
		Attachments: attachments,
	}
}

// Reused announces that the gridpack bound to an existing artifact
// instead of running a batch job. artifactPath is empty when the
// reused file could not be linked to the request that produced it.
func (c *Composer) Reused(doc *types.Gridpack, artifactPath string) *Message {
	name := gridpackName(doc)

	var artifactRef string
	if artifactPath != "" {
		artifactRef = fmt.Sprintf("Gridpack reused: %s\n", artifactPath)
	} else {
		artifactRef = "Unable to link the reused Gridpack file with " +
			"the Gridpack request that created it.\n" +
			"Maybe, this file being reused was created manually and then moved " +
			"to the storage folder to reused it as input for more Gridpack " +
			"requests in this application.\n"
	}

	body := "Hello,\n\n"
	body += fmt.Sprintf("Gridpack %s (%s) will reuse artifacts.\n", name, doc.ID)
	body += "Instead of creating a new Gridpack via a batch job. " +
		"This Gridpack used one that already existed\n"
	body += artifactRef
	body += "A request in McM will be created\n"
	body += "For more details, please see\n"
	body += c.jobLink(doc)

	return &Message{
		Subject:    fmt.Sprintf("Gridpack %s is reusing artifacts from another Gridpack", name),
		Body:       body,
		Recipients: recipients(doc),
	}
}

// ReuseFailed announces that reuse was requested but could not proceed
func (c *Composer) ReuseFailed(doc *types.Gridpack, cause string) *Message {
	name := gridpackName(doc)
	body := "Hello,\n\n"
	body += fmt.Sprintf("Gridpack %s (%s) could not reuse output artifacts "+
		"from old Gridpacks and therefore it failed.\n", name, doc.ID)
	body += cause + "\n"
	body += "For more details, please see\n"
	body += c.jobLink(doc)

	return &Message{
		Subject:    fmt.Sprintf("Gridpack %s failed to reuse artifacts from another Gridpack", name),
		Body:       body,
		Recipients: recipients(doc),
	}
}

// InvalidOutput announces that no valid output file exists to build a
// downstream request from
func (c *Composer) InvalidOutput(doc *types.Gridpack) *Message {
	name := gridpackName(doc)
	body := "Hello,\n\n"
	body += fmt.Sprintf("Gridpack %s (%s) does not have a valid output file "+
		"to include in the McM request fragment. "+
		"Therefore, no McM request is going to be created.\n", name, doc.ID)
	body += c.jobLink(doc)

	return &Message{
		Subject:    fmt.Sprintf("Gridpack %s failed to retrieve the output file to create a McM request", name),
		Body:       body,
		Recipients: recipients(doc),
	}
}
