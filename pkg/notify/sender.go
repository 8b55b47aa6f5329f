package notify

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net/smtp"

	jwemail "github.com/jordan-wright/email"

	"github.com/cms-pdmv/gridpack-machine/pkg/events"
	"github.com/cms-pdmv/gridpack-machine/pkg/log"
	"github.com/cms-pdmv/gridpack-machine/pkg/metrics"
)

const (
	smtpHost = "cernmx.cern.ch"
	smtpAddr = "cernmx.cern.ch:25"

	fromAddress = "PdmV Service Account <pdmvserv@cern.ch>"

	signature = "\n\nSincerely,\nGridpack Extravaganza Machine"
)

// ccList receives a copy of every notification
var ccList = []string{
	"PdmV Service Account <pdmvserv@cern.ch>",
	"CMS Automatic Background Production <ppd-auto-bkg@cern.ch>",
}

// Sender delivers composed messages over the CERN SMTP relay
type Sender struct {
	Username string
	Password string
	// Auth sends credentials when opening the SMTP session
	Auth bool
	// Production selects the [Gridpack] subject tag over [Gridpack-DEV]
	Production bool
}

// NewSender creates a sender with the given credentials
func NewSender(username, password string, auth, production bool) *Sender {
	return &Sender{
		Username:   username,
		Password:   password,
		Auth:       auth,
		Production: production,
	}
}

// Send delivers a single message, tagging the subject and appending
// the service signature
func (s *Sender) Send(message *Message) error {
	tag := "[Gridpack-DEV]"
	if s.Production {
		tag = "[Gridpack]"
	}

	e := jwemail.NewEmail()
	e.From = fromAddress
	e.To = message.Recipients
	e.Cc = ccList
	e.Subject = fmt.Sprintf("%s %s", tag, message.Subject)
	e.Text = []byte(message.Body + signature)

	for _, attachment := range message.Attachments {
		if _, err := e.Attach(bytes.NewReader(attachment.Data), attachment.Name,
			"application/octet-stream"); err != nil {
			return fmt.Errorf("failed to attach %s: %w", attachment.Name, err)
		}
	}

	var auth smtp.Auth
	if s.Auth {
		auth = smtp.PlainAuth("", s.Username, s.Password, smtpHost)
	}

	err := e.SendWithStartTLS(smtpAddr, auth, &tls.Config{ServerName: smtpHost})
	if err != nil {
		return fmt.Errorf("failed to send %q: %w", e.Subject, err)
	}
	return nil
}

// Run consumes transition events and delivers their composed messages.
// Delivery failures are logged and counted, never propagated.
func (s *Sender) Run(sub events.Subscriber) {
	logger := log.WithComponent("notify")
	for event := range sub {
		message, ok := event.Payload.(*Message)
		if !ok || message == nil {
			continue
		}

		logger.Info().
			Str("subject", message.Subject).
			Strs("recipients", message.Recipients).
			Str("gridpack_id", event.GridpackID).
			Msg("Delivering notification")

		if err := s.Send(message); err != nil {
			logger.Error().Err(err).Msg("Failed to deliver notification")
			metrics.NotificationsTotal.WithLabelValues("error").Inc()
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	}
}
