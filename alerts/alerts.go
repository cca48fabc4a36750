// Package alerts delivers operator notifications for renewals that have run
// out of road.
package alerts

import (
	"fmt"
	"net/smtp"
	"strings"

	"code.cloudfoundry.org/lager"
)

type Alerter interface {
	Notify(subject, body string) error
}

type SmtpSettings struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	To       []string
}

// SmtpAlerter sends plain text mail through a relay. Auth is skipped when no
// username is configured, for relays inside the boundary.
type SmtpAlerter struct {
	settings SmtpSettings
	logger   lager.Logger
}

func NewSmtpAlerter(settings SmtpSettings, logger lager.Logger) *SmtpAlerter {
	return &SmtpAlerter{
		settings: settings,
		logger:   logger.Session("smtp-alerter"),
	}
}

func (a *SmtpAlerter) Notify(subject, body string) error {
	lsession := a.logger.Session("notify", lager.Data{"subject": subject})

	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		a.settings.From,
		strings.Join(a.settings.To, ", "),
		subject,
		body,
	)

	var auth smtp.Auth
	if a.settings.Username != "" {
		auth = smtp.PlainAuth("", a.settings.Username, a.settings.Password, a.settings.Host)
	}

	addr := a.settings.Host + ":" + a.settings.Port
	if err := smtp.SendMail(addr, auth, a.settings.From, a.settings.To, []byte(message)); err != nil {
		lsession.Error("send-mail", err)
		return err
	}

	lsession.Info("alert-sent")
	return nil
}

// LogAlerter is the fallback when no relay is configured; the alert still
// lands in the logs where it can be picked up.
type LogAlerter struct {
	logger lager.Logger
}

func NewLogAlerter(logger lager.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.Session("log-alerter")}
}

func (a *LogAlerter) Notify(subject, body string) error {
	a.logger.Info("operator-alert", lager.Data{
		"subject": subject,
		"body":    body,
	})
	return nil
}
