// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"crypto/tls"
	"fmt"

	mail "gopkg.in/gomail.v2"
)

// AlertConfig configures e-mail alerts.
type AlertConfig struct {
	Server   string   `yaml:"server"`
	Port     int      `yaml:"port"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Insecure bool     `yaml:"insecure"` // skip TLS verification
}

// Alerter sends e-mail alerts when the acquisition faults.
type Alerter struct {
	cfg    AlertConfig
	sender mail.Sender // nil: dial the SMTP server for each alert
}

// NewAlerter creates an alerter.
func NewAlerter(cfg AlertConfig) *Alerter {
	return &Alerter{cfg: cfg}
}

// Alert sends an alert with the given subject and body.
func (a *Alerter) Alert(subject, body string) error {
	from := a.cfg.From
	if from == "" {
		from = a.cfg.User
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("Bcc", a.cfg.To...)
	msg.SetHeader("Subject", fmt.Sprintf("[tfg] %s", subject))
	msg.SetBody("text/plain", body)

	var err error
	switch a.sender {
	case nil:
		dial := mail.NewDialer(a.cfg.Server, a.cfg.Port, a.cfg.User, a.cfg.Password)
		if a.cfg.Insecure {
			dial.TLSConfig = &tls.Config{
				InsecureSkipVerify: true,
			}
		}
		err = dial.DialAndSend(msg)
	default:
		err = mail.Send(a.sender, msg)
	}
	if err != nil {
		return fmt.Errorf("daq: could not send mail alert: %w", err)
	}
	return nil
}
