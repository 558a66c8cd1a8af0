package maildelivery

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"

	"github.com/averdin/refinery/internal/config"
)

// Credentials authenticate against the SMTP server. They arrive on stdin
// from the service manager at startup, never from the config file.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Sender is a connected outbound mail transport.
type Sender interface {
	Send(from string, recipients []string, message []byte) error
	Close() error
}

// smtpSender holds one persistent SMTP connection.
type smtpSender struct {
	client *smtp.Client
}

// DialSMTP connects, optionally negotiates STARTTLS, and authenticates
// when credentials are present.
func DialSMTP(cfg config.SMTPConfig, creds *Credentials) (Sender, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("maildelivery: connect %s: %w", addr, err)
	}
	if cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, fmt.Errorf("maildelivery: %s does not offer STARTTLS", addr)
		}
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("maildelivery: starttls with %s: %w", addr, err)
		}
	}
	if creds != nil && creds.Username != "" {
		auth := pickAuth(client, cfg.Host, creds)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("maildelivery: authenticate as %s: %w", creds.Username, err)
		}
	}
	return &smtpSender{client: client}, nil
}

// pickAuth prefers PLAIN and falls back to LOGIN, which some servers
// advertise exclusively.
func pickAuth(client *smtp.Client, host string, creds *Credentials) smtp.Auth {
	if ok, mechanisms := client.Extension("AUTH"); ok {
		if !containsWord(mechanisms, "PLAIN") && containsWord(mechanisms, "LOGIN") {
			return &loginAuth{username: creds.Username, password: creds.Password}
		}
	}
	return smtp.PlainAuth("", creds.Username, creds.Password, host)
}

func containsWord(list, word string) bool {
	for i := 0; i+len(word) <= len(list); i++ {
		if list[i:i+len(word)] == word &&
			(i == 0 || list[i-1] == ' ') &&
			(i+len(word) == len(list) || list[i+len(word)] == ' ') {
			return true
		}
	}
	return false
}

// loginAuth implements the legacy AUTH LOGIN exchange the standard library
// omits.
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch string(fromServer) {
	case "Username:":
		return []byte(a.username), nil
	case "Password:":
		return []byte(a.password), nil
	}
	return nil, errors.New("maildelivery: unexpected AUTH LOGIN challenge")
}

func (s *smtpSender) Send(from string, recipients []string, message []byte) error {
	if err := s.client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if err := s.client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(message); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s *smtpSender) Close() error {
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}
