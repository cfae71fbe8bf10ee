package smtp

import (
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"petrel/internal/conf"
	"petrel/internal/oauth"
)

// Sender submits composed messages over the account's SMTP server. Port
// 465 uses implicit TLS, anything else STARTTLS.
type Sender struct {
	account conf.Account
	oauth   *oauth.Provider
}

func NewSender(account conf.Account, provider *oauth.Provider) *Sender {
	return &Sender{account: account, oauth: provider}
}

func (s *Sender) authClient() (sasl.Client, error) {
	if s.oauth.Enabled() {
		token, err := s.oauth.AccessToken()
		if err != nil {
			return nil, err
		}
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: s.account.User,
			Token:    token,
		}), nil
	}
	return sasl.NewPlainClient("", s.account.User, s.account.Pass), nil
}

// Send builds the message and submits it to all recipients. Returns the
// raw message so the caller can upload a copy to the sent folder.
func (s *Sender) Send(compose Compose) (string, error) {
	if compose.From == "" {
		compose.From = s.account.Address
	}

	raw, err := BuildMessage(compose)
	if err != nil {
		return "", err
	}

	rcpts, err := compose.Recipients()
	if err != nil {
		return "", err
	}

	from, err := netmail.ParseAddress(compose.From)
	if err != nil {
		return "", fmt.Errorf("failed to parse sender address: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", s.account.SmtpHost, s.account.SmtpPort)
	var client *smtp.Client
	if s.account.SmtpPort == 465 {
		client, err = smtp.DialTLS(addr, nil)
	} else {
		client, err = smtp.DialStartTLS(addr, nil)
	}
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %v", addr, err)
	}
	defer client.Close()

	auth, err := s.authClient()
	if err != nil {
		return "", err
	}
	if err := client.Auth(auth); err != nil {
		return "", fmt.Errorf("failed to authenticate: %v", err)
	}

	if err := client.SendMail(from.Address, rcpts, strings.NewReader(raw)); err != nil {
		return "", fmt.Errorf("failed to send: %v", err)
	}
	if err := client.Quit(); err != nil {
		return "", fmt.Errorf("failed to quit: %v", err)
	}

	return raw, nil
}
