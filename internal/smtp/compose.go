// Package smtp composes outgoing messages and submits them to the
// account's mail submission server.
package smtp

import (
	"bytes"
	"fmt"
	"io"
	netmail "net/mail"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-message/mail"
)

// Compose describes an outgoing message. Address fields hold RFC 5322
// address lists ("Name <a@b>, c@d").
type Compose struct {
	From        string
	To          string
	Cc          string
	Bcc         string
	Subject     string
	Body        string
	InReplyTo   string
	Attachments []string // file paths
}

func parseAddresses(list string) ([]*mail.Address, error) {
	if list == "" {
		return nil, nil
	}
	parsed, err := netmail.ParseAddressList(list)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address list %q: %v", list, err)
	}
	addrs := make([]*mail.Address, len(parsed))
	for i, a := range parsed {
		addrs[i] = (*mail.Address)(a)
	}
	return addrs, nil
}

// Recipients returns every envelope recipient (To, Cc and Bcc).
func (c Compose) Recipients() ([]string, error) {
	var rcpts []string
	for _, list := range []string{c.To, c.Cc, c.Bcc} {
		addrs, err := parseAddresses(list)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			rcpts = append(rcpts, a.Address)
		}
	}
	if len(rcpts) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}
	return rcpts, nil
}

// BuildMessage renders the full RFC 5322 message: headers, a plain-text
// part and one attachment part per file. Bcc is intentionally absent from
// the rendered headers; it only affects the envelope.
func BuildMessage(c Compose) (string, error) {
	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(c.Subject)
	if err := header.GenerateMessageID(); err != nil {
		return "", fmt.Errorf("failed to generate message id: %v", err)
	}
	if c.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{c.InReplyTo})
	}

	for _, field := range []struct {
		key  string
		list string
	}{
		{"From", c.From},
		{"To", c.To},
		{"Cc", c.Cc},
	} {
		addrs, err := parseAddresses(field.list)
		if err != nil {
			return "", err
		}
		if len(addrs) > 0 {
			header.SetAddressList(field.key, addrs)
		}
	}

	var buf bytes.Buffer
	writer, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return "", fmt.Errorf("failed to create message writer: %v", err)
	}

	var textHeader mail.InlineHeader
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	inline, err := writer.CreateSingleInline(textHeader)
	if err != nil {
		return "", fmt.Errorf("failed to create text part: %v", err)
	}
	if _, err := io.WriteString(inline, c.Body); err != nil {
		return "", fmt.Errorf("failed to write text part: %v", err)
	}
	if err := inline.Close(); err != nil {
		return "", fmt.Errorf("failed to close text part: %v", err)
	}

	for _, path := range c.Attachments {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return "", fmt.Errorf("failed to read attachment %s: %v", path, err)
		}

		var attHeader mail.AttachmentHeader
		attHeader.SetFilename(filepath.Base(path))
		att, err := writer.CreateAttachment(attHeader)
		if err != nil {
			return "", fmt.Errorf("failed to create attachment: %v", err)
		}
		if _, err := att.Write(data); err != nil {
			return "", fmt.Errorf("failed to write attachment: %v", err)
		}
		if err := att.Close(); err != nil {
			return "", fmt.Errorf("failed to close attachment: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close message: %v", err)
	}
	return buf.String(), nil
}
