package msg

import (
	"io"
	"log"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Body is the full message content for one (folder, uid). Like Header it
// keeps the raw RFC 822 data and derives the rest, so improved parsing can
// be applied to already-cached messages.
type Body struct {
	Raw            string `msgpack:"raw"`
	Version        int    `msgpack:"version"`
	TextPlain      string `msgpack:"textplain"`
	TextHTML       string `msgpack:"texthtml"`
	NumAttachments int    `msgpack:"numattachments"`
}

// SetData stores the raw message and parses its parts.
func (b *Body) SetData(raw string) {
	b.Raw = raw
	b.parse()
}

// ParseIfNeeded re-parses when the cached entry predates the current
// parser version. Returns true if a re-parse happened.
func (b *Body) ParseIfNeeded() bool {
	if b.Version >= parseVersion || b.Raw == "" {
		return false
	}
	b.parse()
	return true
}

func (b *Body) Empty() bool {
	return b.Raw == ""
}

// Text returns the best available plain-text rendering: the text/plain
// part when present, otherwise the html part with tags stripped.
func (b *Body) Text() string {
	if b.TextPlain != "" {
		return b.TextPlain
	}
	return stripTags(b.TextHTML)
}

func (b *Body) parse() {
	b.Version = parseVersion
	b.TextPlain = ""
	b.TextHTML = ""
	b.NumAttachments = 0

	mr, err := mail.CreateReader(strings.NewReader(b.Raw))
	if err != nil {
		log.Printf("body parse failed: %v", err)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			log.Printf("body part parse failed: %v", err)
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, _ := ph.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch ctype {
			case "text/plain":
				if b.TextPlain == "" {
					b.TextPlain = string(data)
				}
			case "text/html":
				if b.TextHTML == "" {
					b.TextHTML = string(data)
				}
			}
		case *mail.AttachmentHeader:
			b.NumAttachments++
		}
	}
}

// stripTags is a minimal html-to-text conversion for search indexing and
// plain-text fallback display. It drops tags, decodes a handful of common
// entities and collapses runs of whitespace.
func stripTags(html string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			sb.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}

	text := sb.String()
	for entity, repl := range map[string]string{
		"&nbsp;": " ", "&amp;": "&", "&lt;": "<", "&gt;": ">", "&quot;": "\"", "&#39;": "'",
	} {
		text = strings.ReplaceAll(text, entity, repl)
	}

	return strings.Join(strings.Fields(text), " ")
}
