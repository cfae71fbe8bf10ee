// Package msg holds the parsed message model cached on disk: Header for
// envelope metadata and Body for full message content. Both keep the raw
// data they were built from plus a parse-version counter, so cached
// entries can be re-parsed in place when the parser improves without
// re-fetching from the server.
package msg

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// parseVersion is bumped when parsing changes in a way that requires
// re-deriving fields from the raw data.
const parseVersion = 1

// Header is the envelope metadata for one message, keyed by (folder, uid)
// in the cache. Immutable once fetched, except for in-place re-parse.
type Header struct {
	Raw       string `msgpack:"raw"`
	Version   int    `msgpack:"version"`
	Timestamp int64  `msgpack:"timestamp"`
	Subject   string `msgpack:"subject"`
	From      string `msgpack:"from"`
	To        string `msgpack:"to"`
	Cc        string `msgpack:"cc"`
	Bcc       string `msgpack:"bcc"`
	MessageID string `msgpack:"messageid"`
}

// SetData stores the raw RFC 822 header block and parses it. fallbackTime
// (the server's INTERNALDATE) is used when the Date header is missing or
// malformed.
func (h *Header) SetData(raw string, fallbackTime int64) {
	h.Raw = raw
	h.Timestamp = fallbackTime
	h.parse()
}

// ParseIfNeeded re-parses the header when it was serialized by an older
// parser version. Returns true if a re-parse happened, so the caller can
// write the refreshed entry back to the cache.
func (h *Header) ParseIfNeeded() bool {
	if h.Version >= parseVersion || h.Raw == "" {
		return false
	}
	h.parse()
	return true
}

// Empty reports whether the header has no raw data, i.e. it was never
// fetched (prefetch presence markers are empty headers).
func (h *Header) Empty() bool {
	return h.Raw == ""
}

// UniqueID identifies the message across folders; the Message-ID header
// when present, otherwise a digest of the raw header block.
func (h *Header) UniqueID() string {
	if h.MessageID != "" {
		return h.MessageID
	}
	sum := sha256.Sum256([]byte(h.Raw))
	return hex.EncodeToString(sum[:])
}

// Addresses returns all normalized (lower-cased) mail addresses found in
// the From/To/Cc/Bcc fields.
func (h *Header) Addresses() []string {
	var addrs []string
	seen := make(map[string]bool)
	for _, field := range []string{h.From, h.To, h.Cc, h.Bcc} {
		for _, part := range strings.Split(field, ",") {
			addr := normalizeAddress(part)
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func (h *Header) parse() {
	h.Version = parseVersion

	entity, err := message.Read(strings.NewReader(h.Raw))
	if err != nil && !message.IsUnknownCharset(err) {
		log.Printf("header parse failed: %v", err)
		return
	}

	mh := mail.Header{Header: entity.Header}

	if subject, err := mh.Subject(); err == nil {
		h.Subject = subject
	} else {
		h.Subject = entity.Header.Get("Subject")
	}

	if date, err := mh.Date(); err == nil && !date.IsZero() {
		h.Timestamp = date.Unix()
	}

	if id, err := mh.MessageID(); err == nil {
		h.MessageID = id
	}

	h.From = addressField(mh, "From")
	h.To = addressField(mh, "To")
	h.Cc = addressField(mh, "Cc")
	h.Bcc = addressField(mh, "Bcc")
}

func addressField(mh mail.Header, key string) string {
	list, err := mh.AddressList(key)
	if err != nil || len(list) == 0 {
		return mh.Get(key)
	}

	parts := make([]string, 0, len(list))
	for _, addr := range list {
		if addr.Name != "" {
			parts = append(parts, addr.Name+" <"+addr.Address+">")
		} else {
			parts = append(parts, addr.Address)
		}
	}
	return strings.Join(parts, ", ")
}

func normalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.LastIndex(s, "<"); start != -1 {
		end := strings.Index(s[start:], ">")
		if end > 1 {
			s = s[start+1 : start+end]
		}
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.Contains(s, "@") {
		return ""
	}
	return s
}
