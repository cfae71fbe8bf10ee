// Package imap wraps one authenticated IMAP connection behind a
// cache-aware API. Reads come from the local cache when possible; live
// fetches cover only the UIDs the cache is missing and write through to
// the cache (and the search indexer) before returning. A single mutex
// serializes all protocol calls, so callers can share the session across
// goroutines without interleaving commands on the wire.
package imap

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"petrel/internal/cache"
	"petrel/internal/conf"
	"petrel/internal/index"
	"petrel/internal/msg"
	"petrel/internal/oauth"
)

type Session struct {
	account conf.Account
	exclude map[string]bool
	oauth   *oauth.Provider
	store   *cache.Store
	indexer *index.Indexer

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
	idleCmd  *imapclient.IdleCommand

	// exists is signaled when the server reports new mail in the
	// selected folder while idling.
	exists chan struct{}
}

func NewSession(account conf.Account, exclude []string, provider *oauth.Provider,
	store *cache.Store, indexer *index.Indexer) *Session {
	excludeSet := make(map[string]bool, len(exclude))
	for _, folder := range exclude {
		excludeSet[folder] = true
	}
	return &Session{
		account: account,
		exclude: excludeSet,
		oauth:   provider,
		store:   store,
		indexer: indexer,
		exists:  make(chan struct{}, 1),
	}
}

// Login dials and authenticates. Port 993 uses implicit TLS, anything
// else STARTTLS.
func (s *Session) Login() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked()
}

func (s *Session) loginLocked() error {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
		s.selected = ""
		s.idleCmd = nil
	}

	addr := fmt.Sprintf("%s:%d", s.account.ImapHost, s.account.ImapPort)
	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case s.exists <- struct{}{}:
					default:
					}
				}
			},
		},
	}

	var client *imapclient.Client
	var err error
	if s.account.ImapPort == 993 {
		client, err = imapclient.DialTLS(addr, options)
	} else {
		client, err = imapclient.DialStartTLS(addr, options)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %v", addr, err)
	}

	if s.oauth.Enabled() {
		token, err := s.oauth.AccessToken()
		if err != nil {
			_ = client.Close()
			return err
		}
		err = client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: s.account.User,
			Token:    token,
		}))
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to authenticate: %v", err)
		}
	} else {
		if err := client.Login(s.account.User, s.account.Pass).Wait(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to login: %v", err)
		}
	}

	s.client = client
	return nil
}

// Logout ends the session cleanly.
func (s *Session) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Logout().Wait()
	_ = s.client.Close()
	s.client = nil
	s.selected = ""
	return err
}

// AuthRefresh refreshes the OAuth token and re-authenticates on a fresh
// connection. The token endpoint call does not hold the session mutex, so
// an idle wait elsewhere is not blocked by it.
func (s *Session) AuthRefresh() error {
	if !s.oauth.Enabled() {
		return nil
	}
	if err := s.oauth.Refresh(context.Background()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked()
}

// CheckConnection probes liveness with a NOOP.
func (s *Session) CheckConnection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return false
	}
	return s.client.Noop().Wait() == nil
}

// Abort hard-closes the connection, failing any in-flight command. Called
// from outside the session mutex during shutdown.
func (s *Session) Abort() {
	// Deliberately no mutex: the point is to break a call that is
	// holding it.
	if s.client != nil {
		_ = s.client.Close()
	}
}

// needsSelect reports whether a SELECT must go out on the wire. A UID
// sync forces one even for the already-selected folder, so a UIDVALIDITY
// change during a long session is observed.
func needsSelect(selected, folder string, force bool) bool {
	return force || selected != folder
}

func (s *Session) selectFolderLocked(folder string, force bool) error {
	if s.client == nil {
		return fmt.Errorf("not connected")
	}
	if !needsSelect(s.selected, folder, force) {
		return nil
	}

	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		s.selected = ""
		return fmt.Errorf("failed to select %s: %v", folder, err)
	}
	s.selected = folder

	if !s.store.CheckUidValidity(folder, data.UIDValidity) {
		// Cached UIDs for this folder were void and have been cleared;
		// subsequent reads fall through to the server.
		log.Printf("imap: cache for %s invalidated", folder)
	}
	return nil
}

// GetFolders returns the folder list. With cached set, only the cache is
// consulted; a miss returns ok=false so the caller can issue a live
// request.
func (s *Session) GetFolders(cached bool) ([]string, bool) {
	if cached {
		return s.store.GetFolders()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, false
	}
	list, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		log.Printf("imap: list failed: %v", err)
		return nil, false
	}

	var folders []string
	for _, item := range list {
		noSelect := false
		for _, attr := range item.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				noSelect = true
				break
			}
		}
		if noSelect || s.exclude[item.Mailbox] {
			continue
		}
		folders = append(folders, item.Mailbox)
	}

	s.store.SetFolders(folders)
	return folders, true
}

// GetUids returns the folder's UID set, syncing the cache on a live read.
func (s *Session) GetUids(folder string, cached bool) ([]uint32, bool) {
	if cached {
		return s.store.GetUids(folder)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Forced re-select: a UIDVALIDITY bump must be noticed here, before
	// the cached UID set is reconciled against the server's.
	if err := s.selectFolderLocked(folder, true); err != nil {
		log.Printf("imap: %v", err)
		return nil, false
	}

	status, err := s.client.Status(folder, &imap.StatusOptions{NumMessages: true}).Wait()
	if err != nil {
		log.Printf("imap: status failed: %v", err)
		return nil, false
	}
	uids := []uint32{}
	if status.NumMessages != nil && *status.NumMessages > 0 {
		seqSet := imap.SeqSet{}
		seqSet.AddRange(1, *status.NumMessages)
		msgs, err := s.client.Fetch(seqSet, &imap.FetchOptions{UID: true}).Collect()
		if err != nil {
			log.Printf("imap: uid fetch failed: %v", err)
			return nil, false
		}
		for _, m := range msgs {
			uids = append(uids, uint32(m.UID))
		}
	}

	s.store.SetUids(folder, uids)
	if s.indexer != nil {
		s.indexer.EnqueueDelete(folder, uids)
	}
	return uids, true
}

func uidSet(uids []uint32) imap.UIDSet {
	set := imap.UIDSet{}
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	return set
}

// GetHeaders returns headers for the requested UIDs. Live mode fetches
// only the UIDs absent from the cache and writes them through before
// returning. Prefetch mode skips deserializing cached entries.
func (s *Session) GetHeaders(folder string, uids []uint32, cached bool, prefetch bool) (map[uint32]*msg.Header, bool) {
	if cached {
		return s.store.GetHeaders(folder, uids, prefetch), true
	}

	present := s.store.GetHeaders(folder, uids, true)
	var missing []uint32
	for _, uid := range uids {
		if _, exists := present[uid]; !exists {
			missing = append(missing, uid)
		}
	}

	if len(missing) > 0 {
		if !s.fetchHeaders(folder, missing) {
			return nil, false
		}
	}
	return s.store.GetHeaders(folder, uids, prefetch), true
}

func (s *Session) fetchHeaders(folder string, uids []uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectFolderLocked(folder, false); err != nil {
		log.Printf("imap: %v", err)
		return false
	}

	section := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	msgs, err := s.client.Fetch(uidSet(uids), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		log.Printf("imap: header fetch failed: %v", err)
		return false
	}

	headers := make(map[uint32]*msg.Header, len(msgs))
	for _, m := range msgs {
		raw := m.FindBodySection(section)
		if raw == nil {
			continue
		}
		var header msg.Header
		header.SetData(string(raw), m.InternalDate.Unix())
		headers[uint32(m.UID)] = &header
	}
	s.store.SetHeaders(folder, headers)
	return true
}

// GetFlags returns message flags; live mode always asks the server since
// flags change without UID churn.
func (s *Session) GetFlags(folder string, uids []uint32, cached bool) (map[uint32]uint32, bool) {
	if cached {
		return s.store.GetFlags(folder, uids), true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectFolderLocked(folder, false); err != nil {
		log.Printf("imap: %v", err)
		return nil, false
	}

	msgs, err := s.client.Fetch(uidSet(uids), &imap.FetchOptions{UID: true, Flags: true}).Collect()
	if err != nil {
		log.Printf("imap: flag fetch failed: %v", err)
		return nil, false
	}

	flags := make(map[uint32]uint32, len(msgs))
	for _, m := range msgs {
		flags[uint32(m.UID)] = flagBits(m.Flags)
	}
	s.store.SetFlags(folder, flags)
	return flags, true
}

func flagBits(flags []imap.Flag) uint32 {
	var bits uint32
	for _, flag := range flags {
		switch flag {
		case imap.FlagSeen:
			bits |= msg.FlagSeen
		case imap.FlagAnswered:
			bits |= msg.FlagAnswered
		case imap.FlagFlagged:
			bits |= msg.FlagFlagged
		case imap.FlagDeleted:
			bits |= msg.FlagDeleted
		case imap.FlagDraft:
			bits |= msg.FlagDraft
		}
	}
	return bits
}

// GetBodys returns message bodies, fetching and caching the missing ones
// in live mode and queueing them for indexing.
func (s *Session) GetBodys(folder string, uids []uint32, cached bool, prefetch bool) (map[uint32]*msg.Body, bool) {
	if cached {
		return s.store.GetBodys(folder, uids, prefetch), true
	}

	present := s.store.GetBodys(folder, uids, true)
	var missing []uint32
	for _, uid := range uids {
		if _, exists := present[uid]; !exists {
			missing = append(missing, uid)
		}
	}

	if len(missing) > 0 {
		if !s.fetchBodys(folder, missing) {
			return nil, false
		}
	}
	return s.store.GetBodys(folder, uids, prefetch), true
}

func (s *Session) fetchBodys(folder string, uids []uint32) bool {
	s.mu.Lock()
	if err := s.selectFolderLocked(folder, false); err != nil {
		s.mu.Unlock()
		log.Printf("imap: %v", err)
		return false
	}

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := s.client.Fetch(uidSet(uids), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	s.mu.Unlock()
	if err != nil {
		log.Printf("imap: body fetch failed: %v", err)
		return false
	}

	bodys := make(map[uint32]*msg.Body, len(msgs))
	fetched := make([]uint32, 0, len(msgs))
	for _, m := range msgs {
		raw := m.FindBodySection(section)
		if raw == nil {
			continue
		}
		var body msg.Body
		body.SetData(string(raw))
		bodys[uint32(m.UID)] = &body
		fetched = append(fetched, uint32(m.UID))
	}

	s.store.SetBodys(folder, bodys)
	if s.indexer != nil && len(fetched) > 0 {
		s.indexer.EnqueueAdd(folder, fetched)
	}
	return true
}

func (s *Session) storeFlags(folder string, uids []uint32, op imap.StoreFlagsOp, flag imap.Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectFolderLocked(folder, false); err != nil {
		log.Printf("imap: %v", err)
		return false
	}

	err := s.client.Store(uidSet(uids), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil).Close()
	if err != nil {
		log.Printf("imap: store failed: %v", err)
		return false
	}
	return true
}

// SetFlagSeen updates the seen flag on the server and in the cache.
func (s *Session) SetFlagSeen(folder string, uids []uint32, seen bool) bool {
	op := imap.StoreFlagsAdd
	if !seen {
		op = imap.StoreFlagsDel
	}
	if !s.storeFlags(folder, uids, op, imap.FlagSeen) {
		return false
	}
	s.store.SetFlagSeen(folder, uids, seen)
	return true
}

// MoveMessages moves messages to another folder and drops them from the
// source folder's cache.
func (s *Session) MoveMessages(folder string, uids []uint32, destination string) bool {
	s.mu.Lock()
	if err := s.selectFolderLocked(folder, false); err != nil {
		s.mu.Unlock()
		log.Printf("imap: %v", err)
		return false
	}
	if _, err := s.client.Move(uidSet(uids), destination).Wait(); err != nil {
		s.mu.Unlock()
		log.Printf("imap: move failed: %v", err)
		return false
	}
	s.mu.Unlock()

	s.removeFromCache(folder, uids)
	return true
}

// DeleteMessages flags the messages deleted and expunges them.
func (s *Session) DeleteMessages(folder string, uids []uint32) bool {
	if !s.storeFlags(folder, uids, imap.StoreFlagsAdd, imap.FlagDeleted) {
		return false
	}

	s.mu.Lock()
	if err := s.client.Expunge().Close(); err != nil {
		s.mu.Unlock()
		log.Printf("imap: expunge failed: %v", err)
		return false
	}
	s.mu.Unlock()

	s.removeFromCache(folder, uids)
	return true
}

func (s *Session) removeFromCache(folder string, uids []uint32) {
	s.store.DeleteMessages(folder, uids)
	if s.indexer != nil {
		if remaining, ok := s.store.GetUids(folder); ok {
			s.indexer.EnqueueDelete(folder, remaining)
		} else {
			s.indexer.EnqueueDelete(folder, nil)
		}
	}
}

// appendFlags are the initial flags for an uploaded message. Uploads are
// our own messages, so they arrive already seen.
func appendFlags(draft bool) []imap.Flag {
	flags := []imap.Flag{imap.FlagSeen}
	if draft {
		flags = append(flags, imap.FlagDraft)
	}
	return flags
}

// UploadMessage appends a raw message to a folder (drafts, sent copies),
// flagged seen and stamped with the current time.
func (s *Session) UploadMessage(folder string, raw string, draft bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return false
	}

	cmd := s.client.Append(folder, int64(len(raw)), &imap.AppendOptions{
		Flags: appendFlags(draft),
		Time:  time.Now(),
	})
	if _, err := cmd.Write([]byte(raw)); err != nil {
		log.Printf("imap: append write failed: %v", err)
		return false
	}
	if err := cmd.Close(); err != nil {
		log.Printf("imap: append close failed: %v", err)
		return false
	}
	if _, err := cmd.Wait(); err != nil {
		log.Printf("imap: append failed: %v", err)
		return false
	}
	return true
}

// FolderInfo is the live summary of one folder, used to decide whether a
// full UID resync is worth its cost.
type FolderInfo struct {
	Count   uint32
	Unseen  uint32
	UIDNext uint32
}

// GetFolderInfo runs STATUS on a folder without selecting it.
func (s *Session) GetFolderInfo(folder string) (FolderInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return FolderInfo{}, false
	}
	data, err := s.client.Status(folder, &imap.StatusOptions{
		NumMessages: true,
		NumUnseen:   true,
		UIDNext:     true,
	}).Wait()
	if err != nil {
		log.Printf("imap: status failed: %v", err)
		return FolderInfo{}, false
	}

	var info FolderInfo
	if data.NumMessages != nil {
		info.Count = *data.NumMessages
	}
	if data.NumUnseen != nil {
		info.Unseen = *data.NumUnseen
	}
	info.UIDNext = uint32(data.UIDNext)
	return info, true
}

// IdleStart enters IDLE on the given folder. The returned channel fires
// when the server reports new mail; the caller multiplexes it with its
// own timers and must call IdleDone afterwards.
func (s *Session) IdleStart(folder string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectFolderLocked(folder, false); err != nil {
		return nil, err
	}

	// Drain a stale notification from a previous idle period.
	select {
	case <-s.exists:
	default:
	}

	cmd, err := s.client.Idle()
	if err != nil {
		return nil, fmt.Errorf("failed to start idle: %v", err)
	}
	s.idleCmd = cmd
	return s.exists, nil
}

// IdleDone leaves IDLE.
func (s *Session) IdleDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idleCmd == nil {
		return nil
	}
	cmd := s.idleCmd
	s.idleCmd = nil
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("failed to stop idle: %v", err)
	}
	return cmd.Wait()
}
