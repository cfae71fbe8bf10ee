package manager

import (
	"log"
	"time"

	"petrel/internal/conf"
	"petrel/internal/status"
)

type workItem struct {
	action   *Action
	request  *Request
	prefetch bool
}

// nextItem pops the highest-priority pending work: actions before
// foreground requests before prefetch, and prefetch shallowest level
// first so cheap sync happens before deep body downloads.
func (m *Manager) nextItem() *workItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.actionQueue) > 0 {
		action := m.actionQueue[0]
		m.actionQueue = m.actionQueue[1:]
		return &workItem{action: &action}
	}
	if len(m.requestQueue) > 0 {
		req := m.requestQueue[0]
		m.requestQueue = m.requestQueue[1:]
		return &workItem{request: &req}
	}
	for _, level := range m.prefetchLevels() {
		queue := m.prefetchQueue[level]
		req := queue[0]
		m.prefetchQueue[level] = queue[1:]
		return &workItem{request: &req, prefetch: true}
	}
	return nil
}

// requeueFront puts a failed item back at the front of its queue so it
// retries before newer work.
func (m *Manager) requeueFront(item *workItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping {
		return
	}
	switch {
	case item.action != nil:
		m.actionQueue = append([]Action{*item.action}, m.actionQueue...)
	case item.prefetch:
		level := item.request.PrefetchLevel
		m.prefetchQueue[level] = append([]Request{*item.request}, m.prefetchQueue[level]...)
	default:
		m.requestQueue = append([]Request{*item.request}, m.requestQueue...)
	}
}

func (m *Manager) mainLoop() error {
	for {
		select {
		case <-m.stop:
			return nil
		default:
		}

		if !m.isConnected() {
			if !m.connect() {
				// Offline: wait out the reconnect delay, but let new
				// work or shutdown interrupt it.
				select {
				case <-m.stop:
					return nil
				case <-time.After(reconnectDelay):
				case <-m.wake:
				}
				continue
			}
		}

		item := m.nextItem()
		if item == nil {
			m.maybeAuthRefresh()
			m.idle()
			continue
		}

		// Never let a queued token expiry fail a long queue drain.
		m.maybeAuthRefresh()

		if m.perform(item) {
			m.completeItem(item.prefetch)
		} else {
			m.failItem(item)
		}
	}
}

func (m *Manager) connect() bool {
	m.setStatus(status.StateConnecting, -1)
	if err := m.session.Login(); err != nil {
		log.Printf("manager: %v", err)
		m.setStatus(status.StateOffline, -1)
		return false
	}
	m.setConnected(true)
	m.setStatus(status.StateConnected, -1)
	return true
}

func (m *Manager) maybeAuthRefresh() {
	if !m.oauth.RefreshNeeded() {
		return
	}
	m.setStatus(status.StateConnecting, -1)
	if err := m.session.AuthRefresh(); err != nil {
		log.Printf("manager: auth refresh failed: %v", err)
		m.setConnected(false)
		m.setStatus(status.StateOffline, -1)
		return
	}
	m.setStatus(status.StateConnected, -1)
}

// perform executes one item against the server. Returns false on failure.
func (m *Manager) perform(item *workItem) bool {
	if item.action != nil {
		return m.performAction(item.action)
	}
	return m.performRequest(item.request, item.prefetch)
}

func (m *Manager) performRequest(req *Request, prefetch bool) bool {
	if prefetch {
		m.setStatus(status.StatePrefetching, m.progressFor(true))
	} else {
		m.setStatus(status.StateFetching, m.progressFor(false))
	}

	resp := Response{Folder: req.Folder}
	ok := true

	if req.GetFolders {
		folders, got := m.session.GetFolders(false)
		resp.Folders = folders
		ok = ok && got
	}
	if req.GetUids {
		uids, got := m.session.GetUids(req.Folder, false)
		resp.Uids = uids
		ok = ok && got
	}
	if len(req.GetHeaders) > 0 {
		headers, got := m.session.GetHeaders(req.Folder, req.GetHeaders, false, prefetch)
		resp.Headers = headers
		ok = ok && got
	}
	if len(req.GetFlags) > 0 {
		flags, got := m.session.GetFlags(req.Folder, req.GetFlags, false)
		resp.Flags = flags
		ok = ok && got
	}
	if len(req.GetBodys) > 0 {
		uids := req.GetBodys
		if prefetch {
			uids = m.prefetchableByAge(req.Folder, uids)
		}
		if len(uids) > 0 {
			bodys, got := m.session.GetBodys(req.Folder, uids, false, prefetch)
			resp.Bodys = bodys
			ok = ok && got
		}
	}

	if !ok {
		return false
	}

	if len(resp.Folders) > 0 {
		m.scheduleFolderPrefetch(resp.Folders)
	}
	if req.GetUids {
		m.schedulePrefetch(req.Folder, resp.Uids)
	}

	if !prefetch {
		m.respond(resp)
	}
	return true
}

// schedulePrefetch queues background downloads for a freshly synced
// folder, to the configured prefetch depth. The requests are cache-aware,
// so already-downloaded messages cost nothing.
func (m *Manager) schedulePrefetch(folder string, uids []uint32) {
	if len(uids) == 0 {
		return
	}
	level := m.cfg.Cache.PrefetchLevel
	if level >= conf.PrefetchLevelCurrentView {
		m.AsyncRequest(Request{PrefetchLevel: 2, Folder: folder, GetHeaders: uids, GetFlags: uids})
	}
	if level >= conf.PrefetchLevelFullSync {
		m.AsyncRequest(Request{PrefetchLevel: 3, Folder: folder, GetBodys: uids})
	}
}

// scheduleFolderPrefetch queues a UID sync for every folder; each synced
// folder then feeds schedulePrefetch for the deeper levels.
func (m *Manager) scheduleFolderPrefetch(folders []string) {
	if m.cfg.Cache.PrefetchLevel < conf.PrefetchLevelFolderList {
		return
	}
	for _, folder := range folders {
		m.AsyncRequest(Request{PrefetchLevel: 1, Folder: folder, GetUids: true})
	}
}

// prefetchableByAge drops UIDs whose cached header is older than the
// configured prefetch window. UIDs with no cached header yet are kept;
// their age is unknown.
func (m *Manager) prefetchableByAge(folder string, uids []uint32) []uint32 {
	maxAge := m.cfg.Cache.PrefetchMaxAge
	if maxAge <= 0 {
		return uids
	}

	headers, _ := m.session.GetHeaders(folder, uids, true, false)
	cutoff := time.Now().AddDate(0, 0, -maxAge).Unix()

	var kept []uint32
	for _, uid := range uids {
		header, cached := headers[uid]
		if cached && !header.Empty() && header.Timestamp < cutoff {
			continue
		}
		kept = append(kept, uid)
	}
	return kept
}

func (m *Manager) performAction(action *Action) bool {
	switch {
	case action.SetSeen || action.SetUnseen:
		m.setStatus(status.StateUpdatingFlags, -1)
		return m.session.SetFlagSeen(action.Folder, action.Uids, action.SetSeen)
	case action.MoveDestination != "":
		m.setStatus(status.StateMoving, -1)
		return m.session.MoveMessages(action.Folder, action.Uids, action.MoveDestination)
	case action.Delete:
		m.setStatus(status.StateDeleting, -1)
		return m.session.DeleteMessages(action.Folder, action.Uids)
	case action.UploadMsg != "":
		m.setStatus(status.StateSaving, -1)
		return m.session.UploadMessage(action.UploadFolder, action.UploadMsg, action.UploadDraft)
	case action.Compose != nil:
		m.setStatus(status.StateSending, -1)
		if m.sender == nil {
			log.Printf("manager: dropping compose action, no sender configured")
			return true
		}
		raw, err := m.sender.Send(*action.Compose)
		if err != nil {
			log.Printf("manager: %v", err)
			return false
		}
		if action.SentFolder != "" {
			m.setStatus(status.StateSaving, -1)
			return m.session.UploadMessage(action.SentFolder, raw, false)
		}
		return true
	}
	log.Printf("manager: dropping empty action")
	return true
}

// failItem retries an item in place up to maxAttempts total tries, then
// drops it. A failure also triggers a liveness probe; a dead connection
// moves the manager into its reconnect cycle with the item kept at the
// queue front.
func (m *Manager) failItem(item *workItem) {
	var tries *int
	if item.action != nil {
		tries = &item.action.tryCount
	} else {
		tries = &item.request.tryCount
	}
	*tries++

	if *tries < maxAttempts {
		m.requeueFront(item)
	} else {
		log.Printf("manager: dropping item after %d attempts", *tries)
		m.completeItem(item.prefetch)
		m.reportFailure(item)
	}

	if !m.session.CheckConnection() {
		m.setConnected(false)
		m.setStatus(status.StateOffline, -1)
	}
}

// reportFailure tells the UI a dropped item will never be answered, so a
// pending view can stop waiting for it.
func (m *Manager) reportFailure(item *workItem) {
	folder := ""
	if item.action != nil {
		folder = item.action.Folder
	} else {
		folder = item.request.Folder
	}
	m.respond(Response{Folder: folder, Failed: true})
}

// progress accounting

func (m *Manager) progressFor(prefetch bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total, done := m.foregroundTotal, m.foregroundDone
	if prefetch {
		total, done = m.prefetchTotal, m.prefetchDone
	}
	if total < progressReportMinTasks {
		return -1
	}
	return done * 100 / total
}

// completeItem updates the progress counters and resets them once their
// queue drains, so the next burst of work starts from zero.
func (m *Manager) completeItem(prefetch bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prefetch {
		m.prefetchDone++
		empty := true
		for _, queue := range m.prefetchQueue {
			if len(queue) > 0 {
				empty = false
				break
			}
		}
		if empty {
			m.prefetchTotal = 0
			m.prefetchDone = 0
		}
	} else {
		m.foregroundDone++
		if len(m.actionQueue) == 0 && len(m.requestQueue) == 0 {
			m.foregroundTotal = 0
			m.foregroundDone = 0
		}
	}
}

// idle parks the connection in IMAP IDLE until new mail arrives, new work
// is queued, the idle window expires, or shutdown. The window is capped
// by the OAuth token lifetime so the session never idles past its
// credentials.
func (m *Manager) idle() {
	duration := defaultIdleDuration
	if m.cfg.IdleTimeoutMin > 0 {
		duration = time.Duration(m.cfg.IdleTimeoutMin) * time.Minute
	}
	if m.oauth.Enabled() {
		if tte := m.oauth.TimeToExpiry(); tte < duration {
			duration = tte
		}
		if duration <= 0 {
			m.maybeAuthRefresh()
			return
		}
	}

	folder := m.folderForIdle()
	existsCh, err := m.session.IdleStart(folder)
	if err != nil {
		log.Printf("manager: %v", err)
		m.setConnected(false)
		m.setStatus(status.StateOffline, -1)
		return
	}

	m.setStatus(status.StateIdle, -1)
	m.indexer.NotifyIdle(true)

	newMail := false
	select {
	case <-m.stop:
	case <-m.wake:
	case <-existsCh:
		newMail = true
	case <-time.After(duration):
	}

	m.indexer.NotifyIdle(false)
	if err := m.session.IdleDone(); err != nil {
		log.Printf("manager: %v", err)
		m.setConnected(false)
		m.setStatus(status.StateOffline, -1)
		return
	}

	if newMail {
		m.setStatus(status.StateChecking, -1)
		if m.refreshWarranted(folder) {
			m.AsyncRequest(Request{Folder: folder, GetUids: true})
		}
	}
}

// refreshWarranted compares the folder's live message count against the
// cached UID set, so an EXISTS that turns out to be a no-op (flag churn
// from another client) does not trigger a full UID resync. Unknown counts
// err on the side of refreshing.
func (m *Manager) refreshWarranted(folder string) bool {
	info, ok := m.session.GetFolderInfo(folder)
	if !ok {
		return true
	}
	cached, ok := m.session.GetUids(folder, true)
	if !ok {
		return true
	}
	return int(info.Count) != len(cached)
}

func (m *Manager) folderForIdle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentFolder
}

// cacheLoop answers foreground requests from local data only, giving the
// UI an immediate (possibly stale) result while the main worker talks to
// the server.
func (m *Manager) cacheLoop() error {
	for {
		m.mu.Lock()
		var req *Request
		if len(m.cacheQueue) > 0 {
			head := m.cacheQueue[0]
			m.cacheQueue = m.cacheQueue[1:]
			req = &head
		}
		m.mu.Unlock()

		if req == nil {
			select {
			case <-m.stop:
				return nil
			case <-m.cacheWake:
			}
			continue
		}

		resp := Response{Folder: req.Folder, Cached: true}
		any := false

		if req.GetFolders {
			if folders, ok := m.session.GetFolders(true); ok {
				resp.Folders = folders
				any = true
			}
		}
		if req.GetUids {
			if uids, ok := m.session.GetUids(req.Folder, true); ok {
				resp.Uids = uids
				any = true
			}
		}
		if len(req.GetHeaders) > 0 {
			if headers, ok := m.session.GetHeaders(req.Folder, req.GetHeaders, true, false); ok && len(headers) > 0 {
				resp.Headers = headers
				any = true
			}
		}
		if len(req.GetFlags) > 0 {
			if flags, ok := m.session.GetFlags(req.Folder, req.GetFlags, true); ok && len(flags) > 0 {
				resp.Flags = flags
				any = true
			}
		}
		if len(req.GetBodys) > 0 {
			if bodys, ok := m.session.GetBodys(req.Folder, req.GetBodys, true, false); ok && len(bodys) > 0 {
				resp.Bodys = bodys
				any = true
			}
		}

		if any {
			m.respond(resp)
		}
	}
}

// searchLoop serves index queries.
func (m *Manager) searchLoop() error {
	for {
		m.mu.Lock()
		var query *SearchQuery
		if len(m.searchQueue) > 0 {
			head := m.searchQueue[0]
			m.searchQueue = m.searchQueue[1:]
			query = &head
		}
		m.mu.Unlock()

		if query == nil {
			select {
			case <-m.stop:
				return nil
			case <-m.searchWake:
			}
			continue
		}

		results, hasMore, err := m.indexer.Search(query.Query, query.Offset, query.Max)
		if err != nil {
			log.Printf("manager: search failed: %v", err)
		}
		if m.handler.Search != nil {
			m.handler.Search(SearchResponse{Query: *query, Results: results, HasMore: hasMore})
		}
	}
}
