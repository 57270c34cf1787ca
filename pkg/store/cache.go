package store

import (
	"sort"
	"sync"
	"time"
)

// FieldTimes records when each mergeable conversation field was last
// mutated in this process. ListForOwner compares these against the
// durable row's update time so each field resolves last-writer-wins
// independently.
type FieldTimes struct {
	LastMessage time.Time
	Unread      time.Time
	Presence    time.Time
	DisplayName time.Time
}

// CachedConversation is the memory tier's view of one conversation.
type CachedConversation struct {
	Conversation
	Touched FieldTimes
}

// CacheStats is the operational snapshot exposed through stats reads.
type CacheStats struct {
	Conversations  int
	Messages       int
	FootprintBytes int64
}

type cacheEntry struct {
	conv     Conversation
	touched  FieldTimes
	messages []Message
	nextSeq  int64
}

// Cache is the in-process tier. It is subordinate to the durable
// store: eviction discards only the cached copy.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	byID    map[string]string
}

func NewCache() *Cache {
	return &Cache{
		entries: map[string]*cacheEntry{},
		byID:    map[string]string{},
	}
}

func cacheKey(ownerID, normalizedAddress string) string {
	return ownerID + "\x00" + normalizedAddress
}

// Put mirrors a durable conversation into the cache. maxSeq seeds the
// per-conversation sequence counter from the durable tier.
func (c *Cache) Put(conv Conversation, maxSeq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(conv.OwnerID, conv.NormalizedAddress)
	if existing, ok := c.entries[key]; ok {
		if existing.conv.ID != conv.ID {
			delete(c.byID, existing.conv.ID)
		}
		existing.conv = conv
		if maxSeq > existing.nextSeq {
			existing.nextSeq = maxSeq
		}
		c.byID[conv.ID] = key
		return
	}
	c.entries[key] = &cacheEntry{conv: conv, nextSeq: maxSeq}
	c.byID[conv.ID] = key
}

func (c *Cache) Get(ownerID, normalizedAddress string) (Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[cacheKey(ownerID, normalizedAddress)]
	if !ok {
		return Conversation{}, false
	}
	return entry.conv, true
}

func (c *Cache) GetByID(id string) (Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return c.entries[key].conv, true
}

// Append stores a message in the cached list, assigns its sequence
// number, and updates the conversation's derived fields. A duplicate
// (same event id, or same role+content within dedupWindow) is not
// stored; the existing copy is returned instead.
func (c *Cache) Append(conversationID string, msg Message, dedupWindow time.Duration) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.byID[conversationID]
	if !ok {
		return Message{}, false
	}
	entry := c.entries[key]

	for i := len(entry.messages) - 1; i >= 0; i-- {
		existing := entry.messages[i]
		if msg.EventID != "" && existing.EventID == msg.EventID {
			return existing, true
		}
		if existing.Role == msg.Role && existing.Content == msg.Content {
			delta := msg.CreatedAt.Sub(existing.CreatedAt)
			if delta < 0 {
				delta = -delta
			}
			if delta <= dedupWindow {
				return existing, true
			}
		}
	}

	entry.nextSeq++
	msg.ConversationID = entry.conv.ID
	msg.Seq = entry.nextSeq
	entry.messages = append(entry.messages, msg)

	now := time.Now()
	entry.conv.LastMessageText = msg.Content
	entry.conv.LastMessageAt = msg.CreatedAt
	entry.touched.LastMessage = now
	if msg.Role == RoleInbound {
		entry.conv.UnreadCount++
		entry.touched.Unread = now
	}
	entry.conv.UpdatedAt = now
	return msg, true
}

// RecentMessages returns up to limit cached messages in seq order;
// limit <= 0 means all cached.
func (c *Cache) RecentMessages(conversationID string, limit int) ([]Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byID[conversationID]
	if !ok {
		return nil, false
	}
	msgs := c.entries[key].messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, true
}

func (c *Cache) MessageCount(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byID[conversationID]
	if !ok {
		return 0
	}
	return len(c.entries[key].messages)
}

func (c *Cache) MarkRead(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.byID[conversationID]
	if !ok {
		return false
	}
	entry := c.entries[key]
	entry.conv.UnreadCount = 0
	entry.touched.Unread = time.Now()
	return true
}

func (c *Cache) SetPresence(conversationID string, online bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.byID[conversationID]
	if !ok {
		return false
	}
	entry := c.entries[key]
	entry.conv.IsOnline = online
	entry.touched.Presence = time.Now()
	return true
}

func (c *Cache) SetDisplayName(conversationID, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.byID[conversationID]
	if !ok {
		return false
	}
	entry := c.entries[key]
	entry.conv.DisplayName = name
	entry.touched.DisplayName = time.Now()
	return true
}

func (c *Cache) SetDeliveryStatus(conversationID, messageID string, status DeliveryStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.byID[conversationID]
	if !ok {
		return false
	}
	entry := c.entries[key]
	for i := range entry.messages {
		if entry.messages[i].ID == messageID {
			entry.messages[i].DeliveryStatus = status
			return true
		}
	}
	return false
}

// BumpSeq raises the cached sequence counter to at least seq; used
// after reconciliation reassigns durable sequence numbers.
func (c *Cache) BumpSeq(conversationID string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.byID[conversationID]
	if !ok {
		return
	}
	if entry := c.entries[key]; seq > entry.nextSeq {
		entry.nextSeq = seq
	}
}

// ListForOwner returns cached conversations for the owner with their
// field mutation times.
func (c *Cache) ListForOwner(ownerID string) []CachedConversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := []CachedConversation{}
	for _, entry := range c.entries {
		if entry.conv.OwnerID != ownerID {
			continue
		}
		out = append(out, CachedConversation{Conversation: entry.conv, Touched: entry.touched})
	}
	return out
}

// Rebind moves a cached conversation onto a new canonical id after
// reconciliation merged its durable record. The cached message tail is
// dropped: the merge renumbered the durable rows, so the old cached
// sequence numbers no longer line up and would overlay the wrong rows
// in a merged read. The sequence counter is kept so future appends
// stay monotonic.
func (c *Cache) Rebind(oldID, newID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.byID[oldID]
	if !ok {
		return false
	}
	entry := c.entries[key]
	delete(c.byID, oldID)
	entry.conv.ID = newID
	entry.messages = nil
	c.byID[newID] = key
	return true
}

func (c *Cache) Remove(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.byID[conversationID]
	if !ok {
		return
	}
	delete(c.byID, conversationID)
	delete(c.entries, key)
}

// EvictExpired drops conversations whose last activity is older than
// ttl. Returns the number evicted.
func (c *Cache) EvictExpired(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, entry := range c.entries {
		last := entry.conv.LastMessageAt
		if last.IsZero() {
			last = entry.conv.CreatedAt
		}
		if last.Before(cutoff) {
			delete(c.byID, entry.conv.ID)
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// EvictOverCap drops the oldest-by-last-activity conversations until
// the count is back under max. Returns the number evicted.
func (c *Cache) EvictOverCap(max int) int {
	if max <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	over := len(c.entries) - max
	if over <= 0 {
		return 0
	}

	type aged struct {
		key  string
		id   string
		last time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		last := entry.conv.LastMessageAt
		if last.IsZero() {
			last = entry.conv.CreatedAt
		}
		all = append(all, aged{key: key, id: entry.conv.ID, last: last})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })

	for _, victim := range all[:over] {
		delete(c.byID, victim.id)
		delete(c.entries, victim.key)
	}
	return over
}

// TrimMessages caps every cached message list at keep entries,
// dropping the oldest. Trimmed turns stay durable. Returns the total
// number trimmed.
func (c *Cache) TrimMessages(keep int) int {
	if keep <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	trimmed := 0
	for _, entry := range c.entries {
		if over := len(entry.messages) - keep; over > 0 {
			entry.messages = append([]Message{}, entry.messages[over:]...)
			trimmed += over
		}
	}
	return trimmed
}

// Stats reports conversation and message counts plus a rough memory
// footprint estimate.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := CacheStats{Conversations: len(c.entries)}
	for _, entry := range c.entries {
		stats.Messages += len(entry.messages)
		stats.FootprintBytes += int64(len(entry.conv.DisplayName) + len(entry.conv.LastMessageText) + 256)
		for _, m := range entry.messages {
			size := len(m.Content) + 128
			for k, v := range m.Media {
				size += len(k) + len(v)
			}
			stats.FootprintBytes += int64(size)
		}
	}
	return stats
}
