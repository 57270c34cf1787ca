package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ngassam/vendabot/pkg/identity"
	"github.com/ngassam/vendabot/pkg/logger"
)

const logComponent = "store"

// Options tunes the dual-tier behavior.
type Options struct {
	// DedupWindow is the creation-time window within which two
	// messages with the same role and content count as one delivery.
	DedupWindow time.Duration
	// FlushTimeout bounds each durable write performed by the
	// background flusher.
	FlushTimeout time.Duration
}

func (o *Options) fill() {
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
}

type flushOp struct {
	msg  *Message
	conv *Conversation
}

// Store is the dual-tier conversation store: writes land in the
// memory tier immediately and are flushed to the durable tier in the
// background. The durable tier is the source of truth for identity;
// the memory tier may run ahead by the unflushed mutations of this
// process.
type Store struct {
	durable *DurableStore
	cache   *Cache
	opts    Options

	flushCh chan flushOp
	wg      sync.WaitGroup

	// highSeq is the highest sequence number assigned per conversation
	// in this process, including assignments still queued for flush.
	// Reseeding a cache entry from the durable tier alone could hand
	// out a sequence number an unflushed message already holds.
	seqMu   sync.Mutex
	highSeq map[string]int64

	closeMu sync.Mutex
	closed  bool
}

func New(durable *DurableStore, opts Options) *Store {
	opts.fill()
	s := &Store{
		durable: durable,
		cache:   NewCache(),
		opts:    opts,
		flushCh: make(chan flushOp, 256),
		highSeq: map[string]int64{},
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

func (s *Store) Cache() *Cache { return s.cache }

func (s *Store) Durable() *DurableStore { return s.durable }

// Close stops the flusher after draining pending writes.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.flushCh)
	s.closeMu.Unlock()
	s.wg.Wait()
	return nil
}

// noteSeq records a sequence number handed out for the conversation.
func (s *Store) noteSeq(conversationID string, seq int64) {
	s.seqMu.Lock()
	if seq > s.highSeq[conversationID] {
		s.highSeq[conversationID] = seq
	}
	s.seqMu.Unlock()
}

// seedSeq returns the counter to seed a cache entry with: the durable
// maximum, raised to any higher number this process already assigned.
func (s *Store) seedSeq(conversationID string, durableMax int64) int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if hw := s.highSeq[conversationID]; hw > durableMax {
		return hw
	}
	return durableMax
}

func (s *Store) enqueueFlush(op flushOp) {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		s.runFlush(op)
		return
	}
	select {
	case s.flushCh <- op:
		s.closeMu.Unlock()
	default:
		// Backlog full: persist inline rather than drop.
		s.closeMu.Unlock()
		s.runFlush(op)
	}
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	for op := range s.flushCh {
		s.runFlush(op)
	}
}

func (s *Store) runFlush(op flushOp) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
	defer cancel()

	switch {
	case op.msg != nil:
		if _, err := s.durable.InsertMessage(ctx, *op.msg, s.opts.DedupWindow); err != nil {
			logger.ErrorCF(logComponent, "durable message flush failed", map[string]interface{}{
				"conversation": op.msg.ConversationID,
				"message":      op.msg.ID,
				"error":        fmt.Errorf("%w: %v", ErrDurablePersistence, err).Error(),
			})
		}
	case op.conv != nil:
		if err := s.durable.SaveConversation(ctx, *op.conv); err != nil {
			logger.ErrorCF(logComponent, "durable conversation flush failed", map[string]interface{}{
				"conversation": op.conv.ID,
				"error":        fmt.Errorf("%w: %v", ErrDurablePersistence, err).Error(),
			})
		}
	}
}

// FindOrCreate resolves the conversation for (ownerID, rawAddress),
// creating a durable record on first contact and mirroring it into
// the memory tier. The normalized address is the only identity key;
// raw formatting differences resolve to the same conversation.
func (s *Store) FindOrCreate(ctx context.Context, ownerID, rawAddress, channelSessionID string) (Conversation, error) {
	id, err := identity.Normalize(rawAddress)
	if err != nil {
		return Conversation{}, err
	}

	if conv, ok := s.cache.Get(ownerID, id.Normalized); ok {
		return conv, nil
	}

	conv, err := s.durable.FindConversation(ctx, ownerID, id.Normalized)
	switch {
	case err == nil:
		maxSeq, seqErr := s.durable.MaxSeq(ctx, conv.ID)
		if seqErr != nil {
			logger.WarnCF(logComponent, "seed sequence counter failed", map[string]interface{}{
				"conversation": conv.ID, "error": seqErr.Error(),
			})
		}
		s.cache.Put(conv, s.seedSeq(conv.ID, maxSeq))
		return conv, nil
	case err == ErrConversationNotFound:
		// fall through to create
	default:
		// Durable tier unavailable: the memory copy is authoritative
		// until the next successful flush.
		logger.ErrorCF(logComponent, "durable lookup failed, continuing in memory", map[string]interface{}{
			"owner": ownerID, "address": id.Normalized,
			"error": fmt.Errorf("%w: %v", ErrDurablePersistence, err).Error(),
		})
	}

	now := time.Now()
	created := Conversation{
		ID:                "conv-" + uuid.NewString(),
		OwnerID:           ownerID,
		NormalizedAddress: id.Normalized,
		ChannelSessionID:  channelSessionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if insErr := s.durable.InsertConversation(ctx, created); insErr != nil {
		logger.ErrorCF(logComponent, "durable create failed, continuing in memory", map[string]interface{}{
			"owner": ownerID, "address": id.Normalized,
			"error": fmt.Errorf("%w: %v", ErrDurablePersistence, insErr).Error(),
		})
		s.cache.Put(created, 0)
		return created, nil
	}

	// Re-read so a concurrent creator's older record wins; the oldest
	// row is canonical and agrees with reconciliation's pick.
	canonical, findErr := s.durable.FindConversation(ctx, ownerID, id.Normalized)
	if findErr != nil {
		canonical = created
	}
	maxSeq, _ := s.durable.MaxSeq(ctx, canonical.ID)
	s.cache.Put(canonical, s.seedSeq(canonical.ID, maxSeq))
	if canonical.ID != created.ID {
		logger.InfoCF(logComponent, "creation race resolved to older record", map[string]interface{}{
			"kept": canonical.ID, "discarded": created.ID,
		})
	}
	return canonical, nil
}

// AppendMessage records one turn: memory tier first for read-after-
// write latency, then an async durable flush through the same
// duplicate-suppression path. The returned message carries the
// assigned id and sequence number; a suppressed duplicate returns the
// existing record.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.DeliveryStatus == "" {
		msg.DeliveryStatus = DeliveryPending
	}

	stored, ok := s.cache.Append(conversationID, msg, s.opts.DedupWindow)
	if !ok {
		// Evicted or never cached: rehydrate from the durable tier.
		conv, err := s.durable.GetConversation(ctx, conversationID)
		if err != nil {
			return Message{}, err
		}
		maxSeq, err := s.durable.MaxSeq(ctx, conv.ID)
		if err != nil {
			return Message{}, err
		}
		s.cache.Put(conv, s.seedSeq(conv.ID, maxSeq))
		stored, _ = s.cache.Append(conversationID, msg, s.opts.DedupWindow)
	}

	if stored.ID != msg.ID {
		// Duplicate suppressed at the memory tier.
		return stored, nil
	}
	s.noteSeq(conversationID, stored.Seq)

	flushCopy := stored
	s.enqueueFlush(flushOp{msg: &flushCopy})
	if conv, ok := s.cache.GetByID(conversationID); ok {
		convCopy := conv
		s.enqueueFlush(flushOp{conv: &convCopy})
	}
	return stored, nil
}

// ResolveCanonical re-resolves a conversation id that may have been
// superseded by a mid-flight merge. Returns the canonical record for
// the conversation's identity.
func (s *Store) ResolveCanonical(ctx context.Context, conv Conversation) (Conversation, error) {
	canonical, err := s.durable.FindConversation(ctx, conv.OwnerID, conv.NormalizedAddress)
	if err == ErrConversationNotFound {
		return conv, nil
	}
	if err != nil {
		return conv, nil
	}
	if canonical.ID != conv.ID {
		s.cache.Rebind(conv.ID, canonical.ID)
		s.seqMu.Lock()
		if old := s.highSeq[conv.ID]; old > s.highSeq[canonical.ID] {
			s.highSeq[canonical.ID] = old
		}
		delete(s.highSeq, conv.ID)
		s.seqMu.Unlock()
		if maxSeq, seqErr := s.durable.MaxSeq(ctx, canonical.ID); seqErr == nil {
			s.cache.BumpSeq(canonical.ID, s.seedSeq(canonical.ID, maxSeq))
		}
	}
	return canonical, nil
}

// ListForOwner merges the durable and memory views, deduplicating by
// normalized address. Each field resolves last-writer-wins
// independently: a fresher cached unread count never clobbers a
// fresher durable last-message.
func (s *Store) ListForOwner(ctx context.Context, ownerID, channelSessionID string) ([]Conversation, error) {
	durable, err := s.durable.ListConversations(ctx, ownerID, channelSessionID)
	if err != nil {
		logger.ErrorCF(logComponent, "durable list failed, serving memory view", map[string]interface{}{
			"owner": ownerID,
			"error": fmt.Errorf("%w: %v", ErrDurablePersistence, err).Error(),
		})
		durable = nil
	}

	byAddr := make(map[string]Conversation, len(durable))
	for _, c := range durable {
		byAddr[c.NormalizedAddress] = c
	}

	for _, cached := range s.cache.ListForOwner(ownerID) {
		if channelSessionID != "" && cached.ChannelSessionID != "" && cached.ChannelSessionID != channelSessionID {
			continue
		}
		base, ok := byAddr[cached.NormalizedAddress]
		if !ok {
			byAddr[cached.NormalizedAddress] = cached.Conversation
			continue
		}
		if cached.Touched.LastMessage.After(base.UpdatedAt) {
			base.LastMessageText = cached.LastMessageText
			base.LastMessageAt = cached.LastMessageAt
		}
		if cached.Touched.Unread.After(base.UpdatedAt) {
			base.UnreadCount = cached.UnreadCount
		}
		if cached.Touched.Presence.After(base.UpdatedAt) {
			base.IsOnline = cached.IsOnline
		}
		if cached.Touched.DisplayName.After(base.UpdatedAt) {
			base.DisplayName = cached.DisplayName
		}
		byAddr[cached.NormalizedAddress] = base
	}

	out := make([]Conversation, 0, len(byAddr))
	for _, c := range byAddr {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListMessages returns the conversation's messages in sequence order.
// The durable tier serves the complete history; the cache fills in
// when the durable tier is unavailable.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	msgs, err := s.durable.ListMessages(ctx, conversationID, limit)
	if err != nil {
		if cached, ok := s.cache.RecentMessages(conversationID, limit); ok {
			logger.ErrorCF(logComponent, "durable read failed, serving cached messages", map[string]interface{}{
				"conversation": conversationID,
				"error":        fmt.Errorf("%w: %v", ErrDurablePersistence, err).Error(),
			})
			return cached, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		if _, ok := s.cache.GetByID(conversationID); !ok {
			if _, err := s.durable.GetConversation(ctx, conversationID); err != nil {
				return nil, err
			}
		}
		if cached, ok := s.cache.RecentMessages(conversationID, limit); ok && len(cached) > 0 {
			return cached, nil
		}
	}
	return msgs, nil
}

// History merges the full durable history with any cached turns not
// yet flushed, in sequence order. The memory copy wins where the two
// tiers overlap.
func (s *Store) History(ctx context.Context, conversationID string) ([]Message, error) {
	durable, err := s.durable.ListMessages(ctx, conversationID, 0)
	cached, inCache := s.cache.RecentMessages(conversationID, 0)
	if err != nil {
		if !inCache {
			return nil, err
		}
		logger.ErrorCF(logComponent, "durable history read failed, serving cached tail", map[string]interface{}{
			"conversation": conversationID,
			"error":        fmt.Errorf("%w: %v", ErrDurablePersistence, err).Error(),
		})
		durable = nil
	}
	if !inCache && len(durable) == 0 {
		if _, err := s.durable.GetConversation(ctx, conversationID); err != nil {
			return nil, err
		}
	}

	bySeq := make(map[int64]Message, len(durable)+len(cached))
	for _, m := range durable {
		bySeq[m.Seq] = m
	}
	for _, m := range cached {
		bySeq[m.Seq] = m
	}
	out := make([]Message, 0, len(bySeq))
	for _, m := range bySeq {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// RecentMessages prefers the hot cached copy and falls back to the
// durable tier; used on the composition path where latency matters.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if cached, ok := s.cache.RecentMessages(conversationID, limit); ok && len(cached) >= limit {
		return cached, nil
	}
	msgs, err := s.durable.ListMessages(ctx, conversationID, limit)
	if err != nil {
		if cached, ok := s.cache.RecentMessages(conversationID, limit); ok {
			return cached, nil
		}
		return nil, err
	}
	return msgs, nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID string) error {
	inCache := s.cache.MarkRead(conversationID)
	err := s.durable.MarkRead(ctx, conversationID)
	if err == ErrConversationNotFound && inCache {
		return nil
	}
	return err
}

func (s *Store) SetDeliveryStatus(ctx context.Context, conversationID, messageID string, status DeliveryStatus) error {
	s.cache.SetDeliveryStatus(conversationID, messageID, status)
	return s.durable.UpdateDeliveryStatus(ctx, messageID, status)
}

func (s *Store) UpdateSummary(ctx context.Context, sum Summary) error {
	return s.durable.UpsertSummary(ctx, sum)
}

func (s *Store) GetSummary(ctx context.Context, conversationID string) (Summary, bool, error) {
	return s.durable.GetSummary(ctx, conversationID)
}

// MemoryStats reports the memory tier's current footprint.
func (s *Store) MemoryStats() CacheStats {
	return s.cache.Stats()
}
