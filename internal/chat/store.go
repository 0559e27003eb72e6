package chat

import (
	"iter"
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// ReconcileOutcome is the effect of applying one server message.
type ReconcileOutcome int

const (
	// OutcomeAppended means no provisional entry matched and the message
	// was appended.
	OutcomeAppended ReconcileOutcome = iota
	// OutcomePromoted means a provisional entry was replaced in place.
	OutcomePromoted
	// OutcomeDuplicate means the durable id was already present.
	OutcomeDuplicate
)

func (o ReconcileOutcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomePromoted:
		return "promoted"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Store is the in-memory timeline for one signed-in session. It holds
// every conversation's messages in arrival order and matches server
// messages against optimistic entries the user sent.
//
// Store is not safe for concurrent use. Session confines it to its event
// loop goroutine.
type Store struct {
	self int64
	msgs []models.Message

	// durable holds every durable id present in msgs.
	durable map[models.MessageID]struct{}

	// pending holds provisional ids still waiting for a server
	// counterpart, oldest first. System entries are never pending.
	pending []models.MessageID

	// seq counts live mutations. touched records the seq at which each
	// entry was last added or promoted; history rows are never touched.
	seq     uint64
	touched map[models.MessageID]uint64

	nextProvisional models.MessageID
}

// NewStore returns an empty store for the user self.
func NewStore(self int64) *Store {
	return &Store{
		self:            self,
		durable:         make(map[models.MessageID]struct{}),
		touched:         make(map[models.MessageID]uint64),
		nextProvisional: -1,
	}
}

// Self returns the signed-in user the store was created for.
func (s *Store) Self() int64 { return s.self }

// Len returns the number of entries across all conversations.
func (s *Store) Len() int { return len(s.msgs) }

// All yields every entry in display order.
func (s *Store) All() iter.Seq[models.Message] {
	return func(yield func(models.Message) bool) {
		for _, m := range s.msgs {
			if !yield(m) {
				return
			}
		}
	}
}

// Messages returns a copy of every entry in display order.
func (s *Store) Messages() []models.Message {
	return slices.Clone(s.msgs)
}

// Reset discards all entries.
func (s *Store) Reset() {
	s.msgs = nil
	s.pending = nil
	clear(s.durable)
	clear(s.touched)
	s.nextProvisional = -1
}

// Mark returns the current mutation watermark. Entries added or promoted
// after it survive a ReplaceConversation called with it.
func (s *Store) Mark() uint64 { return s.seq }

func (s *Store) touch(id models.MessageID) {
	s.seq++
	s.touched[id] = s.seq
}

// InsertProvisional appends an optimistic entry for a message the user is
// sending and returns it as stored. A caller-supplied provisional id is
// kept when unused; otherwise a fresh one is assigned.
func (s *Store) InsertProvisional(m models.Message) models.Message {
	m.ID = s.claimProvisional(m.ID)
	m.System = false

	s.msgs = append(s.msgs, m)
	s.pending = append(s.pending, m.ID)
	s.touch(m.ID)

	return m
}

// AppendSystem appends a synthesized entry that never receives a durable
// counterpart.
func (s *Store) AppendSystem(m models.Message) models.Message {
	m.ID = s.claimProvisional(m.ID)
	m.System = true

	s.msgs = append(s.msgs, m)
	s.touch(m.ID)

	return m
}

func (s *Store) claimProvisional(id models.MessageID) models.MessageID {
	if id.Provisional() && s.indexOf(id) < 0 {
		if id <= s.nextProvisional {
			s.nextProvisional = id - 1
		}

		return id
	}

	id = s.nextProvisional
	for s.indexOf(id) >= 0 {
		id--
	}

	s.nextProvisional = id - 1

	return id
}

// ApplyServerEvent reconciles a durable message from the server. The
// oldest pending entry that matches it is replaced in place; otherwise the
// message is appended. A durable id already present is ignored.
func (s *Store) ApplyServerEvent(m models.Message) ReconcileOutcome {
	if !m.ID.Durable() {
		return OutcomeDuplicate
	}

	if _, ok := s.durable[m.ID]; ok {
		return OutcomeDuplicate
	}

	if p := s.matchPending(m); p >= 0 {
		idx := s.indexOf(s.pending[p])
		delete(s.touched, s.pending[p])
		s.msgs[idx] = m
		s.pending = slices.Delete(s.pending, p, p+1)
		s.durable[m.ID] = struct{}{}
		s.touch(m.ID)

		return OutcomePromoted
	}

	s.msgs = append(s.msgs, m)
	s.durable[m.ID] = struct{}{}
	s.touch(m.ID)

	return OutcomeAppended
}

// matchPending returns the position in s.pending of the entry m confirms,
// or -1. An echoed correlation id wins over structural matching.
func (s *Store) matchPending(m models.Message) int {
	return matchIn(s.pending, func(id models.MessageID) models.Message {
		return s.msgs[s.indexOf(id)]
	}, m)
}

func matchIn(pending []models.MessageID, entry func(models.MessageID) models.Message, m models.Message) int {
	if m.ClientMsgID != "" {
		for i, id := range pending {
			if entry(id).ClientMsgID == m.ClientMsgID {
				return i
			}
		}
	}

	for i, id := range pending {
		if sameContent(entry(id), m) {
			return i
		}
	}

	return -1
}

// sameContent reports whether a provisional entry and a server message
// carry the same sender, conversation, text and attachment.
func sameContent(p, m models.Message) bool {
	if p.SenderID != m.SenderID || p.RecipientID != m.RecipientID || p.GroupID != m.GroupID {
		return false
	}

	if norm.NFC.String(p.Text) != norm.NFC.String(m.Text) {
		return false
	}

	switch {
	case p.Attachment == nil && m.Attachment == nil:
		return true
	case p.Attachment == nil || m.Attachment == nil:
		return false
	}

	if p.Attachment.Name != m.Attachment.Name {
		return false
	}

	// History rows carry no size.
	return p.Attachment.Size == m.Attachment.Size || p.Attachment.Size == 0 || m.Attachment.Size == 0
}

// RemoveProvisional removes a pending entry by its provisional id. It
// reports false, and changes nothing, when the entry was already promoted
// or never existed.
func (s *Store) RemoveProvisional(id models.MessageID) bool {
	p := slices.Index(s.pending, id)
	if p < 0 {
		return false
	}

	s.pending = slices.Delete(s.pending, p, p+1)
	delete(s.touched, id)

	if idx := s.indexOf(id); idx >= 0 {
		s.msgs = slices.Delete(s.msgs, idx, idx+1)
	}

	return true
}

// ReplaceConversation swaps the history of the conversation key for msgs,
// sorted by timestamp ascending. Entries added or promoted after the
// watermark since, and pending sends, are kept after the loaded rows: they
// are newer than any page fetched from that point. A pending send that the
// page already contains is settled by it. Entries without a durable id and
// repeated ids in msgs are skipped.
func (s *Store) ReplaceConversation(key models.ConversationKey, msgs []models.Message, since uint64) {
	if key.IsZero() {
		return
	}

	var (
		kept []models.Message
		live []models.Message
	)

	for _, m := range s.msgs {
		switch {
		case !key.Contains(m, s.self):
			kept = append(kept, m)
		case s.touched[m.ID] > since || slices.Contains(s.pending, m.ID):
			live = append(live, m)
		default:
			if m.ID.Durable() {
				delete(s.durable, m.ID)
			}

			delete(s.touched, m.ID)
		}
	}

	loaded := make([]models.Message, 0, len(msgs))

	for _, m := range msgs {
		if !m.ID.Durable() || !key.Contains(m, s.self) {
			continue
		}

		if _, ok := s.durable[m.ID]; ok {
			continue
		}

		s.durable[m.ID] = struct{}{}
		loaded = append(loaded, m)
	}

	slices.SortStableFunc(loaded, func(a, b models.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	live = s.settlePending(live, loaded)

	s.msgs = slices.Concat(kept, loaded, live)
}

// settlePending drops pending entries of live that a loaded row confirms.
func (s *Store) settlePending(live, loaded []models.Message) []models.Message {
	byID := make(map[models.MessageID]models.Message, len(live))
	for _, m := range live {
		byID[m.ID] = m
	}

	var candidates []models.MessageID

	for _, id := range s.pending {
		if _, ok := byID[id]; ok {
			candidates = append(candidates, id)
		}
	}

	entry := func(id models.MessageID) models.Message { return byID[id] }

	for _, m := range loaded {
		p := matchIn(candidates, entry, m)
		if p < 0 {
			continue
		}

		id := candidates[p]
		candidates = slices.Delete(candidates, p, p+1)

		if i := slices.Index(s.pending, id); i >= 0 {
			s.pending = slices.Delete(s.pending, i, i+1)
		}

		delete(s.touched, id)
		live = slices.DeleteFunc(live, func(e models.Message) bool { return e.ID == id })
	}

	return live
}

// Pending reports whether id is a provisional entry awaiting confirmation.
func (s *Store) Pending(id models.MessageID) bool {
	return slices.Contains(s.pending, id)
}

func (s *Store) indexOf(id models.MessageID) int {
	return slices.IndexFunc(s.msgs, func(m models.Message) bool {
		return m.ID == id
	})
}
