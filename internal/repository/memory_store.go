package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/domain"
)

// MemoryStore implements all three repositories in process. It backs tests and
// single-node development runs; values are cloned on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	convs    map[string]domain.Conversation
	direct   map[string]string // direct_key -> conversation id
	messages map[string]domain.Message
	byConv   map[string][]string // conversation id -> message ids
	clientID map[string]string   // conv|sender|client_msg_id -> message id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		convs:    make(map[string]domain.Conversation),
		direct:   make(map[string]string),
		messages: make(map[string]domain.Message),
		byConv:   make(map[string][]string),
		clientID: make(map[string]string),
	}
}

func (s *MemoryStore) Store() Store {
	return Store{Users: s, Conversations: s, Messages: s}
}

// users

func (s *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return ErrDuplicate
	}
	s.users[u.ID] = u.Clone()
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) ApplyEdges(_ context.Context, userID string, mut domain.EdgeMutation) (domain.EdgeMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.EdgeMutation{}, ErrNotFound
	}
	if !mut.Satisfied(u) {
		return domain.EdgeMutation{}, ErrPreconditionFailed
	}
	applied := mut.Applied(u)
	u = u.Clone()
	mut.Apply(&u)
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return applied, nil
}

// conversations

func (s *MemoryStore) CreateConversation(_ context.Context, c domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.ID]; ok {
		return ErrDuplicate
	}
	if c.DirectKey != "" {
		if _, ok := s.direct[c.DirectKey]; ok {
			return ErrDuplicate
		}
		s.direct[c.DirectKey] = c.ID
	}
	s.convs[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) FindDirect(_ context.Context, directKey string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.direct[directKey]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	return s.convs[id].Clone(), nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string, limit int) ([]domain.Conversation, error) {
	s.mu.RLock()
	out := []domain.Conversation{}
	for _, c := range s.convs {
		if c.HasMember(userID) && !c.HiddenFor(userID) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, c domain.Conversation) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.convs[c.ID]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	if cur.Version != c.Version {
		return domain.Conversation{}, ErrVersionConflict
	}
	cur.Members = slices.Clone(c.Members)
	cur.Admin = c.Admin
	cur.Name = c.Name
	cur.Avatar = c.Avatar
	cur.DeletedFor = slices.Clone(c.DeletedFor)
	cur.UpdatedAt = c.UpdatedAt
	cur.Version++
	s.convs[c.ID] = cur
	return cur.Clone(), nil
}

func (s *MemoryStore) SetLastMessage(_ context.Context, conversationID string, ref domain.LastMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.convs[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	if !ref.Newer(cur.LastMessage) {
		return false, nil
	}
	lm := ref
	cur.LastMessage = &lm
	cur.DeletedFor = []string{}
	cur.Version++
	if ref.CreatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = ref.CreatedAt
	}
	s.convs[conversationID] = cur
	return true, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	if c.DirectKey != "" && s.direct[c.DirectKey] == id {
		delete(s.direct, c.DirectKey)
	}
	delete(s.convs, id)
	return nil
}

// messages

func clientKey(conv, sender, clientMsgID string) string {
	return conv + "|" + sender + "|" + clientMsgID
}

func (s *MemoryStore) InsertMessage(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return ErrDuplicate
	}
	if m.ClientMsgID != "" {
		k := clientKey(m.ConversationID, m.SenderID, m.ClientMsgID)
		if _, ok := s.clientID[k]; ok {
			return ErrDuplicate
		}
		s.clientID[k] = m.ID
	}
	s.messages[m.ID] = m
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return domain.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) FindByClientID(_ context.Context, conversationID, senderID, clientMsgID string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.clientID[clientKey(conversationID, senderID, clientMsgID)]
	if !ok {
		return domain.Message{}, ErrNotFound
	}
	return s.messages[id], nil
}

func (s *MemoryStore) EditMessage(_ context.Context, id, body string, at time.Time) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return domain.Message{}, ErrNotFound
	}
	if m.IsDeleted {
		return domain.Message{}, ErrPreconditionFailed
	}
	m.Body = body
	m.IsEdited = true
	m.EditedAt = &at
	s.messages[id] = m
	return m, nil
}

func (s *MemoryStore) SoftDeleteMessage(_ context.Context, id string, at time.Time) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return domain.Message{}, false, ErrNotFound
	}
	if m.IsDeleted {
		return m, false, nil
	}
	m.IsDeleted = true
	m.Body = ""
	m.AttachmentRef = ""
	m.DeletedAt = &at
	s.messages[id] = m
	return m, true, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, q ListQuery) ([]domain.Message, error) {
	s.mu.RLock()
	all := make([]domain.Message, 0, len(s.byConv[q.ConversationID]))
	for _, id := range s.byConv[q.ConversationID] {
		m := s.messages[id]
		c := m.Cursor()
		switch {
		case q.Cursor.IsZero():
		case q.Before && !c.Before(q.Cursor):
			continue
		case !q.Before && !q.Cursor.Before(c):
			continue
		}
		all = append(all, m)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Cursor().Before(all[j].Cursor()) })
	if q.Limit > 0 && len(all) > q.Limit {
		if q.Before {
			all = all[len(all)-q.Limit:]
		} else {
			all = all[:q.Limit]
		}
	}
	return all, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	s.dropLocked(m)
	s.byConv[m.ConversationID] = slices.DeleteFunc(s.byConv[m.ConversationID], func(v string) bool { return v == id })
	return nil
}

func (s *MemoryStore) DeleteByConversation(_ context.Context, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byConv[conversationID]
	for _, id := range ids {
		s.dropLocked(s.messages[id])
	}
	delete(s.byConv, conversationID)
	return int64(len(ids)), nil
}

func (s *MemoryStore) dropLocked(m domain.Message) {
	if m.ClientMsgID != "" {
		delete(s.clientID, clientKey(m.ConversationID, m.SenderID, m.ClientMsgID))
	}
	delete(s.messages, m.ID)
}
