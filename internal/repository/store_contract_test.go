package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("direct uniqueness", func(t *testing.T) { testDirectUnique(t, newStore(t)) })
	t.Run("version conflict", func(t *testing.T) { testVersionConflict(t, newStore(t)) })
	t.Run("last message lww", func(t *testing.T) { testLastMessageLWW(t, newStore(t)) })
	t.Run("list messages", func(t *testing.T) { testListMessages(t, newStore(t)) })
	t.Run("edit and soft delete", func(t *testing.T) { testEditSoftDelete(t, newStore(t)) })
	t.Run("client id dedupe", func(t *testing.T) { testClientIDDedupe(t, newStore(t)) })
	t.Run("cascade delete", func(t *testing.T) { testCascade(t, newStore(t)) })
}

func uid(prefix string) string { return prefix + "-" + uuid.NewString()[:8] }

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	a, b := uid("a"), uid("b")
	require.NoError(t, s.Users.CreateUser(ctx, domain.NewUser(a, now)))
	assert.ErrorIs(t, s.Users.CreateUser(ctx, domain.NewUser(a, now)), ErrDuplicate)

	_, err := s.Users.GetUser(ctx, uid("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	applied, err := s.Users.ApplyEdges(ctx, a, domain.EdgeMutation{
		Target: b, Forbid: []domain.Edge{domain.EdgeBlocked}, Add: []domain.Edge{domain.EdgeSent},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Edge{domain.EdgeSent}, applied.Add)

	// second add is a no-op and reports no effective change
	applied, err = s.Users.ApplyEdges(ctx, a, domain.EdgeMutation{Target: b, Add: []domain.Edge{domain.EdgeSent}})
	require.NoError(t, err)
	assert.True(t, applied.Empty())

	_, err = s.Users.ApplyEdges(ctx, a, domain.EdgeMutation{Target: b, Require: []domain.Edge{domain.EdgeReceived}, Remove: []domain.Edge{domain.EdgeReceived}})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = s.Users.ApplyEdges(ctx, uid("ghost"), domain.EdgeMutation{Target: b, Add: []domain.Edge{domain.EdgeSent}})
	assert.ErrorIs(t, err, ErrNotFound)

	u, err := s.Users.GetUser(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, u.SentRequests)
}

func newGroup(now time.Time, members ...string) domain.Conversation {
	return domain.Conversation{
		ID: uuid.NewString(), Type: domain.ConversationGroup, Name: "g",
		Members: members, Admin: members[0], DeletedFor: []string{},
		CreatedAt: now, UpdatedAt: now,
	}
}

func testDirectUnique(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	a, b := uid("a"), uid("b")
	key := domain.DirectKey(a, b)
	first := domain.Conversation{ID: uuid.NewString(), Type: domain.ConversationDirect, Members: []string{a, b}, DirectKey: key, CreatedAt: now, UpdatedAt: now}
	second := first
	second.ID = uuid.NewString()

	require.NoError(t, s.Conversations.CreateConversation(ctx, first))
	assert.ErrorIs(t, s.Conversations.CreateConversation(ctx, second), ErrDuplicate)

	got, err := s.Conversations.FindDirect(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func testVersionConflict(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	c := newGroup(now, uid("u"), uid("u"), uid("u"), uid("u"))
	require.NoError(t, s.Conversations.CreateConversation(ctx, c))

	stale := c
	c.Members = c.Members[:3]
	updated, err := s.Conversations.UpdateConversation(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, c.Version+1, updated.Version)
	assert.Len(t, updated.Members, 3)

	stale.Name = "other"
	_, err = s.Conversations.UpdateConversation(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	stale.ID = uuid.NewString()
	_, err = s.Conversations.UpdateConversation(ctx, stale)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testLastMessageLWW(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	c := newGroup(now, uid("u"), uid("u"), uid("u"))
	require.NoError(t, s.Conversations.CreateConversation(ctx, c))

	older := domain.LastMessage{ID: "m1", SenderID: c.Members[0], CreatedAt: now.Add(time.Second)}
	newer := domain.LastMessage{ID: "m2", SenderID: c.Members[1], CreatedAt: now.Add(2 * time.Second)}

	moved, err := s.Conversations.SetLastMessage(ctx, c.ID, newer)
	require.NoError(t, err)
	assert.True(t, moved)

	// the older pointer update arrives late and must not regress
	moved, err = s.Conversations.SetLastMessage(ctx, c.ID, older)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := s.Conversations.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "m2", got.LastMessage.ID)
	assert.True(t, got.UpdatedAt.Equal(newer.CreatedAt))
	assert.Equal(t, c.Version+1, got.Version, "only the pointer move bumps version")

	// a writer holding the pre-message copy must lose its CAS
	_, err = s.Conversations.UpdateConversation(ctx, c)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.Conversations.SetLastMessage(ctx, uuid.NewString(), newer)
	assert.ErrorIs(t, err, ErrNotFound)
}

func insertN(t *testing.T, s Store, convID string, base time.Time, n int) []domain.Message {
	t.Helper()
	out := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		m := domain.Message{
			ID:             fmt.Sprintf("m%03d", i),
			ConversationID: convID,
			SenderID:       "s",
			Body:           fmt.Sprintf("body %d", i),
			// pairs share a timestamp so the id breaks ties
			CreatedAt: base.Add(time.Duration(i/2) * time.Millisecond),
		}
		require.NoError(t, s.Messages.InsertMessage(context.Background(), m))
		out = append(out, m)
	}
	return out
}

func testListMessages(t *testing.T, s Store) {
	ctx := context.Background()
	convID := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)
	want := insertN(t, s, convID, base, 7)

	var got []string
	cursor := domain.Cursor{}
	for {
		page, err := s.Messages.ListMessages(ctx, ListQuery{ConversationID: convID, Cursor: cursor, Limit: 3})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			got = append(got, m.ID)
		}
		cursor = page[len(page)-1].Cursor()
	}
	ids := make([]string, 0, len(want))
	for _, m := range want {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, ids, got)

	back, err := s.Messages.ListMessages(ctx, ListQuery{ConversationID: convID, Cursor: want[5].Cursor(), Before: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, "m003", back[0].ID)
	assert.Equal(t, "m004", back[1].ID)

	latest, err := s.Messages.ListMessages(ctx, ListQuery{ConversationID: convID, Before: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "m006", latest[1].ID)
}

func testEditSoftDelete(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	m := domain.Message{ID: uuid.NewString(), ConversationID: "c", SenderID: "s", Body: "hi", AttachmentRef: "media/x", CreatedAt: now}
	require.NoError(t, s.Messages.InsertMessage(ctx, m))

	edited, err := s.Messages.EditMessage(ctx, m.ID, "hello", now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "hello", edited.Body)

	del, changed, err := s.Messages.SoftDeleteMessage(ctx, m.ID, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, del.IsDeleted)
	assert.Empty(t, del.Body)
	assert.Empty(t, del.AttachmentRef)

	again, changed, err := s.Messages.SoftDeleteMessage(ctx, m.ID, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, changed)
	require.NotNil(t, again.DeletedAt)
	assert.True(t, again.DeletedAt.Equal(*del.DeletedAt))

	_, err = s.Messages.EditMessage(ctx, m.ID, "zombie", now.Add(4*time.Second))
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = s.Messages.EditMessage(ctx, uuid.NewString(), "x", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testClientIDDedupe(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	convID := uuid.NewString()
	m := domain.Message{ID: uuid.NewString(), ConversationID: convID, SenderID: "s", Body: "hi", ClientMsgID: "tmp-1", CreatedAt: now}
	require.NoError(t, s.Messages.InsertMessage(ctx, m))

	dup := m
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.Messages.InsertMessage(ctx, dup), ErrDuplicate)

	found, err := s.Messages.FindByClientID(ctx, convID, "s", "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, found.ID)

	// messages without a client id never collide
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Messages.InsertMessage(ctx, domain.Message{ID: uuid.NewString(), ConversationID: convID, SenderID: "s", Body: "x", CreatedAt: now}))
	}
}

func testCascade(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	c := newGroup(now, uid("u"), uid("u"), uid("u"))
	require.NoError(t, s.Conversations.CreateConversation(ctx, c))
	insertN(t, s, c.ID, now, 4)

	require.NoError(t, s.Conversations.DeleteConversation(ctx, c.ID))
	n, err := s.Messages.DeleteByConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	left, err := s.Messages.ListMessages(ctx, ListQuery{ConversationID: c.ID})
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.ErrorIs(t, s.Conversations.DeleteConversation(ctx, c.ID), ErrNotFound)
}
