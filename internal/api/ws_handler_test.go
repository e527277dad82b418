package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/fathima-sithara/social-messaging/internal/service"
	"github.com/fathima-sithara/social-messaging/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newWSHandler(s *testServer) *WSHandler {
	return &WSHandler{
		hub:    s.hub,
		convs:  s.convs,
		msgs:   s.msgs,
		fanout: ws.LocalFanout{Hub: s.hub},
		opts:   ws.SessionOptions{SendBuffer: 16},
		log:    zap.NewNop(),
	}
}

func connect(s *testServer, userID string) *ws.Session {
	sess := ws.NewSession(userID, nil, ws.SessionOptions{SendBuffer: 16})
	s.hub.Register(sess)
	return sess
}

func next(t *testing.T, sess *ws.Session) ws.Envelope {
	t.Helper()
	select {
	case b := <-sess.Outbound():
		var env ws.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
	return ws.Envelope{}
}

func assertQuiet(t *testing.T, sess *ws.Session) {
	t.Helper()
	select {
	case b := <-sess.Outbound():
		t.Fatalf("unexpected frame %s", b)
	default:
	}
}

func directBetween(t *testing.T, s *testServer, a, b string) domain.Conversation {
	t.Helper()
	c, _, err := s.convs.FindOrCreateDirect(context.Background(), a, b)
	require.NoError(t, err)
	return c
}

func TestWSMessageAcksSenderAndFansOut(t *testing.T) {
	s := newTestServer(t, nil, "alice", "bob")
	h := newWSHandler(s)
	conv := directBetween(t, s, "alice", "bob")

	aliceTab := connect(s, "alice")
	alicePhone := connect(s, "alice")
	bob := connect(s, "bob")

	frame, err := ws.NewEnvelope(ws.TypeMessage, conv.ID, messagePayload{Body: "hello"})
	require.NoError(t, err)
	frame.TempID = "tmp-1"
	h.handleFrame(aliceTab, frame)

	ack := next(t, aliceTab)
	assert.Equal(t, ws.TypeAck, ack.Type)
	assert.Equal(t, "tmp-1", ack.TempID)
	require.NotEmpty(t, ack.MsgID)
	assertQuiet(t, aliceTab)

	got := next(t, bob)
	assert.Equal(t, domain.EventMessageCreated, got.Type)
	assert.Equal(t, ack.MsgID, got.MsgID)
	assert.Equal(t, "tmp-1", got.TempID)

	// the sender's other sessions stay in sync
	assert.Equal(t, ack.MsgID, next(t, alicePhone).MsgID)

	// retrying the same temp id does not duplicate
	h.handleFrame(aliceTab, frame)
	again := next(t, aliceTab)
	assert.Equal(t, ack.MsgID, again.MsgID)

	page, err := s.msgs.List(context.Background(), service.ListInput{ConversationID: conv.ID, ActorID: "bob"})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestWSMessageErrors(t *testing.T) {
	s := newTestServer(t, nil, "alice", "bob", "carol")
	h := newWSHandler(s)
	conv := directBetween(t, s, "alice", "bob")
	carol := connect(s, "carol")

	frame, err := ws.NewEnvelope(ws.TypeMessage, conv.ID, messagePayload{Body: "let me in"})
	require.NoError(t, err)
	frame.TempID = "tmp-x"
	h.handleFrame(carol, frame)
	env := next(t, carol)
	assert.Equal(t, ws.TypeError, env.Type)
	assert.Equal(t, "not_member", env.Code)
	assert.Equal(t, "tmp-x", env.TempID)

	h.handleFrame(carol, ws.Envelope{Type: ws.TypeMessage, ConversationID: conv.ID, Payload: json.RawMessage(`"nope"`)})
	assert.Equal(t, "bad_frame", next(t, carol).Code)

	h.handleFrame(carol, ws.Envelope{Type: "dance"})
	assert.Equal(t, "unknown_type", next(t, carol).Code)
}

func TestWSTypingRelaysToOtherMembers(t *testing.T) {
	s := newTestServer(t, nil, "alice", "bob")
	h := newWSHandler(s)
	conv := directBetween(t, s, "alice", "bob")
	alice := connect(s, "alice")
	bob := connect(s, "bob")

	frame, err := ws.NewEnvelope(ws.TypeTyping, conv.ID, typingPayload{Typing: true})
	require.NoError(t, err)
	h.handleFrame(alice, frame)

	got := next(t, bob)
	assert.Equal(t, domain.EventTyping, got.Type)
	assert.Equal(t, "alice", got.From)
	var p typingPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.Typing)
	assertQuiet(t, alice)
}
