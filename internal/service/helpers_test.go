package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/config"
	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/fathima-sithara/social-messaging/internal/repository"
	"github.com/fathima-sithara/social-messaging/internal/ws"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingFanout struct {
	mu         sync.Mutex
	deliveries []ws.Delivery
	err        error
}

func (f *recordingFanout) Emit(_ context.Context, d ws.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	return f.err
}

func (f *recordingFanout) ofType(typ string) []ws.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ws.Delivery
	for _, d := range f.deliveries {
		if d.Envelope.Type == typ {
			out = append(out, d)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.DomainEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Event)
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Conversation: config.ConversationConfig{GroupMinMembers: 3, CASRetries: 5},
		Message:      config.MessageConfig{MaxBodyLength: 100, DefaultPageSize: 50, MaxPageSize: 200},
		Social:       config.SocialConfig{SagaRetries: 2, SagaBackoffMs: 1},
		SagaBackoff:  time.Millisecond,
	}
}

type fixture struct {
	mem    *repository.MemoryStore
	store  repository.Store
	graph  *SocialGraph
	convs  *ConversationService
	msgs   *MessageService
	fanout *recordingFanout
	events *recordingPublisher
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	mem := repository.NewMemoryStore()
	return newFixtureWithStore(t, mem, mem.Store(), users...)
}

func newFixtureWithStore(t *testing.T, mem *repository.MemoryStore, store repository.Store, users ...string) *fixture {
	t.Helper()
	cfg := testConfig()
	log := zap.NewNop()
	f := &fixture{mem: mem, store: store, fanout: &recordingFanout{}, events: &recordingPublisher{}}
	f.graph = NewSocialGraph(store.Users, f.events, cfg, log)
	f.convs = NewConversationService(store, f.graph, f.fanout, f.events, cfg, log)
	f.msgs = NewMessageService(store, f.convs, f.graph, f.fanout, f.events, cfg, log)
	for _, u := range users {
		_, err := f.graph.RegisterUser(context.Background(), u)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) user(t *testing.T, id string) domain.User {
	t.Helper()
	u, err := f.graph.GetRelations(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (f *fixture) group(t *testing.T, admin string, members ...string) domain.Conversation {
	t.Helper()
	c, err := f.convs.CreateGroup(context.Background(), CreateGroupInput{Name: "Trip", Members: members, AdminID: admin})
	require.NoError(t, err)
	return c
}

var errInjected = errors.New("injected write failure")

// flakyUsers fails ApplyEdges for the listed user ids.
type flakyUsers struct {
	repository.UserRepository
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func newFlakyUsers(inner repository.UserRepository, fail ...string) *flakyUsers {
	f := &flakyUsers{UserRepository: inner, fail: map[string]bool{}, calls: map[string]int{}}
	for _, id := range fail {
		f.fail[id] = true
	}
	return f
}

func (f *flakyUsers) ApplyEdges(ctx context.Context, userID string, mut domain.EdgeMutation) (domain.EdgeMutation, error) {
	f.mu.Lock()
	f.calls[userID]++
	failing := f.fail[userID]
	f.mu.Unlock()
	if failing {
		return domain.EdgeMutation{}, errInjected
	}
	return f.UserRepository.ApplyEdges(ctx, userID, mut)
}

func (f *flakyUsers) heal(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fail, id)
}

// hookedUsers runs hook once, right before the first ApplyEdges that match
// selects, to interleave another operation between two saga writes.
type hookedUsers struct {
	repository.UserRepository
	mu     sync.Mutex
	match  func(userID string, mut domain.EdgeMutation) bool
	hook   func()
	called bool
}

func (h *hookedUsers) ApplyEdges(ctx context.Context, userID string, mut domain.EdgeMutation) (domain.EdgeMutation, error) {
	h.mu.Lock()
	var fn func()
	if !h.called && h.hook != nil && h.match(userID, mut) {
		h.called = true
		fn = h.hook
	}
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return h.UserRepository.ApplyEdges(ctx, userID, mut)
}

func adds(userID string, e domain.Edge) func(string, domain.EdgeMutation) bool {
	return func(id string, mut domain.EdgeMutation) bool {
		return id == userID && slices.Contains(mut.Add, e)
	}
}

// hookedConversations runs an armed hook before the next UpdateConversation.
type hookedConversations struct {
	repository.ConversationRepository
	mu     sync.Mutex
	before func()
}

func (h *hookedConversations) arm(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = fn
}

func (h *hookedConversations) UpdateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	h.mu.Lock()
	fn := h.before
	h.before = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return h.ConversationRepository.UpdateConversation(ctx, c)
}
