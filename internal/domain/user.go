package domain

import (
	"slices"
	"time"
)

// Edge names a per-user relationship set. Values double as storage field names.
type Edge string

const (
	EdgeFriends  Edge = "friends"
	EdgeSent     Edge = "sent_requests"
	EdgeReceived Edge = "received_requests"
	EdgeBlocked  Edge = "blocked_users"
)

type User struct {
	ID               string    `bson:"_id" json:"id"`
	Friends          []string  `bson:"friends" json:"friends"`
	SentRequests     []string  `bson:"sent_requests" json:"sent_requests"`
	ReceivedRequests []string  `bson:"received_requests" json:"received_requests"`
	BlockedUsers     []string  `bson:"blocked_users" json:"blocked_users"`
	CreatedAt        time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at" json:"updated_at"`
}

func NewUser(id string, now time.Time) User {
	return User{
		ID:               id,
		Friends:          []string{},
		SentRequests:     []string{},
		ReceivedRequests: []string{},
		BlockedUsers:     []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (u *User) set(e Edge) *[]string {
	switch e {
	case EdgeFriends:
		return &u.Friends
	case EdgeSent:
		return &u.SentRequests
	case EdgeReceived:
		return &u.ReceivedRequests
	case EdgeBlocked:
		return &u.BlockedUsers
	}
	return nil
}

func (u User) Has(e Edge, other string) bool {
	s := u.set(e)
	return s != nil && slices.Contains(*s, other)
}

func (u User) IsFriend(other string) bool  { return u.Has(EdgeFriends, other) }
func (u User) HasBlocked(other string) bool { return u.Has(EdgeBlocked, other) }

// EdgeMutation is a single-record change against one counterpart user.
// Require and Forbid are preconditions checked atomically with the write.
type EdgeMutation struct {
	Target  string
	Require []Edge
	Forbid  []Edge
	Add     []Edge
	Remove  []Edge
}

func (m EdgeMutation) Empty() bool { return len(m.Add) == 0 && len(m.Remove) == 0 }

// Inverse undoes an applied mutation. Only meaningful on the effective change
// returned by Applied, where every Add was absent and every Remove present.
func (m EdgeMutation) Inverse() EdgeMutation {
	return EdgeMutation{Target: m.Target, Add: slices.Clone(m.Remove), Remove: slices.Clone(m.Add)}
}

// Satisfied reports whether u meets the mutation's preconditions.
func (m EdgeMutation) Satisfied(u User) bool {
	for _, e := range m.Require {
		if !u.Has(e, m.Target) {
			return false
		}
	}
	for _, e := range m.Forbid {
		if u.Has(e, m.Target) {
			return false
		}
	}
	return true
}

// Applied narrows m to what it actually changes when applied to before.
func (m EdgeMutation) Applied(before User) EdgeMutation {
	out := EdgeMutation{Target: m.Target}
	for _, e := range m.Add {
		if !before.Has(e, m.Target) {
			out.Add = append(out.Add, e)
		}
	}
	for _, e := range m.Remove {
		if before.Has(e, m.Target) {
			out.Remove = append(out.Remove, e)
		}
	}
	return out
}

// Apply mutates u in place. Preconditions are not checked.
func (m EdgeMutation) Apply(u *User) {
	for _, e := range m.Add {
		s := u.set(e)
		if s != nil && !slices.Contains(*s, m.Target) {
			*s = append(*s, m.Target)
		}
	}
	for _, e := range m.Remove {
		s := u.set(e)
		if s != nil {
			*s = slices.DeleteFunc(*s, func(v string) bool { return v == m.Target })
		}
	}
}

func (u User) Clone() User {
	u.Friends = slices.Clone(u.Friends)
	u.SentRequests = slices.Clone(u.SentRequests)
	u.ReceivedRequests = slices.Clone(u.ReceivedRequests)
	u.BlockedUsers = slices.Clone(u.BlockedUsers)
	return u
}
