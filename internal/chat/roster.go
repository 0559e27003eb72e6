package chat

import (
	"cmp"
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Roster caches users, friends and groups with their presence. Presence
// is mutated by presence events; everything else only by a full reload.
// Roster is owned by the Session event loop and is not safe for
// concurrent use.
type Roster struct {
	users   map[int64]models.User
	friends map[int64]struct{}
	groups  map[int64]models.GroupInfo
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{
		users:   make(map[int64]models.User),
		friends: make(map[int64]struct{}),
		groups:  make(map[int64]models.GroupInfo),
	}
}

// Replace swaps the cached state for a freshly loaded snapshot.
func (r *Roster) Replace(snap models.RosterSnapshot) {
	clear(r.users)
	clear(r.friends)
	clear(r.groups)

	for _, u := range snap.Users {
		if u.Status == "" {
			u.Status = models.StatusOffline
		}

		r.users[u.ID] = u
	}

	for _, id := range snap.FriendIDs {
		r.friends[id] = struct{}{}
	}

	for _, g := range snap.Groups {
		if g.Members == nil {
			g.Members = []int64{}
		}

		if g.DeniedMembers == nil {
			g.DeniedMembers = []int64{}
		}

		r.groups[g.ID] = g
	}
}

// SetStatus updates a known user's presence. Unknown users are ignored and
// SetStatus reports false.
func (r *Roster) SetStatus(userID int64, status models.PresenceStatus) bool {
	u, ok := r.users[userID]
	if !ok {
		return false
	}

	u.Status = status
	r.users[userID] = u

	return true
}

// Status returns a user's presence and whether the user is known.
func (r *Roster) Status(userID int64) (models.PresenceStatus, bool) {
	u, ok := r.users[userID]
	return u.Status, ok
}

// User returns a cached user.
func (r *Roster) User(id int64) (models.User, bool) {
	u, ok := r.users[id]
	return u, ok
}

// Group returns a cached group.
func (r *Roster) Group(id int64) (models.GroupInfo, bool) {
	g, ok := r.groups[id]
	return g, ok
}

// IsFriend reports whether id is in the friend list.
func (r *Roster) IsFriend(id int64) bool {
	_, ok := r.friends[id]
	return ok
}

// Snapshot returns a copy of the cached state ordered by id.
func (r *Roster) Snapshot() models.RosterSnapshot {
	var snap models.RosterSnapshot

	for _, u := range r.users {
		snap.Users = append(snap.Users, u)
	}

	for id := range r.friends {
		snap.FriendIDs = append(snap.FriendIDs, id)
	}

	for _, g := range r.groups {
		g.Members = slices.Clone(g.Members)
		g.DeniedMembers = slices.Clone(g.DeniedMembers)
		snap.Groups = append(snap.Groups, g)
	}

	slices.SortFunc(snap.Users, func(a, b models.User) int { return cmp.Compare(a.ID, b.ID) })
	slices.Sort(snap.FriendIDs)
	slices.SortFunc(snap.Groups, func(a, b models.GroupInfo) int { return cmp.Compare(a.ID, b.ID) })

	return snap
}
