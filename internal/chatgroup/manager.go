package chatgroup

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrAlreadyGrouped = errors.New("client already in a group")
	ErrNotInGroup     = errors.New("client not in a group")
	ErrNotOwner       = errors.New("only the group owner can remove other members")
	ErrSelfInvite     = errors.New("client cannot invite itself")
	ErrDifferentGroup = errors.New("clients are not in the same group")
)

// Group is a snapshot of one chat group.
type Group struct {
	ID       string
	OwnerUID string
	Members  []string
}

// Len reports the member count.
func (g Group) Len() int { return len(g.Members) }

// Has reports whether uid is a member.
func (g Group) Has(uid string) bool { return slices.Contains(g.Members, uid) }

type group struct {
	id      string
	owner   string
	members []string
}

func (g *group) snapshot() Group {
	return Group{ID: g.id, OwnerUID: g.owner, Members: slices.Clone(g.members)}
}

// Manager tracks client -> group and group -> members. Groups that drop
// below two members are dissolved.
type Manager struct {
	mu       sync.RWMutex
	groups   map[string]*group
	byClient map[string]string
}

func NewManager() *Manager {
	return &Manager{
		groups:   make(map[string]*group),
		byClient: make(map[string]string),
	}
}

// AddClient puts invitee into inviter's group, creating one owned by the
// inviter when needed. Affected groups are returned for notification.
func (m *Manager) AddClient(inviterUID, inviteeUID string) (Group, error) {
	if inviterUID == inviteeUID {
		return Group{}, ErrSelfInvite
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byClient[inviteeUID]; ok {
		return Group{}, ErrAlreadyGrouped
	}
	gid, ok := m.byClient[inviterUID]
	if !ok {
		gid = uuid.NewString()
		m.groups[gid] = &group{id: gid, owner: inviterUID, members: []string{inviterUID}}
		m.byClient[inviterUID] = gid
	}
	g := m.groups[gid]
	g.members = append(g.members, inviteeUID)
	m.byClient[inviteeUID] = gid
	return g.snapshot(), nil
}

// RemoveClient removes target from remover's group. Members may remove
// themselves; only the owner may remove others. It returns the group as it
// stands after removal (possibly dissolved, with no members) and the
// members that were in it before.
func (m *Manager) RemoveClient(removerUID, targetUID string) (after Group, before []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gid, ok := m.byClient[targetUID]
	if !ok {
		return Group{}, nil, ErrNotInGroup
	}
	g := m.groups[gid]
	if removerUID != targetUID {
		if m.byClient[removerUID] != gid {
			return Group{}, nil, ErrDifferentGroup
		}
		if g.owner != removerUID {
			return Group{}, nil, ErrNotOwner
		}
	}
	before = slices.Clone(g.members)
	m.removeLocked(g, targetUID)
	return g.snapshot(), before, nil
}

// Leave drops uid from whatever group it is in, used on disconnect.
func (m *Manager) Leave(uid string) (after Group, before []string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gid, found := m.byClient[uid]
	if !found {
		return Group{}, nil, false
	}
	g := m.groups[gid]
	before = slices.Clone(g.members)
	m.removeLocked(g, uid)
	return g.snapshot(), before, true
}

func (m *Manager) removeLocked(g *group, uid string) {
	g.members = slices.DeleteFunc(g.members, func(s string) bool { return s == uid })
	delete(m.byClient, uid)
	if g.owner == uid && len(g.members) > 0 {
		g.owner = g.members[0]
	}
	if len(g.members) < 2 {
		for _, rest := range g.members {
			delete(m.byClient, rest)
		}
		g.members = nil
		g.owner = ""
		delete(m.groups, g.id)
	}
}

// ClientGroup returns the group uid belongs to.
func (m *Manager) ClientGroup(uid string) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gid, ok := m.byClient[uid]
	if !ok {
		return Group{}, false
	}
	return m.groups[gid].snapshot(), true
}

// Group returns a group by id.
func (m *Manager) Group(groupID string) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return g.snapshot(), true
}

// Members returns the member uids of groupID, or nil.
func (m *Manager) Members(groupID string) []string {
	g, ok := m.Group(groupID)
	if !ok {
		return nil
	}
	return g.Members
}
