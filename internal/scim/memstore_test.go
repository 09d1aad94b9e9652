package scim

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dhawalhost/scimgate/internal/filter"
	"github.com/dhawalhost/scimgate/internal/store"
)

// memStore is an in-memory Store for service tests. Search ignores the
// translated predicate (that translation is covered elsewhere) and applies
// ordering and pagination only; the last query is recorded for assertions.
type memStore struct {
	mu      sync.Mutex
	users   map[int]map[string]*store.UserRecord
	groups  map[int]map[string]*store.GroupRecord
	members map[int]map[string]map[string]store.Member // tenant -> group -> member id
	lastQ   store.Query
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[int]map[string]*store.UserRecord),
		groups:  make(map[int]map[string]*store.GroupRecord),
		members: make(map[int]map[string]map[string]store.Member),
	}
}

func (m *memStore) Init(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) Dialect() filter.Dialect { return filter.SQLite }

func cloneUser(r *store.UserRecord) *store.UserRecord {
	c := *r
	c.Data = append(store.JSON(nil), r.Data...)
	return &c
}

func cloneGroup(r *store.GroupRecord) *store.GroupRecord {
	c := *r
	c.Data = append(store.JSON(nil), r.Data...)
	return &c
}

func (m *memStore) CreateUser(_ context.Context, rec *store.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[rec.TenantID] == nil {
		m.users[rec.TenantID] = make(map[string]*store.UserRecord)
	}
	for _, u := range m.users[rec.TenantID] {
		if strings.EqualFold(u.UserName, rec.UserName) {
			return &store.UniquenessError{Attribute: "userName"}
		}
	}
	m.users[rec.TenantID][rec.ID] = cloneUser(rec)
	return nil
}

func (m *memStore) GetUser(_ context.Context, tenantID int, id string) (*store.UserRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[tenantID][id]
	if !ok {
		return nil, false, nil
	}
	return cloneUser(u), true, nil
}

func (m *memStore) FindUserByUserName(_ context.Context, tenantID int, userName string) (*store.UserRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users[tenantID] {
		if strings.EqualFold(u.UserName, userName) {
			return cloneUser(u), true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) UpdateUser(_ context.Context, rec *store.UserRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[rec.TenantID][rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionMismatch
	}
	next := cloneUser(rec)
	next.Version = expectedVersion + 1
	m.users[rec.TenantID][rec.ID] = next
	return nil
}

func (m *memStore) DeleteUser(_ context.Context, tenantID int, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[tenantID][id]; !ok {
		return store.ErrNotFound
	}
	delete(m.users[tenantID], id)
	for _, edges := range m.members[tenantID] {
		delete(edges, id)
	}
	return nil
}

func (m *memStore) SearchUsers(_ context.Context, tenantID int, q store.Query) ([]store.UserRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQ = q
	all := make([]store.UserRecord, 0, len(m.users[tenantID]))
	for _, u := range m.users[tenantID] {
		all = append(all, *cloneUser(u))
	}
	sort.Slice(all, func(i, j int) bool {
		return strings.ToLower(all[i].UserName) < strings.ToLower(all[j].UserName)
	})
	return pageUsers(all, q)
}

func pageUsers(all []store.UserRecord, q store.Query) ([]store.UserRecord, int64, error) {
	total := int64(len(all))
	if q.Offset >= total || q.Limit == 0 {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if q.Limit < 0 || end > total {
		end = total
	}
	return all[q.Offset:end], total, nil
}

func (m *memStore) UserExists(_ context.Context, tenantID int, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[tenantID][id]
	return ok, nil
}

func (m *memStore) CreateGroup(_ context.Context, rec *store.GroupRecord, members []store.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups[rec.TenantID] == nil {
		m.groups[rec.TenantID] = make(map[string]*store.GroupRecord)
	}
	for _, g := range m.groups[rec.TenantID] {
		if strings.EqualFold(g.DisplayName, rec.DisplayName) {
			return &store.UniquenessError{Attribute: "displayName"}
		}
	}
	m.groups[rec.TenantID][rec.ID] = cloneGroup(rec)
	m.setMembers(rec.TenantID, rec.ID, members)
	return nil
}

func (m *memStore) setMembers(tenantID int, groupID string, members []store.Member) {
	if m.members[tenantID] == nil {
		m.members[tenantID] = make(map[string]map[string]store.Member)
	}
	edges := make(map[string]store.Member, len(members))
	for _, mem := range members {
		edges[mem.MemberID] = mem
	}
	m.members[tenantID][groupID] = edges
}

func (m *memStore) GetGroup(_ context.Context, tenantID int, id string) (*store.GroupRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[tenantID][id]
	if !ok {
		return nil, false, nil
	}
	return cloneGroup(g), true, nil
}

func (m *memStore) FindGroupByDisplayName(_ context.Context, tenantID int, displayName string) (*store.GroupRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups[tenantID] {
		if strings.EqualFold(g.DisplayName, displayName) {
			return cloneGroup(g), true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) UpdateGroup(_ context.Context, rec *store.GroupRecord, expectedVersion int64, members []store.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.groups[rec.TenantID][rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionMismatch
	}
	next := cloneGroup(rec)
	next.Version = expectedVersion + 1
	m.groups[rec.TenantID][rec.ID] = next
	if members != nil {
		m.setMembers(rec.TenantID, rec.ID, members)
	}
	return nil
}

func (m *memStore) DeleteGroup(_ context.Context, tenantID int, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[tenantID][id]; !ok {
		return store.ErrNotFound
	}
	delete(m.groups[tenantID], id)
	delete(m.members[tenantID], id)
	for _, edges := range m.members[tenantID] {
		delete(edges, id)
	}
	return nil
}

func (m *memStore) SearchGroups(_ context.Context, tenantID int, q store.Query) ([]store.GroupRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQ = q
	all := make([]store.GroupRecord, 0, len(m.groups[tenantID]))
	for _, g := range m.groups[tenantID] {
		all = append(all, *cloneGroup(g))
	}
	sort.Slice(all, func(i, j int) bool {
		return strings.ToLower(all[i].DisplayName) < strings.ToLower(all[j].DisplayName)
	})
	total := int64(len(all))
	if q.Offset >= total || q.Limit == 0 {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if q.Limit < 0 || end > total {
		end = total
	}
	return all[q.Offset:end], total, nil
}

func (m *memStore) GroupExists(_ context.Context, tenantID int, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.groups[tenantID][id]
	return ok, nil
}

func (m *memStore) AddMember(_ context.Context, tenantID int, groupID string, mem store.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[tenantID] == nil {
		m.members[tenantID] = make(map[string]map[string]store.Member)
	}
	if m.members[tenantID][groupID] == nil {
		m.members[tenantID][groupID] = make(map[string]store.Member)
	}
	m.members[tenantID][groupID][mem.MemberID] = mem
	return nil
}

func (m *memStore) RemoveMember(_ context.Context, tenantID int, groupID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[tenantID][groupID], memberID)
	return nil
}

func (m *memStore) MembersOfGroup(_ context.Context, tenantID int, groupID string) ([]store.MemberInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.MemberInfo
	for _, mem := range m.members[tenantID][groupID] {
		info := store.MemberInfo{MemberID: mem.MemberID, MemberType: mem.MemberType}
		if mem.MemberType == "Group" {
			if g, ok := m.groups[tenantID][mem.MemberID]; ok {
				info.Display = g.DisplayName
			}
		} else if u, ok := m.users[tenantID][mem.MemberID]; ok {
			info.Display = u.UserName
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

func (m *memStore) GroupsOfUser(_ context.Context, tenantID int, userID string) ([]store.GroupRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.GroupRef
	for gid, edges := range m.members[tenantID] {
		if _, ok := edges[userID]; ok {
			ref := store.GroupRef{GroupID: gid}
			if g, ok := m.groups[tenantID][gid]; ok {
				ref.Display = g.DisplayName
			}
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Display < out[j].Display })
	return out, nil
}

func (m *memStore) UserIDsInGroup(_ context.Context, tenantID int, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, mem := range m.members[tenantID][groupID] {
		if mem.MemberType != "Group" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
