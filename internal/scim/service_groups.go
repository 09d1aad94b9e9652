package scim

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/filter"
	"github.com/dhawalhost/scimgate/internal/patch"
	"github.com/dhawalhost/scimgate/internal/resource"
	"github.com/dhawalhost/scimgate/internal/store"
)

// validateMembers checks that every referenced member resource exists in
// the tenant before any edge is written.
func (s *Service) validateMembers(ctx context.Context, tenantID int, members []store.Member) error {
	for _, m := range members {
		var (
			ok  bool
			err error
		)
		if m.MemberType == "Group" {
			ok, err = s.store.GroupExists(ctx, tenantID, m.MemberID)
		} else {
			ok, err = s.store.UserExists(ctx, tenantID, m.MemberID)
		}
		if err != nil {
			return internal(err)
		}
		if !ok {
			return badRequest("invalidValue", fmt.Sprintf("member %s does not exist", m.MemberID))
		}
	}
	return nil
}

// CreateGroup provisions a new group with its membership edges.
func (s *Service) CreateGroup(ctx context.Context, sc Scope, doc resource.Document) (resource.Document, error) {
	if err := resource.ValidateGroup(doc); err != nil {
		return nil, asSCIMError("Group", "", err)
	}
	displayName := doc.GetString("displayName")
	if _, exists, err := s.store.FindGroupByDisplayName(ctx, sc.TenantID, displayName); err != nil {
		return nil, internal(err)
	} else if exists {
		return nil, conflict(fmt.Sprintf("a Group with displayName %q already exists", displayName))
	}
	members, err := membersFromDoc(doc)
	if err != nil {
		return nil, asSCIMError("Group", "", err)
	}
	if err := s.validateMembers(ctx, sc.TenantID, members); err != nil {
		return nil, asSCIMError("Group", "", err)
	}

	now := s.now().UTC()
	rec, err := groupRecordFromDoc(sc.TenantID, s.newID(), doc, now, now)
	if err != nil {
		return nil, asSCIMError("Group", "", err)
	}
	rec.Version = 1
	if err := s.store.CreateGroup(ctx, rec, members); err != nil {
		return nil, asSCIMError("Group", rec.ID, err)
	}
	s.logger.Info("group created",
		zap.Int("tenant_id", sc.TenantID), zap.String("id", rec.ID), zap.Int("members", len(members)))
	return s.docFromGroupRecord(ctx, sc, rec)
}

// GetGroup returns the shaped resource and its current version.
func (s *Service) GetGroup(ctx context.Context, sc Scope, id string) (resource.Document, int64, error) {
	rec, ok, err := s.store.GetGroup(ctx, sc.TenantID, id)
	if err != nil {
		return nil, 0, internal(err)
	}
	if !ok {
		return nil, 0, notFound("Group", id)
	}
	doc, err := s.docFromGroupRecord(ctx, sc, rec)
	if err != nil {
		return nil, 0, internal(err)
	}
	return doc, rec.Version, nil
}

// ReplaceGroup performs a full PUT replacement. The membership relation is
// rewritten to exactly the edges the body carries; an absent members
// attribute clears it.
func (s *Service) ReplaceGroup(ctx context.Context, sc Scope, id string, doc resource.Document, ifMatch *int64) (resource.Document, error) {
	cur, ok, err := s.store.GetGroup(ctx, sc.TenantID, id)
	if err != nil {
		return nil, internal(err)
	}
	if !ok {
		return nil, notFound("Group", id)
	}
	if ifMatch != nil && *ifMatch != cur.Version {
		return nil, preconditionFailed()
	}
	if err := resource.ValidateGroup(doc); err != nil {
		return nil, asSCIMError("Group", id, err)
	}

	displayName := doc.GetString("displayName")
	if !strings.EqualFold(displayName, cur.DisplayName) {
		if other, exists, err := s.store.FindGroupByDisplayName(ctx, sc.TenantID, displayName); err != nil {
			return nil, internal(err)
		} else if exists && other.ID != id {
			return nil, conflict(fmt.Sprintf("a Group with displayName %q already exists", displayName))
		}
	}
	members, err := membersFromDoc(doc)
	if err != nil {
		return nil, asSCIMError("Group", id, err)
	}
	if err := s.validateMembers(ctx, sc.TenantID, members); err != nil {
		return nil, asSCIMError("Group", id, err)
	}

	rec, err := groupRecordFromDoc(sc.TenantID, id, doc, cur.CreatedAt, s.now().UTC())
	if err != nil {
		return nil, asSCIMError("Group", id, err)
	}
	if err := s.store.UpdateGroup(ctx, rec, cur.Version, members); err != nil {
		return nil, asSCIMError("Group", id, err)
	}
	rec.Version = cur.Version + 1
	s.logger.Info("group replaced",
		zap.Int("tenant_id", sc.TenantID), zap.String("id", id), zap.Int64("version", rec.Version))
	return s.docFromGroupRecord(ctx, sc, rec)
}

// PatchGroup applies a PatchOp to the group, including membership edits
// expressed through the members attribute.
func (s *Service) PatchGroup(ctx context.Context, sc Scope, id string, ops []patch.Op, ifMatch *int64) (resource.Document, error) {
	cur, ok, err := s.store.GetGroup(ctx, sc.TenantID, id)
	if err != nil {
		return nil, internal(err)
	}
	if !ok {
		return nil, notFound("Group", id)
	}
	if ifMatch != nil && *ifMatch != cur.Version {
		return nil, preconditionFailed()
	}

	doc, err := resource.ParseDocument([]byte(cur.Data))
	if err != nil {
		return nil, internal(err)
	}
	// Patch operations address members like any other multi-valued
	// attribute, so the current edges are materialised into the document
	// before applying and diffed back out afterwards.
	infos, err := s.store.MembersOfGroup(ctx, sc.TenantID, id)
	if err != nil {
		return nil, internal(err)
	}
	current := make([]any, 0, len(infos))
	for _, m := range infos {
		entry := map[string]any{"value": m.MemberID, "type": m.MemberType}
		if m.Display != "" {
			entry["display"] = m.Display
		}
		current = append(current, entry)
	}
	doc.Set("members", current)

	applier := &patch.Applier{
		AllowReplaceEmptyArray: sc.Compat.SupportPatchReplaceEmptyArray,
		AllowReplaceEmptyValue: sc.Compat.SupportPatchReplaceEmptyValue,
	}
	if err := applier.Apply(doc, ops); err != nil {
		return nil, asSCIMError("Group", id, err)
	}
	if err := resource.ValidateGroup(doc); err != nil {
		return nil, asSCIMError("Group", id, err)
	}

	displayName := doc.GetString("displayName")
	if !strings.EqualFold(displayName, cur.DisplayName) {
		if other, exists, err := s.store.FindGroupByDisplayName(ctx, sc.TenantID, displayName); err != nil {
			return nil, internal(err)
		} else if exists && other.ID != id {
			return nil, conflict(fmt.Sprintf("a Group with displayName %q already exists", displayName))
		}
	}
	members, err := membersFromDoc(doc)
	if err != nil {
		return nil, asSCIMError("Group", id, err)
	}
	if err := s.validateMembers(ctx, sc.TenantID, members); err != nil {
		return nil, asSCIMError("Group", id, err)
	}

	rec, err := groupRecordFromDoc(sc.TenantID, id, doc, cur.CreatedAt, s.now().UTC())
	if err != nil {
		return nil, asSCIMError("Group", id, err)
	}
	if err := s.store.UpdateGroup(ctx, rec, cur.Version, members); err != nil {
		return nil, asSCIMError("Group", id, err)
	}
	rec.Version = cur.Version + 1
	s.logger.Info("group patched",
		zap.Int("tenant_id", sc.TenantID), zap.String("id", id), zap.Int64("version", rec.Version))
	return s.docFromGroupRecord(ctx, sc, rec)
}

// DeleteGroup removes a group and its membership edges. Member resources
// are untouched. A stale ifMatch leaves the group in place.
func (s *Service) DeleteGroup(ctx context.Context, sc Scope, id string, ifMatch *int64) error {
	cur, ok, err := s.store.GetGroup(ctx, sc.TenantID, id)
	if err != nil {
		return internal(err)
	}
	if !ok {
		return notFound("Group", id)
	}
	if ifMatch != nil && *ifMatch != cur.Version {
		return preconditionFailed()
	}
	if err := s.store.DeleteGroup(ctx, sc.TenantID, id); err != nil {
		return asSCIMError("Group", id, err)
	}
	s.logger.Info("group deleted",
		zap.Int("tenant_id", sc.TenantID), zap.String("id", id))
	return nil
}

// SearchGroups runs a filtered, sorted, paginated group search. Tenants can
// opt out of filtering on members or displayName; such filters yield an
// empty result set rather than an error, which is what the major IdPs
// expect when probing capability.
func (s *Service) SearchGroups(ctx context.Context, sc Scope, p SearchParams) (*ListResponse, error) {
	p.normalise()

	var expr filter.Expr
	if p.Filter != "" {
		var err error
		expr, err = filter.Parse(p.Filter)
		if err != nil {
			return nil, badRequest("invalidFilter", err.Error())
		}
		attrs := referencedAttrs(expr)
		if !sc.Compat.SupportGroupMembersFilter && attrs["members"] {
			return newListResponse(0, p.StartIndex, nil), nil
		}
		if !sc.Compat.SupportGroupDisplayNameFilter && attrs["displayname"] {
			return newListResponse(0, p.StartIndex, nil), nil
		}
	}

	// members[value eq "..."] is answered from the membership relation;
	// the data column does not carry membership.
	if memberID, ok := memberFilter(expr); ok {
		return s.searchGroupsWithMember(ctx, sc, p, memberID)
	}
	// Any other shape touching members would translate into a data-column
	// lookup that can never match, since membership is not stored there.
	if referencedAttrs(expr)["members"] {
		return nil, badRequest("invalidFilter",
			"members may only be filtered as a standalone members[value eq ...] expression")
	}

	q, err := s.buildQuery(filter.GroupResource, expr, p)
	if err != nil {
		return nil, asSCIMError("Group", "", err)
	}
	recs, total, err := s.store.SearchGroups(ctx, sc.TenantID, q)
	if err != nil {
		return nil, internal(err)
	}
	docs := make([]resource.Document, 0, len(recs))
	for i := range recs {
		doc, err := s.docFromGroupRecord(ctx, sc, &recs[i])
		if err != nil {
			return nil, internal(err)
		}
		docs = append(docs, doc)
	}
	return newListResponse(total, p.StartIndex, docs), nil
}

// memberFilter recognises the `members[value eq "<id>"]` and
// `members.value eq "<id>"` shapes.
func memberFilter(expr filter.Expr) (string, bool) {
	switch e := expr.(type) {
	case *filter.ValuePath:
		if !strings.EqualFold(e.Attr.Name, "members") {
			return "", false
		}
		cmp, ok := e.Filter.(*filter.Compare)
		if !ok || cmp.Op != filter.OpEq || !strings.EqualFold(cmp.Attr.Name, "value") {
			return "", false
		}
		id, ok := cmp.Value.(string)
		return id, ok
	case *filter.Compare:
		if strings.EqualFold(e.Attr.Name, "members") && strings.EqualFold(e.Attr.Sub, "value") && e.Op == filter.OpEq {
			id, ok := e.Value.(string)
			return id, ok
		}
	}
	return "", false
}

func (s *Service) searchGroupsWithMember(ctx context.Context, sc Scope, p SearchParams, memberID string) (*ListResponse, error) {
	refs, err := s.store.GroupsOfUser(ctx, sc.TenantID, memberID)
	if err != nil {
		return nil, internal(err)
	}
	total := int64(len(refs))
	offset := p.StartIndex - 1
	if offset >= total {
		return newListResponse(total, p.StartIndex, nil), nil
	}
	end := offset + p.Count
	if end > total {
		end = total
	}
	docs := make([]resource.Document, 0, end-offset)
	for _, ref := range refs[offset:end] {
		rec, ok, err := s.store.GetGroup(ctx, sc.TenantID, ref.GroupID)
		if err != nil {
			return nil, internal(err)
		}
		if !ok {
			continue
		}
		doc, err := s.docFromGroupRecord(ctx, sc, rec)
		if err != nil {
			return nil, internal(err)
		}
		docs = append(docs, doc)
	}
	return newListResponse(total, p.StartIndex, docs), nil
}

// referencedAttrs collects the lowercase top-level attribute names a filter
// expression touches.
func referencedAttrs(expr filter.Expr) map[string]bool {
	attrs := make(map[string]bool)
	var walk func(e filter.Expr)
	walk = func(e filter.Expr) {
		switch t := e.(type) {
		case *filter.And:
			for _, sub := range t.Exprs {
				walk(sub)
			}
		case *filter.Or:
			for _, sub := range t.Exprs {
				walk(sub)
			}
		case *filter.Not:
			walk(t.Expr)
		case *filter.Compare:
			attrs[strings.ToLower(t.Attr.Name)] = true
		case *filter.Present:
			attrs[strings.ToLower(t.Attr.Name)] = true
		case *filter.ValuePath:
			attrs[strings.ToLower(t.Attr.Name)] = true
		}
	}
	if expr != nil {
		walk(expr)
	}
	return attrs
}
