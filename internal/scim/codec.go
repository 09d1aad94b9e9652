package scim

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dhawalhost/scimgate/internal/resource"
	"github.com/dhawalhost/scimgate/internal/store"
)

// The commonly filtered attributes are duplicated into typed columns on
// every write so the filter translator can target them directly; the full
// document (minus server-derived attributes) lives in the JSON column.

// promotedUserAttr reads an attribute that may live at the top level or
// inside the enterprise extension object. Custom attributes prefer the top
// level; standard enterprise ones prefer the extension.
func promotedUserAttr(doc resource.Document, key string, extFirst bool) (any, bool) {
	fromExt := func() (any, bool) {
		ext, ok := doc.Get(resource.SchemaEnterpriseUser)
		if !ok {
			return nil, false
		}
		m, ok := ext.(map[string]any)
		if !ok {
			return nil, false
		}
		return resource.Document(m).Get(key)
	}
	if extFirst {
		if v, ok := fromExt(); ok {
			return v, true
		}
		return doc.Get(key)
	}
	if v, ok := doc.Get(key); ok {
		return v, true
	}
	return fromExt()
}

func promotedString(doc resource.Document, key string, extFirst bool) sql.NullString {
	v, ok := promotedUserAttr(doc, key, extFirst)
	if !ok {
		return sql.NullString{}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Attributes never persisted in the document column: server-owned, or
// derived from the membership relation.
var userDataExcluded = []string{"id", "meta", "groups"}
var groupDataExcluded = []string{"id", "meta", "members"}

func marshalData(doc resource.Document, excluded []string) (store.JSON, error) {
	trimmed := doc.Clone()
	for _, k := range excluded {
		trimmed.Delete(k)
	}
	raw, err := json.Marshal(map[string]any(trimmed))
	if err != nil {
		return nil, fmt.Errorf("encode resource data: %w", err)
	}
	return store.JSON(raw), nil
}

func userRecordFromDoc(tenantID int, id string, doc resource.Document, created, updated time.Time) (*store.UserRecord, error) {
	rec := &store.UserRecord{
		TenantID:   tenantID,
		ID:         id,
		UserName:   doc.GetString("userName"),
		ExternalID: nullString(doc.GetString("externalId")),
		Active:     true,
		NickName:   nullString(doc.GetString("nickName")),
		Title:      nullString(doc.GetString("title")),
		UserType:   nullString(doc.GetString("userType")),
		CreatedAt:  created,
		UpdatedAt:  updated,
	}
	if active, ok := doc.GetBool("active"); ok {
		rec.Active = active
	}
	rec.Department = promotedString(doc, "department", true)
	rec.CostCenter = promotedString(doc, "costCenter", true)
	rec.ManagerLevel = promotedString(doc, "managerLevel", false)

	if v, ok := promotedUserAttr(doc, "hireDate", false); ok {
		if s, ok := v.(string); ok && s != "" {
			t, err := parseSCIMTime(s)
			if err != nil {
				return nil, &resource.ValidationError{Type: "invalidValue", Detail: fmt.Sprintf("hireDate %q is not a valid dateTime", s)}
			}
			rec.HireDate = sql.NullTime{Time: t, Valid: true}
		}
	}
	if v, ok := promotedUserAttr(doc, "performanceScore", false); ok {
		if f, ok := v.(float64); ok {
			rec.PerformanceScore = sql.NullFloat64{Float64: f, Valid: true}
		}
	}

	data, err := marshalData(doc, userDataExcluded)
	if err != nil {
		return nil, err
	}
	rec.Data = data
	return rec, nil
}

func parseSCIMTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, resource.TimeFormat, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised dateTime %q", s)
}

// docFromUserRecord rebuilds the response document: stored data plus the
// server-owned id, meta and (optionally) the derived groups attribute. The
// stored password hash never leaves the service.
func (s *Service) docFromUserRecord(ctx context.Context, sc Scope, rec *store.UserRecord) (resource.Document, error) {
	doc, err := resource.ParseDocument([]byte(rec.Data))
	if err != nil {
		return nil, fmt.Errorf("decode stored user %s: %w", rec.ID, err)
	}
	doc.Delete("password")
	doc.Set("id", rec.ID)
	if !doc.HasSchema(resource.SchemaUser) {
		doc.Set("schemas", append([]any{resource.SchemaUser}, toAnySlice(doc.Schemas())...))
	}

	if sc.Compat.IncludeUserGroups {
		refs, err := s.store.GroupsOfUser(ctx, sc.TenantID, rec.ID)
		if err != nil {
			return nil, err
		}
		groups := make([]any, 0, len(refs))
		for _, g := range refs {
			groups = append(groups, map[string]any{
				"value":   g.GroupID,
				"display": g.Display,
				"$ref":    sc.BaseURL + "/Groups/" + g.GroupID,
				"type":    "direct",
			})
		}
		if len(groups) > 0 || sc.Compat.ShowEmptyGroupsMembers {
			doc.Set("groups", groups)
		} else {
			doc.Delete("groups")
		}
	} else {
		doc.Delete("groups")
	}

	resource.SetMeta(doc, "User", sc.BaseURL+"/Users/"+rec.ID,
		rec.Version, rec.CreatedAt, rec.UpdatedAt, sc.Compat.MetaDatetimeFormat)
	return doc, nil
}

func groupRecordFromDoc(tenantID int, id string, doc resource.Document, created, updated time.Time) (*store.GroupRecord, error) {
	data, err := marshalData(doc, groupDataExcluded)
	if err != nil {
		return nil, err
	}
	return &store.GroupRecord{
		TenantID:    tenantID,
		ID:          id,
		DisplayName: doc.GetString("displayName"),
		ExternalID:  nullString(doc.GetString("externalId")),
		CreatedAt:   created,
		UpdatedAt:   updated,
		Data:        data,
	}, nil
}

// membersFromDoc extracts the membership edges carried in a group document.
func membersFromDoc(doc resource.Document) ([]store.Member, error) {
	v, ok := doc.Get("members")
	if !ok || v == nil {
		return []store.Member{}, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, &resource.ValidationError{Type: "invalidValue", Detail: "members must be an array"}
	}
	members := make([]store.Member, 0, len(arr))
	seen := make(map[string]bool, len(arr))
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, &resource.ValidationError{Type: "invalidValue", Detail: "members entries must be objects"}
		}
		md := resource.Document(m)
		value := md.GetString("value")
		if value == "" {
			return nil, &resource.ValidationError{Type: "invalidValue", Detail: "members entries require a value"}
		}
		if seen[value] {
			continue
		}
		seen[value] = true
		members = append(members, store.Member{
			MemberID:   value,
			MemberType: canonicalMemberType(md.GetString("type")),
		})
	}
	return members, nil
}

func canonicalMemberType(t string) string {
	if strings.EqualFold(t, "Group") {
		return "Group"
	}
	return "User"
}

func (s *Service) docFromGroupRecord(ctx context.Context, sc Scope, rec *store.GroupRecord) (resource.Document, error) {
	doc, err := resource.ParseDocument([]byte(rec.Data))
	if err != nil {
		return nil, fmt.Errorf("decode stored group %s: %w", rec.ID, err)
	}
	doc.Set("id", rec.ID)
	if !doc.HasSchema(resource.SchemaGroup) {
		doc.Set("schemas", append([]any{resource.SchemaGroup}, toAnySlice(doc.Schemas())...))
	}

	infos, err := s.store.MembersOfGroup(ctx, sc.TenantID, rec.ID)
	if err != nil {
		return nil, err
	}
	members := make([]any, 0, len(infos))
	for _, m := range infos {
		entry := map[string]any{
			"value": m.MemberID,
			"type":  m.MemberType,
		}
		if m.Display != "" {
			entry["display"] = m.Display
		}
		if m.MemberType == "Group" {
			entry["$ref"] = sc.BaseURL + "/Groups/" + m.MemberID
		} else {
			entry["$ref"] = sc.BaseURL + "/Users/" + m.MemberID
		}
		members = append(members, entry)
	}
	if len(members) > 0 || sc.Compat.ShowEmptyGroupsMembers {
		doc.Set("members", members)
	} else {
		doc.Delete("members")
	}

	resource.SetMeta(doc, "Group", sc.BaseURL+"/Groups/"+rec.ID,
		rec.Version, rec.CreatedAt, rec.UpdatedAt, sc.Compat.MetaDatetimeFormat)
	return doc, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		if !strings.EqualFold(s, resource.SchemaUser) && !strings.EqualFold(s, resource.SchemaGroup) {
			out = append(out, s)
		}
	}
	return out
}
