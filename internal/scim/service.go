package scim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/filter"
	"github.com/dhawalhost/scimgate/internal/password"
	"github.com/dhawalhost/scimgate/internal/patch"
	"github.com/dhawalhost/scimgate/internal/resource"
	"github.com/dhawalhost/scimgate/internal/store"
)

// Service implements the SCIM resource operations on top of the store.
type Service struct {
	store  store.Store
	hasher password.Hasher
	logger *zap.Logger
	newID  func() string
	now    func() time.Time
}

// NewService creates the resource service.
func NewService(st store.Store, hasher password.Hasher, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		hasher: hasher,
		logger: logger,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// hashPassword replaces a plaintext password in the document with its hash.
// Values that already look like a hash pass through untouched so sync
// engines can replay resources they read back.
func (s *Service) hashPassword(doc resource.Document) error {
	plain := doc.GetString("password")
	if plain == "" || s.hasher.IsHash(plain) {
		return nil
	}
	if err := password.CheckStrength(plain); err != nil {
		return badRequest("invalidValue", err.Error())
	}
	hashed, err := s.hasher.Hash(plain)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	doc.Set("password", hashed)
	return nil
}

// CreateUser provisions a new user and returns the shaped resource.
func (s *Service) CreateUser(ctx context.Context, sc Scope, doc resource.Document) (resource.Document, error) {
	if err := resource.ValidateUser(doc); err != nil {
		return nil, asSCIMError("User", "", err)
	}
	userName := doc.GetString("userName")
	if _, exists, err := s.store.FindUserByUserName(ctx, sc.TenantID, userName); err != nil {
		return nil, internal(err)
	} else if exists {
		return nil, conflict(fmt.Sprintf("a User with userName %q already exists", userName))
	}
	if err := s.hashPassword(doc); err != nil {
		return nil, asSCIMError("User", "", err)
	}

	now := s.now().UTC()
	rec, err := userRecordFromDoc(sc.TenantID, s.newID(), doc, now, now)
	if err != nil {
		return nil, asSCIMError("User", "", err)
	}
	rec.Version = 1
	if err := s.store.CreateUser(ctx, rec); err != nil {
		return nil, asSCIMError("User", rec.ID, err)
	}
	s.logger.Info("user created",
		zap.Int("tenant_id", sc.TenantID), zap.String("id", rec.ID))
	return s.docFromUserRecord(ctx, sc, rec)
}

// GetUser returns the shaped resource and its current version.
func (s *Service) GetUser(ctx context.Context, sc Scope, id string) (resource.Document, int64, error) {
	rec, ok, err := s.store.GetUser(ctx, sc.TenantID, id)
	if err != nil {
		return nil, 0, internal(err)
	}
	if !ok {
		return nil, 0, notFound("User", id)
	}
	doc, err := s.docFromUserRecord(ctx, sc, rec)
	if err != nil {
		return nil, 0, internal(err)
	}
	return doc, rec.Version, nil
}

// ReplaceUser performs a full PUT replacement under optimistic concurrency.
// A nil ifMatch skips the precondition; the stored version still guards
// against concurrent writers.
func (s *Service) ReplaceUser(ctx context.Context, sc Scope, id string, doc resource.Document, ifMatch *int64) (resource.Document, error) {
	cur, ok, err := s.store.GetUser(ctx, sc.TenantID, id)
	if err != nil {
		return nil, internal(err)
	}
	if !ok {
		return nil, notFound("User", id)
	}
	if ifMatch != nil && *ifMatch != cur.Version {
		return nil, preconditionFailed()
	}
	if err := resource.ValidateUser(doc); err != nil {
		return nil, asSCIMError("User", id, err)
	}

	userName := doc.GetString("userName")
	if !strings.EqualFold(userName, cur.UserName) {
		if other, exists, err := s.store.FindUserByUserName(ctx, sc.TenantID, userName); err != nil {
			return nil, internal(err)
		} else if exists && other.ID != id {
			return nil, conflict(fmt.Sprintf("a User with userName %q already exists", userName))
		}
	}

	// A PUT without a password keeps the stored credential.
	if doc.GetString("password") == "" {
		if stored, err := resource.ParseDocument([]byte(cur.Data)); err == nil {
			if hash := stored.GetString("password"); hash != "" {
				doc.Set("password", hash)
			}
		}
	}
	if err := s.hashPassword(doc); err != nil {
		return nil, asSCIMError("User", id, err)
	}

	rec, err := userRecordFromDoc(sc.TenantID, id, doc, cur.CreatedAt, s.now().UTC())
	if err != nil {
		return nil, asSCIMError("User", id, err)
	}
	if err := s.store.UpdateUser(ctx, rec, cur.Version); err != nil {
		return nil, asSCIMError("User", id, err)
	}
	rec.Version = cur.Version + 1
	s.logger.Info("user replaced",
		zap.Int("tenant_id", sc.TenantID), zap.String("id", id), zap.Int64("version", rec.Version))
	return s.docFromUserRecord(ctx, sc, rec)
}

// PatchUser applies a PatchOp atomically: every operation succeeds or the
// resource is left untouched, and the version moves by exactly one.
func (s *Service) PatchUser(ctx context.Context, sc Scope, id string, ops []patch.Op, ifMatch *int64) (resource.Document, error) {
	cur, ok, err := s.store.GetUser(ctx, sc.TenantID, id)
	if err != nil {
		return nil, internal(err)
	}
	if !ok {
		return nil, notFound("User", id)
	}
	if ifMatch != nil && *ifMatch != cur.Version {
		return nil, preconditionFailed()
	}

	doc, err := resource.ParseDocument([]byte(cur.Data))
	if err != nil {
		return nil, internal(err)
	}
	applier := &patch.Applier{
		AllowReplaceEmptyArray: sc.Compat.SupportPatchReplaceEmptyArray,
		AllowReplaceEmptyValue: sc.Compat.SupportPatchReplaceEmptyValue,
	}
	if err := applier.Apply(doc, ops); err != nil {
		return nil, asSCIMError("User", id, err)
	}
	if err := resource.ValidateUser(doc); err != nil {
		return nil, asSCIMError("User", id, err)
	}

	userName := doc.GetString("userName")
	if !strings.EqualFold(userName, cur.UserName) {
		if other, exists, err := s.store.FindUserByUserName(ctx, sc.TenantID, userName); err != nil {
			return nil, internal(err)
		} else if exists && other.ID != id {
			return nil, conflict(fmt.Sprintf("a User with userName %q already exists", userName))
		}
	}
	if err := s.hashPassword(doc); err != nil {
		return nil, asSCIMError("User", id, err)
	}

	rec, err := userRecordFromDoc(sc.TenantID, id, doc, cur.CreatedAt, s.now().UTC())
	if err != nil {
		return nil, asSCIMError("User", id, err)
	}
	if err := s.store.UpdateUser(ctx, rec, cur.Version); err != nil {
		return nil, asSCIMError("User", id, err)
	}
	rec.Version = cur.Version + 1
	s.logger.Info("user patched",
		zap.Int("tenant_id", sc.TenantID), zap.String("id", id), zap.Int64("version", rec.Version))
	return s.docFromUserRecord(ctx, sc, rec)
}

// DeleteUser removes a user and its membership edges. A stale ifMatch
// leaves the resource untouched.
func (s *Service) DeleteUser(ctx context.Context, sc Scope, id string, ifMatch *int64) error {
	cur, ok, err := s.store.GetUser(ctx, sc.TenantID, id)
	if err != nil {
		return internal(err)
	}
	if !ok {
		return notFound("User", id)
	}
	if ifMatch != nil && *ifMatch != cur.Version {
		return preconditionFailed()
	}
	if err := s.store.DeleteUser(ctx, sc.TenantID, id); err != nil {
		return asSCIMError("User", id, err)
	}
	s.logger.Info("user deleted",
		zap.Int("tenant_id", sc.TenantID), zap.String("id", id))
	return nil
}

// SearchUsers runs a filtered, sorted, paginated search.
func (s *Service) SearchUsers(ctx context.Context, sc Scope, p SearchParams) (*ListResponse, error) {
	p.normalise()

	var expr filter.Expr
	if p.Filter != "" {
		var err error
		expr, err = filter.Parse(p.Filter)
		if err != nil {
			return nil, badRequest("invalidFilter", err.Error())
		}
	}

	// groups[value eq "..."] cannot be answered from the user rows; it is
	// resolved through the membership relation instead.
	if groupID, ok := groupMembershipFilter(expr); ok {
		return s.searchUsersInGroup(ctx, sc, p, groupID)
	}
	// Any other shape touching groups would translate into a data-column
	// lookup that can never match, since membership is not stored there.
	if referencedAttrs(expr)["groups"] {
		return nil, badRequest("invalidFilter",
			"groups may only be filtered as a standalone groups[value eq ...] expression")
	}

	q, err := s.buildQuery(filter.UserResource, expr, p)
	if err != nil {
		return nil, asSCIMError("User", "", err)
	}
	recs, total, err := s.store.SearchUsers(ctx, sc.TenantID, q)
	if err != nil {
		return nil, internal(err)
	}
	docs := make([]resource.Document, 0, len(recs))
	for i := range recs {
		doc, err := s.docFromUserRecord(ctx, sc, &recs[i])
		if err != nil {
			return nil, internal(err)
		}
		docs = append(docs, doc)
	}
	return newListResponse(total, p.StartIndex, docs), nil
}

func (s *Service) buildQuery(rt filter.ResourceType, expr filter.Expr, p SearchParams) (store.Query, error) {
	tr := filter.NewSQLTranslator(rt, s.store.Dialect())
	q := store.Query{Offset: p.StartIndex - 1, Limit: p.Count}

	if expr != nil {
		where, args, err := tr.Translate(expr)
		if err != nil {
			return store.Query{}, err
		}
		q.Where, q.Args = where, args
	}
	spec, err := filter.ParseSort(p.SortBy, p.SortOrder)
	if err != nil {
		return store.Query{}, badRequest("invalidValue", err.Error())
	}
	if spec != nil {
		orderBy, err := tr.OrderBy(*spec)
		if err != nil {
			return store.Query{}, err
		}
		q.OrderBy = orderBy
	}
	return q, nil
}

// groupMembershipFilter recognises the `groups[value eq "<id>"]` and
// `groups.value eq "<id>"` shapes.
func groupMembershipFilter(expr filter.Expr) (string, bool) {
	switch e := expr.(type) {
	case *filter.ValuePath:
		if !strings.EqualFold(e.Attr.Name, "groups") {
			return "", false
		}
		cmp, ok := e.Filter.(*filter.Compare)
		if !ok || cmp.Op != filter.OpEq || !strings.EqualFold(cmp.Attr.Name, "value") {
			return "", false
		}
		id, ok := cmp.Value.(string)
		return id, ok
	case *filter.Compare:
		if strings.EqualFold(e.Attr.Name, "groups") && strings.EqualFold(e.Attr.Sub, "value") && e.Op == filter.OpEq {
			id, ok := e.Value.(string)
			return id, ok
		}
	}
	return "", false
}

func (s *Service) searchUsersInGroup(ctx context.Context, sc Scope, p SearchParams, groupID string) (*ListResponse, error) {
	ids, err := s.store.UserIDsInGroup(ctx, sc.TenantID, groupID)
	if err != nil {
		return nil, internal(err)
	}
	total := int64(len(ids))
	offset := p.StartIndex - 1
	if offset >= total {
		return newListResponse(total, p.StartIndex, nil), nil
	}
	end := offset + p.Count
	if end > total {
		end = total
	}
	docs := make([]resource.Document, 0, end-offset)
	for _, id := range ids[offset:end] {
		rec, ok, err := s.store.GetUser(ctx, sc.TenantID, id)
		if err != nil {
			return nil, internal(err)
		}
		if !ok {
			continue
		}
		doc, err := s.docFromUserRecord(ctx, sc, rec)
		if err != nil {
			return nil, internal(err)
		}
		docs = append(docs, doc)
	}
	return newListResponse(total, p.StartIndex, docs), nil
}
