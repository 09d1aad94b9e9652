package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/dhawalhost/scimgate/internal/filter"
)

const userColumns = `tenant_id, id, user_name, external_id, active, nick_name, title, user_type,
	department, cost_center, hire_date, performance_score, manager_level,
	version, created_at, updated_at, data`

const groupColumns = `tenant_id, id, display_name, external_id, version, created_at, updated_at, data`

// SQLStore implements Store over sqlx for both supported dialects. Queries
// are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect filter.Dialect
}

// NewPostgres wraps an open postgres connection pool.
func NewPostgres(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, dialect: filter.Postgres}
}

// NewSQLite wraps an open sqlite handle.
func NewSQLite(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, dialect: filter.SQLite}
}

// Dialect exposes the store's SQL dialect for filter translation.
func (s *SQLStore) Dialect() filter.Dialect { return s.dialect }

// Init creates the schema objects. Idempotent.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaFor(s.dialect)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// translateUnique converts driver-level unique violations into a
// UniquenessError naming the conflicting attribute.
func translateUnique(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if attr, ok := uniqueIndexAttrs[pqErr.Constraint]; ok {
			return &UniquenessError{Attribute: attr}
		}
		return &UniquenessError{Attribute: "attribute"}
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		msg := sqErr.Error()
		switch {
		case strings.Contains(msg, "user_name"):
			return &UniquenessError{Attribute: "userName"}
		case strings.Contains(msg, "display_name"):
			return &UniquenessError{Attribute: "displayName"}
		case strings.Contains(msg, "external_id"):
			return &UniquenessError{Attribute: "externalId"}
		}
		return &UniquenessError{Attribute: "attribute"}
	}
	return err
}

// --- users ---

func (s *SQLStore) CreateUser(ctx context.Context, rec *UserRecord) error {
	query := s.db.Rebind(`INSERT INTO scim_users (` + userColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.TenantID, rec.ID, rec.UserName, rec.ExternalID, rec.Active,
		rec.NickName, rec.Title, rec.UserType, rec.Department, rec.CostCenter,
		rec.HireDate, rec.PerformanceScore, rec.ManagerLevel,
		rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.Data)
	return translateUnique(err)
}

func (s *SQLStore) GetUser(ctx context.Context, tenantID int, id string) (*UserRecord, bool, error) {
	var rec UserRecord
	query := s.db.Rebind(`SELECT ` + userColumns + ` FROM scim_users WHERE tenant_id = ? AND id = ?`)
	err := s.db.GetContext(ctx, &rec, query, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *SQLStore) FindUserByUserName(ctx context.Context, tenantID int, userName string) (*UserRecord, bool, error) {
	var rec UserRecord
	query := s.db.Rebind(`SELECT ` + userColumns + ` FROM scim_users
		WHERE tenant_id = ? AND LOWER(user_name) = LOWER(?)`)
	err := s.db.GetContext(ctx, &rec, query, tenantID, userName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *SQLStore) UpdateUser(ctx context.Context, rec *UserRecord, expectedVersion int64) error {
	query := s.db.Rebind(`UPDATE scim_users SET
			user_name = ?, external_id = ?, active = ?, nick_name = ?, title = ?,
			user_type = ?, department = ?, cost_center = ?, hire_date = ?,
			performance_score = ?, manager_level = ?,
			version = version + 1, updated_at = ?, data = ?
		WHERE tenant_id = ? AND id = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, query,
		rec.UserName, rec.ExternalID, rec.Active, rec.NickName, rec.Title,
		rec.UserType, rec.Department, rec.CostCenter, rec.HireDate,
		rec.PerformanceScore, rec.ManagerLevel,
		rec.UpdatedAt, rec.Data,
		rec.TenantID, rec.ID, expectedVersion)
	if err != nil {
		return translateUnique(err)
	}
	return s.checkAffected(ctx, res, "scim_users", rec.TenantID, rec.ID)
}

func (s *SQLStore) DeleteUser(ctx context.Context, tenantID int, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM scim_users WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM scim_group_members WHERE tenant_id = ? AND member_id = ?`), tenantID, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) SearchUsers(ctx context.Context, tenantID int, q Query) ([]UserRecord, int64, error) {
	where, args := buildWhere(q, tenantID)

	var total int64
	if err := s.db.GetContext(ctx, &total,
		s.db.Rebind(`SELECT COUNT(*) FROM scim_users WHERE `+where), args...); err != nil {
		return nil, 0, err
	}
	if q.Limit == 0 {
		return nil, total, nil
	}

	query := `SELECT ` + userColumns + ` FROM scim_users WHERE ` + where
	query += orderClause(q.OrderBy, "LOWER(user_name) ASC")
	query, args = appendRange(query, args, q)

	var rows []UserRecord
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (s *SQLStore) UserExists(ctx context.Context, tenantID int, id string) (bool, error) {
	var exists bool
	query := s.db.Rebind(`SELECT EXISTS (SELECT 1 FROM scim_users WHERE tenant_id = ? AND id = ?)`)
	if err := s.db.GetContext(ctx, &exists, query, tenantID, id); err != nil {
		return false, err
	}
	return exists, nil
}

// --- groups ---

func (s *SQLStore) CreateGroup(ctx context.Context, rec *GroupRecord, members []Member) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.db.Rebind(`INSERT INTO scim_groups (` + groupColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query,
		rec.TenantID, rec.ID, rec.DisplayName, rec.ExternalID,
		rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.Data); err != nil {
		return translateUnique(err)
	}
	if err := s.insertMembers(ctx, tx, rec.TenantID, rec.ID, members); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetGroup(ctx context.Context, tenantID int, id string) (*GroupRecord, bool, error) {
	var rec GroupRecord
	query := s.db.Rebind(`SELECT ` + groupColumns + ` FROM scim_groups WHERE tenant_id = ? AND id = ?`)
	err := s.db.GetContext(ctx, &rec, query, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *SQLStore) FindGroupByDisplayName(ctx context.Context, tenantID int, displayName string) (*GroupRecord, bool, error) {
	var rec GroupRecord
	query := s.db.Rebind(`SELECT ` + groupColumns + ` FROM scim_groups
		WHERE tenant_id = ? AND LOWER(display_name) = LOWER(?)`)
	err := s.db.GetContext(ctx, &rec, query, tenantID, displayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *SQLStore) UpdateGroup(ctx context.Context, rec *GroupRecord, expectedVersion int64, members []Member) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.db.Rebind(`UPDATE scim_groups SET
			display_name = ?, external_id = ?, version = version + 1, updated_at = ?, data = ?
		WHERE tenant_id = ? AND id = ? AND version = ?`)
	res, err := tx.ExecContext(ctx, query,
		rec.DisplayName, rec.ExternalID, rec.UpdatedAt, rec.Data,
		rec.TenantID, rec.ID, expectedVersion)
	if err != nil {
		return translateUnique(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		exists, err := s.GroupExists(ctx, rec.TenantID, rec.ID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionMismatch
	}
	if members != nil {
		if _, err := tx.ExecContext(ctx,
			s.db.Rebind(`DELETE FROM scim_group_members WHERE tenant_id = ? AND group_id = ?`),
			rec.TenantID, rec.ID); err != nil {
			return err
		}
		if err := s.insertMembers(ctx, tx, rec.TenantID, rec.ID, members); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteGroup(ctx context.Context, tenantID int, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM scim_groups WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM scim_group_members WHERE tenant_id = ? AND (group_id = ? OR member_id = ?)`),
		tenantID, id, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) SearchGroups(ctx context.Context, tenantID int, q Query) ([]GroupRecord, int64, error) {
	where, args := buildWhere(q, tenantID)

	var total int64
	if err := s.db.GetContext(ctx, &total,
		s.db.Rebind(`SELECT COUNT(*) FROM scim_groups WHERE `+where), args...); err != nil {
		return nil, 0, err
	}
	if q.Limit == 0 {
		return nil, total, nil
	}

	query := `SELECT ` + groupColumns + ` FROM scim_groups WHERE ` + where
	query += orderClause(q.OrderBy, "LOWER(display_name) ASC")
	query, args = appendRange(query, args, q)

	var rows []GroupRecord
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (s *SQLStore) GroupExists(ctx context.Context, tenantID int, id string) (bool, error) {
	var exists bool
	query := s.db.Rebind(`SELECT EXISTS (SELECT 1 FROM scim_groups WHERE tenant_id = ? AND id = ?)`)
	if err := s.db.GetContext(ctx, &exists, query, tenantID, id); err != nil {
		return false, err
	}
	return exists, nil
}

// --- membership ---

func (s *SQLStore) insertMembers(ctx context.Context, tx *sqlx.Tx, tenantID int, groupID string, members []Member) error {
	if len(members) == 0 {
		return nil
	}
	query := s.db.Rebind(s.upsertMemberSQL())
	for _, m := range members {
		mt := m.MemberType
		if mt == "" {
			mt = "User"
		}
		if _, err := tx.ExecContext(ctx, query, tenantID, groupID, m.MemberID, mt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) upsertMemberSQL() string {
	if s.dialect == filter.Postgres {
		return `INSERT INTO scim_group_members (tenant_id, group_id, member_id, member_type)
			VALUES (?, ?, ?, ?) ON CONFLICT (tenant_id, group_id, member_id) DO NOTHING`
	}
	return `INSERT OR IGNORE INTO scim_group_members (tenant_id, group_id, member_id, member_type)
		VALUES (?, ?, ?, ?)`
}

func (s *SQLStore) AddMember(ctx context.Context, tenantID int, groupID string, m Member) error {
	mt := m.MemberType
	if mt == "" {
		mt = "User"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(s.upsertMemberSQL()), tenantID, groupID, m.MemberID, mt)
	return err
}

func (s *SQLStore) RemoveMember(ctx context.Context, tenantID int, groupID, memberID string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM scim_group_members WHERE tenant_id = ? AND group_id = ? AND member_id = ?`),
		tenantID, groupID, memberID)
	return err
}

// MembersOfGroup resolves edges to display values: user members show their
// userName, nested groups their displayName.
func (s *SQLStore) MembersOfGroup(ctx context.Context, tenantID int, groupID string) ([]MemberInfo, error) {
	query := s.db.Rebind(`
		SELECT gm.member_id, gm.member_type,
		       COALESCE(u.user_name, g.display_name, '') AS display
		FROM scim_group_members gm
		LEFT JOIN scim_users u ON u.tenant_id = gm.tenant_id AND u.id = gm.member_id AND gm.member_type = 'User'
		LEFT JOIN scim_groups g ON g.tenant_id = gm.tenant_id AND g.id = gm.member_id AND gm.member_type = 'Group'
		WHERE gm.tenant_id = ? AND gm.group_id = ?
		ORDER BY gm.member_id`)
	var rows []MemberInfo
	if err := s.db.SelectContext(ctx, &rows, query, tenantID, groupID); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *SQLStore) GroupsOfUser(ctx context.Context, tenantID int, userID string) ([]GroupRef, error) {
	query := s.db.Rebind(`
		SELECT gm.group_id, g.display_name AS display
		FROM scim_group_members gm
		JOIN scim_groups g ON g.tenant_id = gm.tenant_id AND g.id = gm.group_id
		WHERE gm.tenant_id = ? AND gm.member_id = ?
		ORDER BY g.display_name`)
	var rows []GroupRef
	if err := s.db.SelectContext(ctx, &rows, query, tenantID, userID); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *SQLStore) UserIDsInGroup(ctx context.Context, tenantID int, groupID string) ([]string, error) {
	query := s.db.Rebind(`SELECT member_id FROM scim_group_members
		WHERE tenant_id = ? AND group_id = ? AND member_type = 'User' ORDER BY member_id`)
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, tenantID, groupID); err != nil {
		return nil, err
	}
	return ids, nil
}

// --- helpers ---

func (s *SQLStore) checkAffected(ctx context.Context, res sql.Result, table string, tenantID int, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	query := s.db.Rebind(`SELECT EXISTS (SELECT 1 FROM ` + table + ` WHERE tenant_id = ? AND id = ?)`)
	if err := s.db.GetContext(ctx, &exists, query, tenantID, id); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionMismatch
}

func buildWhere(q Query, tenantID int) (string, []any) {
	where := "tenant_id = ?"
	args := []any{tenantID}
	if strings.TrimSpace(q.Where) != "" {
		where += " AND (" + q.Where + ")"
		args = append(args, q.Args...)
	}
	return where, args
}

func orderClause(orderBy, fallback string) string {
	if strings.TrimSpace(orderBy) == "" {
		orderBy = fallback
	}
	return " ORDER BY " + orderBy
}

func appendRange(query string, args []any, q Query) (string, []any) {
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}
	return query, args
}
