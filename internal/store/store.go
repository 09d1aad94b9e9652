// Package store persists SCIM resources. The contract is portable across a
// classical multi-connection database and an embedded single-file one; both
// drivers share the same table shape: typed columns for the commonly
// filtered attributes plus a JSON document column for the open remainder.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dhawalhost/scimgate/internal/filter"
)

var (
	// ErrNotFound marks a missing resource.
	ErrNotFound = errors.New("resource not found")
	// ErrVersionMismatch marks an optimistic-concurrency failure.
	ErrVersionMismatch = errors.New("resource version mismatch")
	// ErrUniqueness marks a unique-index violation.
	ErrUniqueness = errors.New("unique attribute conflict")
)

// UniquenessError carries the conflicting attribute for the SCIM detail
// message. It matches ErrUniqueness under errors.Is.
type UniquenessError struct{ Attribute string }

func (e *UniquenessError) Error() string {
	return fmt.Sprintf("%s violates a unique constraint", e.Attribute)
}

func (e *UniquenessError) Is(target error) bool { return target == ErrUniqueness }

// JSON is a raw JSON column value.
type JSON json.RawMessage

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("{}"), nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		*j = append((*j)[:0], v...)
		return nil
	case string:
		*j = JSON(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into store.JSON", src)
	}
}

// UserRecord is the columnar projection of a User plus its document.
type UserRecord struct {
	TenantID         int             `db:"tenant_id"`
	ID               string          `db:"id"`
	UserName         string          `db:"user_name"`
	ExternalID       sql.NullString  `db:"external_id"`
	Active           bool            `db:"active"`
	NickName         sql.NullString  `db:"nick_name"`
	Title            sql.NullString  `db:"title"`
	UserType         sql.NullString  `db:"user_type"`
	Department       sql.NullString  `db:"department"`
	CostCenter       sql.NullString  `db:"cost_center"`
	HireDate         sql.NullTime    `db:"hire_date"`
	PerformanceScore sql.NullFloat64 `db:"performance_score"`
	ManagerLevel     sql.NullString  `db:"manager_level"`
	Version          int64           `db:"version"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
	Data             JSON            `db:"data"`
}

// GroupRecord is the columnar projection of a Group plus its document. The
// members list is not part of the document; it lives in the membership
// relation.
type GroupRecord struct {
	TenantID    int            `db:"tenant_id"`
	ID          string         `db:"id"`
	DisplayName string         `db:"display_name"`
	ExternalID  sql.NullString `db:"external_id"`
	Version     int64          `db:"version"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	Data        JSON           `db:"data"`
}

// Member is one membership edge.
type Member struct {
	MemberID   string `db:"member_id"`
	MemberType string `db:"member_type"`
}

// MemberInfo is a membership edge joined with the member's display value.
type MemberInfo struct {
	MemberID   string `db:"member_id"`
	MemberType string `db:"member_type"`
	Display    string `db:"display"`
}

// GroupRef names one group a user belongs to.
type GroupRef struct {
	GroupID string `db:"group_id"`
	Display string `db:"display"`
}

// Query is a translated search predicate. Where uses ? placeholders and is
// ANDed with the tenant filter; an empty Where selects everything.
type Query struct {
	Where   string
	Args    []any
	OrderBy string
	Offset  int64
	Limit   int64
}

// Store is the persistence contract. Every mutation is atomic; group
// mutations carry their membership edges in the same transaction.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// Dialect names the SQL flavour the filter translator must emit.
	Dialect() filter.Dialect

	CreateUser(ctx context.Context, rec *UserRecord) error
	GetUser(ctx context.Context, tenantID int, id string) (*UserRecord, bool, error)
	FindUserByUserName(ctx context.Context, tenantID int, userName string) (*UserRecord, bool, error)
	UpdateUser(ctx context.Context, rec *UserRecord, expectedVersion int64) error
	DeleteUser(ctx context.Context, tenantID int, id string) error
	SearchUsers(ctx context.Context, tenantID int, q Query) ([]UserRecord, int64, error)
	UserExists(ctx context.Context, tenantID int, id string) (bool, error)

	CreateGroup(ctx context.Context, rec *GroupRecord, members []Member) error
	GetGroup(ctx context.Context, tenantID int, id string) (*GroupRecord, bool, error)
	FindGroupByDisplayName(ctx context.Context, tenantID int, displayName string) (*GroupRecord, bool, error)
	UpdateGroup(ctx context.Context, rec *GroupRecord, expectedVersion int64, members []Member) error
	DeleteGroup(ctx context.Context, tenantID int, id string) error
	SearchGroups(ctx context.Context, tenantID int, q Query) ([]GroupRecord, int64, error)
	GroupExists(ctx context.Context, tenantID int, id string) (bool, error)

	AddMember(ctx context.Context, tenantID int, groupID string, m Member) error
	RemoveMember(ctx context.Context, tenantID int, groupID, memberID string) error
	MembersOfGroup(ctx context.Context, tenantID int, groupID string) ([]MemberInfo, error)
	GroupsOfUser(ctx context.Context, tenantID int, userID string) ([]GroupRef, error)
	UserIDsInGroup(ctx context.Context, tenantID int, groupID string) ([]string, error)
}
