package store

import "github.com/dhawalhost/scimgate/internal/filter"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS scim_users (
    tenant_id         INTEGER NOT NULL,
    id                TEXT NOT NULL,
    user_name         TEXT NOT NULL,
    external_id       TEXT,
    active            BOOLEAN NOT NULL DEFAULT TRUE,
    nick_name         TEXT,
    title             TEXT,
    user_type         TEXT,
    department        TEXT,
    cost_center       TEXT,
    hire_date         TIMESTAMPTZ,
    performance_score DOUBLE PRECISION,
    manager_level     TEXT,
    version           BIGINT NOT NULL DEFAULT 1,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL,
    data              JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (tenant_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS scim_users_user_name_uniq
    ON scim_users (tenant_id, LOWER(user_name));
CREATE UNIQUE INDEX IF NOT EXISTS scim_users_external_id_uniq
    ON scim_users (tenant_id, external_id) WHERE external_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS scim_groups (
    tenant_id    INTEGER NOT NULL,
    id           TEXT NOT NULL,
    display_name TEXT NOT NULL,
    external_id  TEXT,
    version      BIGINT NOT NULL DEFAULT 1,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    data         JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (tenant_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS scim_groups_display_name_uniq
    ON scim_groups (tenant_id, LOWER(display_name));
CREATE UNIQUE INDEX IF NOT EXISTS scim_groups_external_id_uniq
    ON scim_groups (tenant_id, external_id) WHERE external_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS scim_group_members (
    tenant_id   INTEGER NOT NULL,
    group_id    TEXT NOT NULL,
    member_id   TEXT NOT NULL,
    member_type TEXT NOT NULL DEFAULT 'User',
    PRIMARY KEY (tenant_id, group_id, member_id)
);
CREATE INDEX IF NOT EXISTS scim_group_members_member_idx
    ON scim_group_members (tenant_id, member_id);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS scim_users (
    tenant_id         INTEGER NOT NULL,
    id                TEXT NOT NULL,
    user_name         TEXT NOT NULL,
    external_id       TEXT,
    active            BOOLEAN NOT NULL DEFAULT 1,
    nick_name         TEXT,
    title             TEXT,
    user_type         TEXT,
    department        TEXT,
    cost_center       TEXT,
    hire_date         TIMESTAMP,
    performance_score REAL,
    manager_level     TEXT,
    version           INTEGER NOT NULL DEFAULT 1,
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL,
    data              TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (tenant_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS scim_users_user_name_uniq
    ON scim_users (tenant_id, LOWER(user_name));
CREATE UNIQUE INDEX IF NOT EXISTS scim_users_external_id_uniq
    ON scim_users (tenant_id, external_id) WHERE external_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS scim_groups (
    tenant_id    INTEGER NOT NULL,
    id           TEXT NOT NULL,
    display_name TEXT NOT NULL,
    external_id  TEXT,
    version      INTEGER NOT NULL DEFAULT 1,
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL,
    data         TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (tenant_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS scim_groups_display_name_uniq
    ON scim_groups (tenant_id, LOWER(display_name));
CREATE UNIQUE INDEX IF NOT EXISTS scim_groups_external_id_uniq
    ON scim_groups (tenant_id, external_id) WHERE external_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS scim_group_members (
    tenant_id   INTEGER NOT NULL,
    group_id    TEXT NOT NULL,
    member_id   TEXT NOT NULL,
    member_type TEXT NOT NULL DEFAULT 'User',
    PRIMARY KEY (tenant_id, group_id, member_id)
);
CREATE INDEX IF NOT EXISTS scim_group_members_member_idx
    ON scim_group_members (tenant_id, member_id);
`

func schemaFor(d filter.Dialect) string {
	if d == filter.Postgres {
		return postgresSchema
	}
	return sqliteSchema
}

// uniqueIndexAttrs maps index names reported on constraint violations to
// the SCIM attribute they guard.
var uniqueIndexAttrs = map[string]string{
	"scim_users_user_name_uniq":     "userName",
	"scim_users_external_id_uniq":   "externalId",
	"scim_groups_display_name_uniq": "displayName",
	"scim_groups_external_id_uniq":  "externalId",
}
