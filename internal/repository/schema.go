package repository

// Schema is the DDL for the orchestrator tables. Applied by the migrate
// command and by integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS clients (
    id UUID PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    domain VARCHAR(255) NOT NULL UNIQUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS step_registry (
    slug VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    kind VARCHAR(16) NOT NULL,
    entity_scope VARCHAR(16) NOT NULL DEFAULT 'ITEM',
    description VARCHAR(1024),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS client_step_configs (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    client_id UUID NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
    step_slug VARCHAR(255) NOT NULL REFERENCES step_registry(slug) ON DELETE CASCADE,
    config JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT uq_client_step_config UNIQUE (client_id, step_slug)
);

CREATE TABLE IF NOT EXISTS batches (
    id UUID PRIMARY KEY,
    client_id UUID NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
    status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
    blueprint JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS batch_items (
    id UUID PRIMARY KEY,
    batch_id UUID NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    company_name VARCHAR(512),
    company_domain VARCHAR(255),
    company_linkedin_url VARCHAR(512),
    person_first_name VARCHAR(255),
    person_last_name VARCHAR(255),
    person_linkedin_url VARCHAR(512),
    person_title VARCHAR(512),
    original_data JSONB
);

CREATE TABLE IF NOT EXISTS workflow_states (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    batch_id UUID NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    item_id UUID NOT NULL REFERENCES batch_items(id) ON DELETE CASCADE,
    step_name VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    advanced_at TIMESTAMPTZ,
    meta JSONB,
    CONSTRAINT uq_workflow_state UNIQUE (batch_id, item_id, step_name)
);

CREATE INDEX IF NOT EXISTS ix_workflow_states_status_updated
    ON workflow_states (status, updated_at);
CREATE INDEX IF NOT EXISTS ix_workflow_states_advancement
    ON workflow_states (status, advanced_at) WHERE advanced_at IS NULL;

CREATE TABLE IF NOT EXISTS entities (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    kind VARCHAR(16) NOT NULL,
    dedup_key VARCHAR(512) NOT NULL,
    name VARCHAR(512),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT uq_entities_kind_key UNIQUE (kind, dedup_key)
);

CREATE TABLE IF NOT EXISTS entity_workflow_states (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    entity_id UUID NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    step_name VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    triggered_by UUID,
    meta JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT uq_entity_workflow_state UNIQUE (entity_id, step_name)
);

CREATE TABLE IF NOT EXISTS result_records (
    id UUID PRIMARY KEY,
    subject_kind VARCHAR(16) NOT NULL,
    subject_id UUID NOT NULL,
    step_name VARCHAR(255) NOT NULL,
    payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ix_result_records_subject
    ON result_records (subject_id, step_name);
`
