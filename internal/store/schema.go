package store

// Schema is applied on every open. All statements are idempotent so an
// existing database is upgraded in place.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id TEXT PRIMARY KEY,
	tier TEXT NOT NULL DEFAULT 'standard',
	namespace_prefix TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tenant_quotas (
	tenant_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	limit_amount INTEGER NOT NULL DEFAULT 0,
	used_amount INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (tenant_id, resource)
);

CREATE TABLE IF NOT EXISTS hitl_requests (
	request_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	request_type TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'medium',
	status TEXT NOT NULL DEFAULT 'pending',
	question TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '{}',
	options TEXT NOT NULL DEFAULT '[]',
	dedup_key TEXT,
	decision TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	assigned_to TEXT NOT NULL DEFAULT '',
	assigned_at DATETIME,
	sla_deadline DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hitl_dedup ON hitl_requests(tenant_id, dedup_key) WHERE dedup_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_hitl_tenant_status ON hitl_requests(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_hitl_deadline ON hitl_requests(status, sla_deadline);

CREATE TABLE IF NOT EXISTS reviewers (
	tenant_id TEXT NOT NULL,
	reviewer_id TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 1,
	last_assigned_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (tenant_id, reviewer_id)
);

CREATE TABLE IF NOT EXISTS escalation_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_escalation_request ON escalation_actions(request_id);

CREATE TABLE IF NOT EXISTS golden_paths (
	path_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	subject_id TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0,
	embedding BLOB,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_golden_tenant ON golden_paths(tenant_id);
CREATE INDEX IF NOT EXISTS idx_golden_subject ON golden_paths(tenant_id, subject_id);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	sequence_no INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_seq ON events(tenant_id, sequence_no);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_id ON events(tenant_id, event_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(tenant_id, event_type);

CREATE TABLE IF NOT EXISTS tenant_sequences (
	tenant_id TEXT PRIMARY KEY,
	next_seq INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS graph_nodes (
	tenant_id TEXT NOT NULL,
	node_type TEXT NOT NULL,
	business_id TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	attrs TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (tenant_id, node_type, business_id)
);
CREATE INDEX IF NOT EXISTS idx_nodes_category ON graph_nodes(tenant_id, node_type, category);

CREATE TABLE IF NOT EXISTS graph_edges (
	tenant_id TEXT NOT NULL,
	from_type TEXT NOT NULL,
	from_id TEXT NOT NULL,
	to_type TEXT NOT NULL,
	to_id TEXT NOT NULL,
	label TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (tenant_id, from_type, from_id, to_type, to_id, label)
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON graph_edges(tenant_id, from_type, from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON graph_edges(tenant_id, to_type, to_id);

CREATE TABLE IF NOT EXISTS playbooks (
	playbook_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	category TEXT NOT NULL,
	steps TEXT NOT NULL DEFAULT '[]',
	fingerprint TEXT NOT NULL DEFAULT '',
	sample_count INTEGER NOT NULL DEFAULT 0,
	success_rate REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_playbooks_fingerprint ON playbooks(tenant_id, category, fingerprint);
CREATE INDEX IF NOT EXISTS idx_playbooks_category ON playbooks(tenant_id, category, status);

CREATE TABLE IF NOT EXISTS pipeline_failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	error_text TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pipeline_failures_tenant ON pipeline_failures(tenant_id, stage);
`
