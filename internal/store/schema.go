package store

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    version TEXT,
    image TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS datasets (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS data_items (
    id TEXT PRIMARY KEY,
    dataset_id TEXT NOT NULL REFERENCES datasets(id),
    input TEXT NOT NULL,
    ref_trajectory TEXT,
    ref_output TEXT,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_data_items_dataset ON data_items(dataset_id);

CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    dataset_id TEXT NOT NULL REFERENCES datasets(id),
    agent_id TEXT NOT NULL REFERENCES agents(id),
    locked BOOLEAN NOT NULL DEFAULT FALSE,
    status TEXT NOT NULL DEFAULT 'ready',
    started_by TEXT,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);

CREATE TABLE IF NOT EXISTS evaluators (
    key TEXT NOT NULL,
    experiment_id TEXT NOT NULL REFERENCES experiments(id),
    name TEXT NOT NULL,
    prompt TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    PRIMARY KEY (experiment_id, key)
);

CREATE TABLE IF NOT EXISTS run_cases (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL REFERENCES experiments(id),
    data_item_id TEXT NOT NULL REFERENCES data_items(id),
    agent_id TEXT NOT NULL REFERENCES agents(id),
    attempt_no INTEGER NOT NULL,
    is_latest BOOLEAN NOT NULL DEFAULT TRUE,
    status TEXT NOT NULL DEFAULT 'pending',
    final_score REAL,
    trajectory TEXT,
    output TEXT,
    error_message TEXT,
    tokens_input INTEGER NOT NULL DEFAULT 0,
    tokens_output INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (experiment_id, data_item_id, attempt_no)
);

CREATE INDEX IF NOT EXISTS idx_run_cases_experiment ON run_cases(experiment_id);
CREATE INDEX IF NOT EXISTS idx_run_cases_latest ON run_cases(experiment_id, is_latest);

CREATE TABLE IF NOT EXISTS run_case_scores (
    run_case_id TEXT NOT NULL REFERENCES run_cases(id),
    evaluator_key TEXT NOT NULL,
    score REAL NOT NULL,
    reason TEXT,
    PRIMARY KEY (run_case_id, evaluator_key)
);
`
