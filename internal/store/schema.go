package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id                   TEXT PRIMARY KEY,
    workspace_path       TEXT NOT NULL,
    provider             TEXT NOT NULL,
    task                 TEXT,
    status               TEXT NOT NULL,
    native_session_id    TEXT,
    pid                  INTEGER,
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_logs (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id           TEXT NOT NULL,
    role                 TEXT NOT NULL,
    content              TEXT NOT NULL,
    timestamp            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_stats (
    session_id           TEXT PRIMARY KEY REFERENCES sessions(id),
    tokens_in            INTEGER NOT NULL DEFAULT 0,
    tokens_out           INTEGER NOT NULL DEFAULT 0,
    cost_estimate        REAL NOT NULL DEFAULT 0,
    files_changed        INTEGER NOT NULL DEFAULT 0,
    lines_added          INTEGER NOT NULL DEFAULT 0,
    lines_removed        INTEGER NOT NULL DEFAULT 0,
    duration_seconds     REAL NOT NULL DEFAULT 0,
    updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS quality_checks (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id           TEXT NOT NULL REFERENCES sessions(id),
    name                 TEXT NOT NULL,
    passed               INTEGER NOT NULL,
    output               TEXT,
    created_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_path);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_logs_session ON session_logs(session_id, id);
CREATE INDEX IF NOT EXISTS idx_quality_session ON quality_checks(session_id);
`
