package ledger

// Schema contains SQL schema definitions for the ledger
const Schema = `
-- Processed message ids. Rows are only ever inserted, never removed.
CREATE TABLE IF NOT EXISTS processed_messages (
    message_id TEXT PRIMARY KEY,
    processed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Per-record submission outcomes, kept as a durable audit trail.
CREATE TABLE IF NOT EXISTS submission_outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    record_summary TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outcomes_message_id ON submission_outcomes(message_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_created_at ON submission_outcomes(created_at);
`
