package database

const schema = `
CREATE TABLE IF NOT EXISTS ingestion_runs (
    run_id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    host TEXT,
    stats TEXT
);

CREATE TABLE IF NOT EXISTS emails (
    email_id TEXT PRIMARY KEY,
    source_system TEXT NOT NULL,
    source_entry_id TEXT,
    source_store_id TEXT,
    received_at DATETIME,
    sent_at DATETIME,
    subject TEXT,
    sender_name TEXT,
    sender_email TEXT,
    to_recipients TEXT,
    cc_recipients TEXT,
    bcc_recipients TEXT,
    conversation_id TEXT,
    body_text_raw TEXT,
    body_text_normalized TEXT,
    body_html TEXT,
    links TEXT,
    is_calendar BOOLEAN NOT NULL DEFAULT false,
    calendar_start DATETIME,
    calendar_end DATETIME,
    calendar_timezone TEXT,
    calendar_location TEXT,
    organizer TEXT,
    attendees TEXT,
    processing_state TEXT
);

CREATE TABLE IF NOT EXISTS attachments (
    attachment_id TEXT PRIMARY KEY,
    email_id TEXT NOT NULL REFERENCES emails(email_id) ON DELETE CASCADE,
    filename TEXT,
    ext TEXT,
    mime TEXT,
    sha256 TEXT NOT NULL,
    size_bytes INTEGER,
    saved_path TEXT,
    is_inline BOOLEAN NOT NULL DEFAULT false,
    content_id TEXT,
    UNIQUE(email_id, sha256, content_id)
);

CREATE TABLE IF NOT EXISTS extracted_artifacts (
    artifact_id TEXT PRIMARY KEY,
    email_id TEXT NOT NULL REFERENCES emails(email_id) ON DELETE CASCADE,
    attachment_id TEXT,
    extractor TEXT,
    artifact_type TEXT NOT NULL,
    payload TEXT,
    text TEXT,
    file_path TEXT,
    metadata TEXT
);

-- Events are audit records: they may reference emails that never made it
-- past identity derivation, so email_id/attachment_id carry no FK.
CREATE TABLE IF NOT EXISTS processing_events (
    event_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES ingestion_runs(run_id),
    email_id TEXT,
    attachment_id TEXT,
    extractor TEXT,
    status TEXT NOT NULL,
    error_message TEXT,
    metrics TEXT,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
    name TEXT PRIMARY KEY,
    value TEXT
);

CREATE INDEX IF NOT EXISTS idx_emails_received ON emails(received_at);
CREATE INDEX IF NOT EXISTS idx_attachments_email ON attachments(email_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_email ON extracted_artifacts(email_id);
CREATE INDEX IF NOT EXISTS idx_events_run ON processing_events(run_id);
`
