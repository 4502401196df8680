package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Status is the lifecycle state of a tab's session record. Transitions are
// monotonic within one session; a terminal record may restart at
// StatusExtracting when a new request arrives for the tab.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusExtracting Status = "extracting"
	StatusResolving  Status = "resolving"
	StatusProcessing Status = "processing"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether the status ends a session. A new request for the
// tab may only begin once the prior record is terminal.
func (s Status) Terminal() bool {
	return s == StatusIdle || s == StatusCompleted || s == StatusError
}

// SessionRecord is the durable state of one request→stream→finalize
// lifecycle, keyed by the owning tab.
type SessionRecord struct {
	TabID        int64     `json:"tabId"`
	StreamID     string    `json:"streamId"`
	Status       Status    `json:"status"`
	PlatformID   string    `json:"platformId,omitempty"`
	ModelID      string    `json:"modelId,omitempty"`
	ContentType  string    `json:"contentType,omitempty"`
	Accumulated  string    `json:"accumulatedContent,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TabContent is the per-tab cache of formatted extraction output. Written
// once per extraction, cleared on the next session reset.
type TabContent struct {
	TabID       int64
	ContentType string
	Formatted   string
	ExtractedAt time.Time
}

// TabPrefs holds per-tab UI choices with a lifecycle independent of the
// session record; deleted when the tab closes.
type TabPrefs struct {
	TabID             int64
	ExtractionEnabled bool
	PlatformID        string
	ModelID           string
	UpdatedAt         time.Time
}

// Snapshot is the global last-completed-response record, read by UI
// surfaces that attach after their stream already finished.
type Snapshot struct {
	TabID       int64     `json:"tabId"`
	ModelID     string    `json:"modelId,omitempty"`
	Content     string    `json:"content"`
	CompletedAt time.Time `json:"completedAt"`
}

const sessionCols = "tab_id, stream_id, status, platform_id, model_id, content_type, accumulated_content, error_message, created_at, updated_at"

func scanSession(row *sql.Row) (*SessionRecord, error) {
	var rec SessionRecord
	var createdAt, updatedAt int64
	err := row.Scan(&rec.TabID, &rec.StreamID, &rec.Status, &rec.PlatformID,
		&rec.ModelID, &rec.ContentType, &rec.Accumulated, &rec.ErrorMessage,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// GetSession returns the session record for a tab, or nil if none exists.
func (s *Store) GetSession(tabID int64) (*SessionRecord, error) {
	row := s.db.QueryRow("SELECT "+sessionCols+" FROM tab_sessions WHERE tab_id = ?", tabID)
	return scanSession(row)
}

// GetSessionByStream returns the session record currently bound to streamID,
// or nil. Used by the aggregator's stale-stream guard.
func (s *Store) GetSessionByStream(streamID string) (*SessionRecord, error) {
	row := s.db.QueryRow("SELECT "+sessionCols+" FROM tab_sessions WHERE stream_id = ?", streamID)
	return scanSession(row)
}

// BeginSession writes a fresh record for a new session attempt, replacing
// any prior record for the tab in a single statement.
func (s *Store) BeginSession(tabID int64, streamID string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO tab_sessions (tab_id, stream_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tab_id) DO UPDATE SET
			stream_id = excluded.stream_id,
			status = excluded.status,
			platform_id = '',
			model_id = '',
			content_type = '',
			accumulated_content = '',
			error_message = '',
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, tabID, streamID, StatusExtracting, now, now)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

// SetStatus advances the record's status. The streamID guard makes the write
// a no-op if the record has since been rebound to a newer stream.
func (s *Store) SetStatus(tabID int64, streamID string, status Status) error {
	_, err := s.db.Exec(
		"UPDATE tab_sessions SET status = ?, updated_at = ? WHERE tab_id = ? AND stream_id = ?",
		status, time.Now().Unix(), tabID, streamID,
	)
	return err
}

// SetDestination records the resolved platform/model and content type. These
// are immutable once streaming begins.
func (s *Store) SetDestination(tabID int64, streamID, platformID, modelID, contentType string) error {
	_, err := s.db.Exec(`
		UPDATE tab_sessions SET platform_id = ?, model_id = ?, content_type = ?, updated_at = ?
		WHERE tab_id = ? AND stream_id = ?
	`, platformID, modelID, contentType, time.Now().Unix(), tabID, streamID)
	return err
}

// AppendContent appends a chunk to the accumulated transcript as a single
// read-modify-write statement, guarded by streamID so chunks from an
// invalidated stream cannot land.
func (s *Store) AppendContent(tabID int64, streamID, chunk string) error {
	res, err := s.db.Exec(`
		UPDATE tab_sessions
		SET accumulated_content = accumulated_content || ?, updated_at = ?
		WHERE tab_id = ? AND stream_id = ? AND status = ?
	`, chunk, time.Now().Unix(), tabID, streamID, StatusStreaming)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("append content: no live record for stream %s", streamID)
	}
	return nil
}

// FinalizeSession drives the record to a terminal state, writing the full
// transcript authoritatively so the record is correct even if an
// intermediate append was lost. errMsg is stored only for StatusError.
// Returns false when the record has been rebound to a newer stream, so the
// caller knows the terminal never landed.
func (s *Store) FinalizeSession(tabID int64, streamID string, status Status, content, errMsg string) (bool, error) {
	if status != StatusError {
		errMsg = ""
	}
	res, err := s.db.Exec(`
		UPDATE tab_sessions SET status = ?, accumulated_content = ?, error_message = ?, updated_at = ?
		WHERE tab_id = ? AND stream_id = ?
	`, status, content, errMsg, time.Now().Unix(), tabID, streamID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResetSession forces a tab's record to idle and invalidates its stream so
// late chunk callbacks find nothing to bind to. The streamID guard makes it
// a no-op when the record already belongs to a newer stream.
func (s *Store) ResetSession(tabID int64, streamID string) error {
	_, err := s.db.Exec(`
		UPDATE tab_sessions
		SET status = ?, stream_id = '', accumulated_content = '', error_message = '', updated_at = ?
		WHERE tab_id = ? AND stream_id = ?
	`, StatusIdle, time.Now().Unix(), tabID, streamID)
	return err
}

// GetContent returns the cached formatted content for a tab, or nil.
func (s *Store) GetContent(tabID int64) (*TabContent, error) {
	var c TabContent
	var extractedAt int64
	err := s.db.QueryRow(
		"SELECT tab_id, content_type, formatted, extracted_at FROM tab_content WHERE tab_id = ?",
		tabID,
	).Scan(&c.TabID, &c.ContentType, &c.Formatted, &extractedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ExtractedAt = time.Unix(extractedAt, 0)
	return &c, nil
}

// PutContent stores freshly formatted extraction output for a tab.
func (s *Store) PutContent(tabID int64, contentType, formatted string) error {
	_, err := s.db.Exec(`
		INSERT INTO tab_content (tab_id, content_type, formatted, extracted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tab_id) DO UPDATE SET
			content_type = excluded.content_type,
			formatted = excluded.formatted,
			extracted_at = excluded.extracted_at
	`, tabID, contentType, formatted, time.Now().Unix())
	return err
}

// DeleteContent clears the content cache for a tab.
func (s *Store) DeleteContent(tabID int64) error {
	_, err := s.db.Exec("DELETE FROM tab_content WHERE tab_id = ?", tabID)
	return err
}

// GetPrefs returns the per-tab preferences, or nil if the tab never made a
// tab-specific choice.
func (s *Store) GetPrefs(tabID int64) (*TabPrefs, error) {
	var p TabPrefs
	var enabled int
	var updatedAt int64
	err := s.db.QueryRow(
		"SELECT tab_id, extraction_enabled, platform_id, model_id, updated_at FROM tab_prefs WHERE tab_id = ?",
		tabID,
	).Scan(&p.TabID, &enabled, &p.PlatformID, &p.ModelID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.ExtractionEnabled = enabled != 0
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// SetPrefs upserts the per-tab preferences.
func (s *Store) SetPrefs(p TabPrefs) error {
	enabled := 0
	if p.ExtractionEnabled {
		enabled = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO tab_prefs (tab_id, extraction_enabled, platform_id, model_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tab_id) DO UPDATE SET
			extraction_enabled = excluded.extraction_enabled,
			platform_id = excluded.platform_id,
			model_id = excluded.model_id,
			updated_at = excluded.updated_at
	`, p.TabID, enabled, p.PlatformID, p.ModelID, time.Now().Unix())
	return err
}

// SaveSnapshot records the global last-completed response.
func (s *Store) SaveSnapshot(tabID int64, modelID, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshots (id, tab_id, model_id, content, completed_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tab_id = excluded.tab_id,
			model_id = excluded.model_id,
			content = excluded.content,
			completed_at = excluded.completed_at
	`, tabID, modelID, content, time.Now().Unix())
	return err
}

// GetSnapshot returns the last completed response, or nil if none yet.
func (s *Store) GetSnapshot() (*Snapshot, error) {
	var snap Snapshot
	var completedAt int64
	err := s.db.QueryRow(
		"SELECT tab_id, model_id, content, completed_at FROM snapshots WHERE id = 1",
	).Scan(&snap.TabID, &snap.ModelID, &snap.Content, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.CompletedAt = time.Unix(completedAt, 0)
	return &snap, nil
}

// TabIDs returns every tab id that owns at least one tab-scoped record.
// Used by the janitor to diff against the live tab set.
func (s *Store) TabIDs() ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT tab_id FROM tab_sessions
		UNION
		SELECT tab_id FROM tab_content
		UNION
		SELECT tab_id FROM tab_prefs
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeTab deletes every record keyed by the tab and forgets its lock.
func (s *Store) PurgeTab(tabID int64) error {
	for _, q := range []string{
		"DELETE FROM tab_sessions WHERE tab_id = ?",
		"DELETE FROM tab_content WHERE tab_id = ?",
		"DELETE FROM tab_prefs WHERE tab_id = ?",
	} {
		if _, err := s.db.Exec(q, tabID); err != nil {
			return fmt.Errorf("purge tab %d: %w", tabID, err)
		}
	}
	s.dropTabLock(tabID)
	return nil
}
