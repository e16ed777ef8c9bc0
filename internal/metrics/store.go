package metrics

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver for database/sql
)

// SessionSummary is the persisted record of one avatar session.
type SessionSummary struct {
	SessionID         string    `json:"session_id"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	Frames            uint64    `json:"frames"`
	AvgProcessingMs   float64   `json:"avg_processing_ms"`
	P95ProcessingMs   float64   `json:"p95_processing_ms"`
	LandmarkFrames    uint64    `json:"landmark_frames"`
	GeometricFrames   uint64    `json:"geometric_frames"`
	FallbackFrames    uint64    `json:"fallback_frames"`
	Timeouts          uint64    `json:"timeouts"`
	Failures          uint64    `json:"failures"`
	DetectionAccuracy float64   `json:"detection_accuracy"`
	MemoryBytes       uint64    `json:"memory_bytes"`
}

// Summarize converts a final snapshot into a summary ending at endedAt.
func Summarize(s Snapshot, endedAt time.Time) SessionSummary {
	return SessionSummary{
		SessionID:         s.SessionID,
		StartedAt:         s.StartedAt,
		EndedAt:           endedAt,
		Frames:            s.Frames,
		AvgProcessingMs:   float64(s.AvgProcessing) / float64(time.Millisecond),
		P95ProcessingMs:   float64(s.P95Processing) / float64(time.Millisecond),
		LandmarkFrames:    s.LandmarkFrames,
		GeometricFrames:   s.GeometricFrames,
		FallbackFrames:    s.FallbackFrames,
		Timeouts:          s.Timeouts,
		Failures:          s.Failures,
		DetectionAccuracy: s.DetectionAccuracy,
		MemoryBytes:       s.MemoryBytes,
	}
}

// Store provides SQLite-backed session history.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (or creates) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a store on an existing connection.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS viseme_sessions (
		session_id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		frames INTEGER NOT NULL,
		avg_processing_ms REAL NOT NULL,
		p95_processing_ms REAL NOT NULL,
		landmark_frames INTEGER DEFAULT 0,
		geometric_frames INTEGER DEFAULT 0,
		fallback_frames INTEGER DEFAULT 0,
		timeouts INTEGER DEFAULT 0,
		failures INTEGER DEFAULT 0,
		detection_accuracy REAL DEFAULT 0,
		memory_bytes INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_viseme_sessions_ended_at ON viseme_sessions(ended_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordSession inserts or replaces a session summary.
func (s *Store) RecordSession(sum SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO viseme_sessions (session_id, started_at, ended_at, frames, avg_processing_ms, p95_processing_ms,
			landmark_frames, geometric_frames, fallback_frames, timeouts, failures, detection_accuracy, memory_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			frames = excluded.frames,
			avg_processing_ms = excluded.avg_processing_ms,
			p95_processing_ms = excluded.p95_processing_ms,
			landmark_frames = excluded.landmark_frames,
			geometric_frames = excluded.geometric_frames,
			fallback_frames = excluded.fallback_frames,
			timeouts = excluded.timeouts,
			failures = excluded.failures,
			detection_accuracy = excluded.detection_accuracy,
			memory_bytes = excluded.memory_bytes
	`,
		sum.SessionID, sum.StartedAt.UTC(), sum.EndedAt.UTC(), int64(sum.Frames),
		sum.AvgProcessingMs, sum.P95ProcessingMs,
		int64(sum.LandmarkFrames), int64(sum.GeometricFrames), int64(sum.FallbackFrames),
		int64(sum.Timeouts), int64(sum.Failures), sum.DetectionAccuracy, int64(sum.MemoryBytes),
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit summaries, newest first.
func (s *Store) RecentSessions(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT session_id, started_at, ended_at, frames, avg_processing_ms, p95_processing_ms,
			landmark_frames, geometric_frames, fallback_frames, timeouts, failures, detection_accuracy, memory_bytes
		FROM viseme_sessions
		ORDER BY ended_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum                                   SessionSummary
			frames, lm, geo, fb, to, fail, memory int64
		)
		if err := rows.Scan(&sum.SessionID, &sum.StartedAt, &sum.EndedAt, &frames,
			&sum.AvgProcessingMs, &sum.P95ProcessingMs, &lm, &geo, &fb, &to, &fail,
			&sum.DetectionAccuracy, &memory); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.Frames = uint64(frames)
		sum.LandmarkFrames = uint64(lm)
		sum.GeometricFrames = uint64(geo)
		sum.FallbackFrames = uint64(fb)
		sum.Timeouts = uint64(to)
		sum.Failures = uint64(fail)
		sum.MemoryBytes = uint64(memory)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
