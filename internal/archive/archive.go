// Package archive persists tarpit hits to SQLite for offline analysis and
// classifier training.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"quagmire/internal/metadata"
	"quagmire/internal/redaction"
)

// Hit is one archived labyrinth request.
type Hit struct {
	ID        string            `json:"id"`
	IP        string            `json:"ip"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	UserAgent string            `json:"user_agent"`
	Referer   string            `json:"referer,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp_utc"`
}

// Archive is the SQLite-backed hit log. Captured headers pass through the
// scrubber so stored rows never contain visitor credentials.
type Archive struct {
	db       *sql.DB
	scrubber *redaction.Scrubber
}

// Open opens (or creates) the archive at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	a := &Archive{db: db, scrubber: redaction.NewScrubber()}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("hit archive initialized", "path", path)
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hits (
		id TEXT PRIMARY KEY,
		ip TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		query TEXT,
		user_agent TEXT,
		referer TEXT,
		reason TEXT,
		headers TEXT,
		timestamp DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_hits_ip ON hits(ip);
	CREATE INDEX IF NOT EXISTS idx_hits_timestamp ON hits(timestamp);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Record stores one hit built from request metadata.
func (a *Archive) Record(md metadata.RequestMetadata, reason string) error {
	headers, err := json.Marshal(a.scrubber.Headers(md.Headers))
	if err != nil {
		headers = []byte("{}")
	}
	ts := md.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = a.db.Exec(`
		INSERT INTO hits (id, ip, method, path, query, user_agent, referer, reason, headers, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		md.SourceIP,
		md.Method,
		md.Path,
		md.Query,
		md.UserAgent,
		md.Referer,
		reason,
		string(headers),
		ts,
	)
	if err != nil {
		return fmt.Errorf("failed to record hit: %w", err)
	}
	return nil
}

// ListOptions filters ListHits.
type ListOptions struct {
	IP    string
	Limit int
	Since *time.Time
}

// ListHits returns archived hits, newest first.
func (a *Archive) ListHits(opts ListOptions) ([]Hit, error) {
	query := `SELECT id, ip, method, path, query, user_agent, referer, reason, headers, timestamp FROM hits WHERE 1=1`
	var args []any
	if opts.IP != "" {
		query += ` AND ip = ?`
		args = append(args, opts.IP)
	}
	if opts.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *opts.Since)
	}
	query += ` ORDER BY timestamp DESC`
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list hits: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var headers, rawQuery, referer, reason, agent sql.NullString
		if err := rows.Scan(&h.ID, &h.IP, &h.Method, &h.Path, &rawQuery, &agent, &referer, &reason, &headers, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		h.Query = rawQuery.String
		h.UserAgent = agent.String
		h.Referer = referer.String
		h.Reason = reason.String
		if headers.Valid && headers.String != "" {
			json.Unmarshal([]byte(headers.String), &h.Headers)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// CountByIP returns hit totals per address, highest first.
func (a *Archive) CountByIP(limit int) (map[string]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(`
		SELECT ip, COUNT(*) FROM hits GROUP BY ip ORDER BY COUNT(*) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to count hits: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var ip string
		var n int64
		if err := rows.Scan(&ip, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[ip] = n
	}
	return counts, rows.Err()
}

// Prune deletes hits older than the retention window and returns how many
// rows went.
func (a *Archive) Prune(retention time.Duration) (int64, error) {
	res, err := a.db.Exec(`DELETE FROM hits WHERE timestamp < ?`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune hits: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("archive pruned", "removed", n)
	}
	return n, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
