// Package markov stores and samples the trigram chain that feeds tarpit
// page generation. Words are interned into an id table; transitions map an
// ordered pair of word ids to a successor id with an observation count.
package markov

import (
	"bufio"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	_ "modernc.org/sqlite"
)

// EmptyID is the id of the empty boundary token. Chains start from the
// (EmptyID, EmptyID) state and restart from it on dead ends.
const EmptyID = 1

// maxCandidates bounds the successor set considered per step. Keeping the
// top observations makes deterministic replay cheap and output coherent.
const maxCandidates = 20

// Candidate is one possible successor with its observation count.
type Candidate struct {
	ID   int64
	Freq int64
}

// Store is the SQLite-backed chain.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the chain database at path. Use ":memory:" for
// tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("Markov store initialized", "path", path)
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS words (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		word TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS sequences (
		p1 INTEGER NOT NULL,
		p2 INTEGER NOT NULL,
		next_id INTEGER NOT NULL,
		freq INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (p1, p2, next_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sequences_pair ON sequences(p1, p2);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Reserve id 1 for the boundary token.
	_, err := s.db.Exec(`INSERT OR IGNORE INTO words (id, word) VALUES (?, '')`, EmptyID)
	return err
}

// Word returns the word for an id.
func (s *Store) Word(id int64) (string, error) {
	var w string
	err := s.db.QueryRow(`SELECT word FROM words WHERE id = ?`, id).Scan(&w)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("unknown word id %d", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up word: %w", err)
	}
	return w, nil
}

// WordID returns the id for a word, or 0 when absent.
func (s *Store) WordID(word string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM words WHERE word = ?`, word).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up word id: %w", err)
	}
	return id, nil
}

// Next returns the successor set for the (p1, p2) state, highest observation
// count first with id as the tiebreaker so replays are stable.
func (s *Store) Next(p1, p2 int64) ([]Candidate, error) {
	rows, err := s.db.Query(`
		SELECT next_id, freq FROM sequences
		WHERE p1 = ? AND p2 = ?
		ORDER BY freq DESC, next_id ASC
		LIMIT ?`, p1, p2, maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to query successors: %w", err)
	}
	defer rows.Close()

	var cands []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Freq); err != nil {
			return nil, fmt.Errorf("failed to scan successor: %w", err)
		}
		cands = append(cands, c)
	}
	return cands, rows.Err()
}

// Sample picks a successor weighted by observation count. The caller owns
// the RNG so generation stays deterministic per seed. Returns EmptyID for an
// empty candidate set.
func Sample(cands []Candidate, rng *rand.Rand) int64 {
	if len(cands) == 0 {
		return EmptyID
	}
	var total int64
	for _, c := range cands {
		total += c.Freq
	}
	if total <= 0 {
		return cands[0].ID
	}
	pick := rng.Int63n(total)
	for _, c := range cands {
		pick -= c.Freq
		if pick < 0 {
			return c.ID
		}
	}
	return cands[len(cands)-1].ID
}

// Train ingests corpus text into the chain. Each sentence contributes
// transitions starting from the boundary state; terminal punctuation closes
// the sentence back to the boundary. Returns the number of transitions
// recorded.
func (s *Store) Train(text string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin training: %w", err)
	}
	defer tx.Rollback()

	internStmt, err := tx.Prepare(`INSERT OR IGNORE INTO words (word) VALUES (?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare intern: %w", err)
	}
	defer internStmt.Close()

	idStmt, err := tx.Prepare(`SELECT id FROM words WHERE word = ?`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare lookup: %w", err)
	}
	defer idStmt.Close()

	seqStmt, err := tx.Prepare(`
		INSERT INTO sequences (p1, p2, next_id, freq) VALUES (?, ?, ?, 1)
		ON CONFLICT (p1, p2, next_id) DO UPDATE SET freq = freq + 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare transition: %w", err)
	}
	defer seqStmt.Close()

	intern := func(word string) (int64, error) {
		if _, err := internStmt.Exec(word); err != nil {
			return 0, err
		}
		var id int64
		if err := idStmt.QueryRow(word).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	var added int
	p1, p2 := int64(EmptyID), int64(EmptyID)
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		word := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if word == "" {
			continue
		}
		terminal := strings.ContainsAny(string(word[len(word)-1]), ".!?")
		word = strings.Trim(word, `.,!?;:"()[]`)
		if word == "" {
			continue
		}

		id, err := intern(word)
		if err != nil {
			return 0, fmt.Errorf("failed to intern %q: %w", word, err)
		}
		if _, err := seqStmt.Exec(p1, p2, id); err != nil {
			return 0, fmt.Errorf("failed to record transition: %w", err)
		}
		added++

		if terminal {
			// Close the sentence back to the boundary state.
			if _, err := seqStmt.Exec(p2, id, EmptyID); err != nil {
				return 0, fmt.Errorf("failed to record boundary: %w", err)
			}
			added++
			p1, p2 = EmptyID, EmptyID
		} else {
			p1, p2 = p2, id
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan corpus: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit training: %w", err)
	}
	return added, nil
}

// Stats reports table sizes for the control API.
func (s *Store) Stats() (words, sequences int64, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM words`).Scan(&words); err != nil {
		return 0, 0, fmt.Errorf("failed to count words: %w", err)
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM sequences`).Scan(&sequences); err != nil {
		return 0, 0, fmt.Errorf("failed to count sequences: %w", err)
	}
	return words, sequences, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
