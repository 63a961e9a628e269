package storage

// games.go contains SQLiteStore methods for game records.

import (
	"database/sql"
	"errors"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lairsandllamas/host/internal/auth"
	apperrors "github.com/lairsandllamas/host/internal/errors"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Game is one persisted campaign.
type Game struct {
	ID       string
	Campaign string
	// Dir is the game master's working directory for this campaign.
	Dir string
	// SessionID resumes the game master conversation. Empty starts fresh.
	SessionID  string
	Secret     string
	CreatedAt  time.Time
	LastPlayed time.Time
}

// CreateGame records a new game playing campaign from dir.
func (s *SQLiteStore) CreateGame(campaign, dir string) (*Game, error) {
	return s.insertGame(uuid.NewString(), campaign, dir)
}

// CreateGameIn records a new game whose directory is named after its ID
// inside baseDir. The directory itself is not created.
func (s *SQLiteStore) CreateGameIn(campaign, baseDir string) (*Game, error) {
	id := uuid.NewString()
	return s.insertGame(id, campaign, filepath.Join(baseDir, id))
}

func (s *SQLiteStore) insertGame(id, campaign, dir string) (*Game, error) {
	campaign = strings.TrimSpace(campaign)
	if campaign == "" {
		return nil, apperrors.New(apperrors.CodeStorageSaveFailed, "campaign name is required")
	}

	now := time.Now().UTC()
	g := &Game{
		ID:         id,
		Campaign:   campaign,
		Dir:        dir,
		CreatedAt:  now,
		LastPlayed: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: creating game %s (campaign=%s)", g.ID, g.Campaign)
	const query = `
		INSERT INTO games (id, campaign, dir, session_id, secret, created_at, last_played)
		VALUES (?, ?, ?, '', '', ?, ?)
	`
	_, err := s.db.Exec(query, g.ID, g.Campaign, g.Dir,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "create game", err)
	}
	return g, nil
}

// GetGame returns a game by ID, or ErrGameNotFound.
func (s *SQLiteStore) GetGame(id string) (*Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, campaign, dir, session_id, secret, created_at, last_played
		FROM games
		WHERE id = ?
	`
	g, err := scanGame(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "get game", err)
	}
	return g, nil
}

// ListGames returns every game, most recently played first.
func (s *SQLiteStore) ListGames() ([]*Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, campaign, dir, session_id, secret, created_at, last_played
		FROM games
		ORDER BY last_played DESC, created_at DESC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "list games", err)
	}
	defer rows.Close()

	var games []*Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan game", err)
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "list games", err)
	}
	return games, nil
}

// SetSessionHandle stores the resumable game master handle. An empty
// handle clears it.
func (s *SQLiteStore) SetSessionHandle(id, handle string) error {
	log.Printf("storage: game %s session handle=%q", id, handle)
	return s.updateGame("set session handle", "UPDATE games SET session_id = ? WHERE id = ?", handle, id)
}

// TouchGame marks the game as just played.
func (s *SQLiteStore) TouchGame(id string) error {
	now := time.Now().UTC().Format(timeLayout)
	return s.updateGame("touch game", "UPDATE games SET last_played = ? WHERE id = ?", now, id)
}

// EnsureSecret returns the game's access secret, generating and storing
// one first if the game has none.
func (s *SQLiteStore) EnsureSecret(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var secret string
	err := s.db.QueryRow("SELECT secret FROM games WHERE id = ?", id).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrGameNotFound
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorageQueryFailed, "get secret", err)
	}
	if secret != "" {
		return secret, nil
	}

	secret, err = auth.GenerateSecret()
	if err != nil {
		return "", apperrors.Internal("generate secret", err)
	}
	if _, err := s.db.Exec("UPDATE games SET secret = ? WHERE id = ?", secret, id); err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorageSaveFailed, "save secret", err)
	}
	log.Printf("storage: generated secret for game %s", id)
	return secret, nil
}

func (s *SQLiteStore) updateGame(op, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, op, err)
	}
	if n == 0 {
		return ErrGameNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*Game, error) {
	var g Game
	var createdAt, lastPlayed string
	if err := row.Scan(&g.ID, &g.Campaign, &g.Dir, &g.SessionID, &g.Secret, &createdAt, &lastPlayed); err != nil {
		return nil, err
	}
	var err error
	if g.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if g.LastPlayed, err = time.Parse(timeLayout, lastPlayed); err != nil {
		return nil, err
	}
	return &g, nil
}
