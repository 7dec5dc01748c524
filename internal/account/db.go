package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrInsufficientFunds = errors.New("insufficient coins")
	ErrUserNotFound      = errors.New("user not found")
	ErrMatchNotFound     = errors.New("match not found")
)

// DB is the account service: balances, a ledger of idempotent coin
// movements, and match history.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

func NewDB(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "./battle.db"
	}
	logger.Info("opening account database", "path", path)

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; serialise through one connection so
	// balance updates never interleave.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			profile_logo TEXT,
			coins INTEGER NOT NULL DEFAULT 1000 CHECK (coins >= 0),
			total_matches INTEGER NOT NULL DEFAULT 0,
			wins INTEGER NOT NULL DEFAULT 0,
			losses INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS ledger (
			ref TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(user_id),
			delta INTEGER NOT NULL,
			kind TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS matches (
			match_id TEXT PRIMARY KEY,
			stake INTEGER NOT NULL,
			player1_id INTEGER NOT NULL REFERENCES users(user_id),
			player2_id INTEGER NOT NULL REFERENCES users(user_id),
			winner_id INTEGER REFERENCES users(user_id),
			score_p1 INTEGER NOT NULL DEFAULT 0,
			score_p2 INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &DB{DB: db, logger: logger}, nil
}

func (db *DB) CreateUser(ctx context.Context, username string, coins int64) (int64, error) {
	res, err := db.ExecContext(ctx,
		"INSERT INTO users (username, profile_logo, coins) VALUES (?, ?, ?)",
		strings.TrimSpace(username), defaultProfileLogo, coins)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) Profile(ctx context.Context, userID int64) (Profile, error) {
	var (
		p    Profile
		logo sql.NullString
	)
	err := db.QueryRowContext(ctx,
		`SELECT user_id, username, profile_logo, coins, total_matches, wins, losses
		 FROM users WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Username, &logo, &p.Coins, &p.TotalMatches, &p.Wins, &p.Losses)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	if err != nil {
		return Profile{}, err
	}
	p.ProfileLogo = defaultProfileLogo
	if logo.Valid && logo.String != "" {
		p.ProfileLogo = logo.String
	}
	return p, nil
}

func (db *DB) Balance(ctx context.Context, userID int64) (int64, error) {
	var coins int64
	err := db.QueryRowContext(ctx, "SELECT coins FROM users WHERE user_id = ?", userID).Scan(&coins)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	return coins, err
}

// Deduct takes amount from the user's balance, refusing to go negative.
func (db *DB) Deduct(ctx context.Context, userID, amount int64, ref string) error {
	return db.move(ctx, userID, -amount, "deduct", ref)
}

func (db *DB) Refund(ctx context.Context, userID, amount int64, ref string) error {
	return db.move(ctx, userID, amount, "refund", ref)
}

func (db *DB) Award(ctx context.Context, userID, amount int64, ref string) error {
	return db.move(ctx, userID, amount, "award", ref)
}

// move applies delta and writes the ledger row in one transaction. A ref that
// is already in the ledger makes the call a no-op.
func (db *DB) move(ctx context.Context, userID, delta int64, kind, ref string) error {
	if ref == "" {
		return fmt.Errorf("%s for user %d: empty ledger ref", kind, userID)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO ledger (ref, user_id, delta, kind) VALUES (?, ?, ?, ?)",
		ref, userID, delta, kind)
	if err != nil {
		return fmt.Errorf("ledger insert %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		db.logger.Info("ledger ref already applied", "ref", ref, "user_id", userID)
		return tx.Commit()
	}

	res, err = tx.ExecContext(ctx,
		"UPDATE users SET coins = coins + ? WHERE user_id = ? AND coins + ? >= 0",
		delta, userID, delta)
	if err != nil {
		return fmt.Errorf("update coins for user %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.lookup(ctx, tx, userID); err != nil {
			return err
		}
		return ErrInsufficientFunds
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	db.logger.Info("coins moved", "kind", kind, "user_id", userID, "delta", delta, "ref", ref)
	return nil
}

func (db *DB) lookup(ctx context.Context, tx *sql.Tx, userID int64) (int64, error) {
	var coins int64
	err := tx.QueryRowContext(ctx, "SELECT coins FROM users WHERE user_id = ?", userID).Scan(&coins)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	return coins, err
}

// RecordMatch writes the match row and player stats once per match id.
func (db *DB) RecordMatch(ctx context.Context, rec MatchRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var winner sql.NullInt64
	if rec.WinnerID != nil {
		winner = sql.NullInt64{Int64: *rec.WinnerID, Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO matches
			(match_id, stake, player1_id, player2_id, winner_id, score_p1, score_p2, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MatchID, rec.Stake, rec.Player1ID, rec.Player2ID, winner, rec.Score1, rec.Score2, rec.Reason)
	if err != nil {
		return fmt.Errorf("insert match %s: %w", rec.MatchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	for _, id := range []int64{rec.Player1ID, rec.Player2ID} {
		win, loss := 0, 0
		if rec.WinnerID != nil {
			if *rec.WinnerID == id {
				win = 1
			} else {
				loss = 1
			}
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE users SET total_matches = total_matches + 1, wins = wins + ?, losses = losses + ? WHERE user_id = ?",
			win, loss, id)
		if err != nil {
			return fmt.Errorf("update stats for user %d: %w", id, err)
		}
	}

	return tx.Commit()
}

func (db *DB) Match(ctx context.Context, matchID string) (MatchRecord, error) {
	var (
		rec    MatchRecord
		winner sql.NullInt64
		reason sql.NullString
	)
	err := db.QueryRowContext(ctx,
		`SELECT match_id, stake, player1_id, player2_id, winner_id, score_p1, score_p2, reason, created_at
		 FROM matches WHERE match_id = ?`, matchID).
		Scan(&rec.MatchID, &rec.Stake, &rec.Player1ID, &rec.Player2ID, &winner, &rec.Score1, &rec.Score2, &reason, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MatchRecord{}, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}
	if err != nil {
		return MatchRecord{}, err
	}
	if winner.Valid {
		w := winner.Int64
		rec.WinnerID = &w
	}
	rec.Reason = reason.String
	return rec, nil
}

// History lists the user's recorded matches, newest first.
func (db *DB) History(ctx context.Context, userID int64, limit int) ([]HistoryEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT m.match_id, m.stake, m.player1_id, m.player2_id, m.winner_id, m.score_p1, m.score_p2, m.reason, m.created_at,
			u1.username, u2.username,
			CASE
				WHEN m.winner_id = ? THEN 'win'
				WHEN m.winner_id IS NULL THEN 'draw'
				ELSE 'loss'
			END
		 FROM matches m
		 JOIN users u1 ON m.player1_id = u1.user_id
		 JOIN users u2 ON m.player2_id = u2.user_id
		 WHERE m.player1_id = ? OR m.player2_id = ?
		 ORDER BY m.created_at DESC, m.rowid DESC
		 LIMIT ?`,
		userID, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history for user %d: %w", userID, err)
	}
	defer rows.Close()

	history := []HistoryEntry{}
	for rows.Next() {
		var (
			e      HistoryEntry
			winner sql.NullInt64
			reason sql.NullString
		)
		if err := rows.Scan(&e.MatchID, &e.Stake, &e.Player1ID, &e.Player2ID, &winner, &e.Score1, &e.Score2, &reason, &e.CreatedAt,
			&e.Player1Name, &e.Player2Name, &e.Result); err != nil {
			return nil, err
		}
		if winner.Valid {
			w := winner.Int64
			e.WinnerID = &w
		}
		e.Reason = reason.String
		history = append(history, e)
	}
	return history, rows.Err()
}
