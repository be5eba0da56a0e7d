package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// SQLiteAccounts は users と credit_transactions を SQLite に保存します。
type SQLiteAccounts struct {
	db  *sql.DB
	now func() time.Time
}

// User は利用者1人分の情報です。
type User struct {
	ID        string
	Email     string
	Credits   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSQLiteAccounts はデータベースを開き、スキーマを作成します。
func NewSQLiteAccounts(dbPath string) (*SQLiteAccounts, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 書き込みは1接続に直列化します。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	accounts := &SQLiteAccounts{db: db, now: time.Now}
	if err := accounts.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return accounts, nil
}

// Close はデータベース接続を閉じます。
func (a *SQLiteAccounts) Close() error {
	return a.db.Close()
}

func (a *SQLiteAccounts) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		api_key_hash TEXT NOT NULL DEFAULT '',
		credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		job_id TEXT,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(job_id, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at);
	`
	_, err := a.db.Exec(schema)
	return err
}

// CreateUser は利用者を作成します。apiKeyHash は bcrypt のハッシュです。
func (a *SQLiteAccounts) CreateUser(ctx context.Context, id, email, apiKeyHash string, credits int) error {
	if id == "" {
		return errors.New("user id is required")
	}
	if credits < 0 {
		return errors.New("credits must not be negative")
	}
	now := a.now().Unix()
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO users (id, email, api_key_hash, credits, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, email, apiKeyHash, credits, now, now)
	if isUniqueViolation(err) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser は利用者情報を返します。
func (a *SQLiteAccounts) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		user                 User
		createdAt, updatedAt int64
	)
	err := a.db.QueryRowContext(ctx, `
		SELECT id, email, credits, created_at, updated_at FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Email, &user.Credits, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// APIKeyHash は利用者の API キーのハッシュを返します。
func (a *SQLiteAccounts) APIKeyHash(ctx context.Context, userID string) (string, error) {
	var hash string
	err := a.db.QueryRowContext(ctx, `SELECT api_key_hash FROM users WHERE id = ?`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get api key: %w", err)
	}
	return hash, nil
}

// SetAPIKeyHash は API キーを差し替えます。
func (a *SQLiteAccounts) SetAPIKeyHash(ctx context.Context, userID, apiKeyHash string) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE users SET api_key_hash = ?, updated_at = ? WHERE id = ?
	`, apiKeyHash, a.now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	return requireRow(res)
}

// GetCredits は残高を返します。
func (a *SQLiteAccounts) GetCredits(ctx context.Context, userID string) (int, error) {
	var credits int
	err := a.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get credits: %w", err)
	}
	return credits, nil
}

// SetCredits は残高を上書きし、差分を adjust として記録します。
func (a *SQLiteAccounts) SetCredits(ctx context.Context, userID string, credits int) error {
	if credits < 0 {
		return errors.New("credits must not be negative")
	}
	return a.withTx(ctx, func(tx *sql.Tx) error {
		current, err := selectCredits(ctx, tx, userID)
		if err != nil {
			return err
		}
		now := a.now().Unix()
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET credits = ?, updated_at = ? WHERE id = ?
		`, credits, now, userID); err != nil {
			return fmt.Errorf("failed to set credits: %w", err)
		}
		return insertTransaction(ctx, tx, userID, nil, KindAdjust, credits-current, credits, now)
	})
}

// Reserve は残高から amount を差し引きます。
// 残高不足の場合は *InsufficientCreditsError を返し、何も変更しません。
func (a *SQLiteAccounts) Reserve(ctx context.Context, userID, jobID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, errors.New("amount must be positive")
	}
	var balance int
	err := a.withTx(ctx, func(tx *sql.Tx) error {
		current, err := selectCredits(ctx, tx, userID)
		if err != nil {
			return err
		}
		if current < amount {
			return &InsufficientCreditsError{Required: amount, Available: current}
		}
		now := a.now().Unix()
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET credits = credits - ?, updated_at = ? WHERE id = ? AND credits >= ?
		`, amount, now, userID, amount)
		if err != nil {
			return fmt.Errorf("failed to reserve credits: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &InsufficientCreditsError{Required: amount, Available: current}
		}
		balance = current - amount
		if err := insertTransaction(ctx, tx, userID, &jobID, KindReserve, -amount, balance, now); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyReserved
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Refund は jobID の予約分から amount を戻します。同じ jobID への返金は一度だけ反映されます。
func (a *SQLiteAccounts) Refund(ctx context.Context, userID, jobID string, amount int) error {
	if amount <= 0 {
		return nil
	}
	err := a.withTx(ctx, func(tx *sql.Tx) error {
		now := a.now().Unix()
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET credits = credits + ?, updated_at = ? WHERE id = ?
		`, amount, now, userID)
		if err != nil {
			return fmt.Errorf("failed to refund credits: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		balance, err := selectCredits(ctx, tx, userID)
		if err != nil {
			return err
		}
		return insertTransaction(ctx, tx, userID, &jobID, KindRefund, amount, balance, now)
	})
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// ListTransactions は新しい順に最大 limit 件の取引を返します。
func (a *SQLiteAccounts) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, user_id, job_id, kind, amount, balance_after, created_at
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			tx        Transaction
			jobID     sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &jobID, &tx.Kind, &tx.Amount, &tx.BalanceAfter, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.JobID = jobID.String
		tx.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (a *SQLiteAccounts) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func selectCredits(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	var credits int
	err := tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get credits: %w", err)
	}
	return credits, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, userID string, jobID *string, kind string, amount, balance int, createdAt int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, job_id, kind, amount, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), userID, jobID, kind, amount, balance, createdAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
