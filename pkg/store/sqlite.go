package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withConnectionParams(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	slog.Info("database connection established and schema initialized", "dsn", dataSourceName)
	return s, nil
}

// withConnectionParams enables foreign keys, WAL and a busy timeout on every pooled
// connection. A PRAGMA sent through db.Exec would only reach one of them.
func withConnectionParams(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// initSchema creates the database tables if they don't already exist and adds new columns if necessary.
// Money is stored as INTEGER minor units next to its currency code.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount >= 0),
		currency_code TEXT NOT NULL,
		terms INTEGER NOT NULL CHECK (terms >= 1),
		outstanding_amount INTEGER NOT NULL CHECK (outstanding_amount >= 0),
		status TEXT NOT NULL,
		processed_at DATE NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_user_id ON loans(user_id);
	CREATE TABLE IF NOT EXISTS scheduled_repayments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		amount INTEGER NOT NULL CHECK (amount >= 0),
		outstanding_amount INTEGER NOT NULL CHECK (outstanding_amount >= 0 AND outstanding_amount <= amount),
		currency_code TEXT NOT NULL,
		due_date DATE NOT NULL,
		status TEXT NOT NULL,
		UNIQUE(loan_id, sequence),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS received_repayments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		currency_code TEXT NOT NULL,
		received_at DATE NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_received_repayments_loan_id ON received_repayments(loan_id);
	CREATE TABLE IF NOT EXISTS repayment_allocations (
		id TEXT PRIMARY KEY,
		received_repayment_id TEXT NOT NULL,
		scheduled_repayment_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		currency_code TEXT NOT NULL,
		FOREIGN KEY(received_repayment_id) REFERENCES received_repayments(id),
		FOREIGN KEY(scheduled_repayment_id) REFERENCES scheduled_repayments(id)
	);
	CREATE TABLE IF NOT EXISTS debit_cards (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		number TEXT NOT NULL,
		type TEXT NOT NULL,
		expiration_date DATETIME NOT NULL,
		disabled_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_debit_cards_user_id ON debit_cards(user_id);
	CREATE TABLE IF NOT EXISTS debit_card_transactions (
		id TEXT PRIMARY KEY,
		debit_card_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		currency_code TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(debit_card_id) REFERENCES debit_cards(id)
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Columns added after the first release. The ALTER runs on every start and a
	// column that already exists is reported as a duplicate and skipped.
	columns := []struct{ table, def string }{
		{"loans", "version INTEGER NOT NULL DEFAULT 0"},
		{"received_repayments", "unallocated_amount INTEGER NOT NULL DEFAULT 0"},
	}

	for _, col := range columns {
		_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", col.table, col.def))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s.%s: %w", col.table, col.def, err)
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const loanColumns = `id, user_id, amount, currency_code, terms, outstanding_amount, status, processed_at, version, created_at, updated_at`

func scanLoan(row scanner) (*models.Loan, error) {
	var loan models.Loan
	err := row.Scan(&loan.ID, &loan.UserID, &loan.Amount.Amount, &loan.Amount.Currency, &loan.Terms,
		&loan.Outstanding.Amount, &loan.Status, &loan.ProcessedAt, &loan.Version, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	loan.Outstanding.Currency = loan.Amount.Currency
	return &loan, nil
}

// CreateLoan inserts a new loan together with its scheduled repayments.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.UserID, loan.Amount.Amount, loan.Amount.Currency, loan.Terms,
		loan.Outstanding.Amount, loan.Status, loan.ProcessedAt, loan.Version, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO scheduled_repayments (id, loan_id, sequence, amount, outstanding_amount, currency_code, due_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare scheduled repayment insert: %w", err)
	}
	defer stmt.Close()

	for _, sr := range loan.ScheduledRepayments {
		_, err = stmt.ExecContext(ctx, sr.ID.String(), loan.ID.String(), sr.Sequence, sr.Amount.Amount,
			sr.Outstanding.Amount, sr.Amount.Currency, sr.DueDate, sr.Status)
		if err != nil {
			return fmt.Errorf("failed to create scheduled repayment %d: %w", sr.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan and its schedule by the loan ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	// Loan row and schedule are read from one snapshot.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}

	schedule, err := s.scheduleForLoan(ctx, tx, loan.ID)
	if err != nil {
		return nil, err
	}
	loan.ScheduledRepayments = schedule
	return loan, tx.Commit()
}

func (s *SQLiteStore) scheduleForLoan(ctx context.Context, tx *sql.Tx, loanID uuid.UUID) ([]*models.ScheduledRepayment, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, loan_id, sequence, amount, outstanding_amount, currency_code, due_date, status
		FROM scheduled_repayments WHERE loan_id = ? ORDER BY sequence ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var schedule []*models.ScheduledRepayment
	for rows.Next() {
		var sr models.ScheduledRepayment
		if err := rows.Scan(&sr.ID, &sr.LoanID, &sr.Sequence, &sr.Amount.Amount, &sr.Outstanding.Amount,
			&sr.Amount.Currency, &sr.DueDate, &sr.Status); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled repayment row: %w", err)
		}
		sr.Outstanding.Currency = sr.Amount.Currency
		schedule = append(schedule, &sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan schedule: %w", err)
	}
	return schedule, nil
}

// GetLoansForUser retrieves all loans owned by a user, with their schedules.
func (s *SQLiteStore) GetLoansForUser(ctx context.Context, userID string) ([]*models.Loan, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans for user %s: %w", userID, err)
	}

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	rows.Close()

	for _, loan := range loans {
		if loan.ScheduledRepayments, err = s.scheduleForLoan(ctx, tx, loan.ID); err != nil {
			return nil, err
		}
	}
	return loans, tx.Commit()
}

// SaveRepayment persists an allocated repayment and the loan state it produced.
func (s *SQLiteStore) SaveRepayment(ctx context.Context, loan *models.Loan, repayment *models.ReceivedRepayment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The guarded update comes first so the write lock is taken before anything is read.
	result, err := tx.ExecContext(ctx,
		`UPDATE loans SET outstanding_amount = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		loan.Outstanding.Amount, loan.Status, loan.UpdatedAt, loan.ID.String(), loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM loans WHERE id = ?`, loan.ID.String()).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check loan existence: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	for _, sr := range loan.ScheduledRepayments {
		_, err = tx.ExecContext(ctx,
			`UPDATE scheduled_repayments SET outstanding_amount = ?, status = ? WHERE id = ? AND loan_id = ?`,
			sr.Outstanding.Amount, sr.Status, sr.ID.String(), loan.ID.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update scheduled repayment %d: %w", sr.Sequence, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO received_repayments (id, loan_id, amount, unallocated_amount, currency_code, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		repayment.ID.String(), repayment.LoanID.String(), repayment.Amount.Amount, repayment.Unallocated.Amount,
		repayment.Amount.Currency, repayment.ReceivedAt, repayment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create received repayment: %w", err)
	}

	for _, a := range repayment.Allocations {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO repayment_allocations (id, received_repayment_id, scheduled_repayment_id, amount, currency_code)
			VALUES (?, ?, ?, ?, ?)`,
			a.ID.String(), repayment.ID.String(), a.ScheduledRepaymentID.String(), a.Amount.Amount, a.Amount.Currency,
		)
		if err != nil {
			return fmt.Errorf("failed to create repayment allocation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit repayment: %w", err)
	}
	loan.Version++
	return nil
}

// GetReceivedRepayments retrieves all repayments received for a loan, oldest first, with their allocations.
func (s *SQLiteStore) GetReceivedRepayments(ctx context.Context, loanID uuid.UUID) ([]*models.ReceivedRepayment, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, loan_id, amount, unallocated_amount, currency_code, received_at, created_at
		FROM received_repayments WHERE loan_id = ? ORDER BY received_at ASC, created_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get received repayments for loan %s: %w", loanID, err)
	}

	var repayments []*models.ReceivedRepayment
	byID := make(map[uuid.UUID]*models.ReceivedRepayment)
	for rows.Next() {
		var rr models.ReceivedRepayment
		if err := rows.Scan(&rr.ID, &rr.LoanID, &rr.Amount.Amount, &rr.Unallocated.Amount, &rr.Amount.Currency,
			&rr.ReceivedAt, &rr.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan received repayment row: %w", err)
		}
		rr.Unallocated.Currency = rr.Amount.Currency
		repayments = append(repayments, &rr)
		byID[rr.ID] = &rr
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error during rows iteration for received repayments: %w", err)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx,
		`SELECT a.id, a.received_repayment_id, a.scheduled_repayment_id, a.amount, a.currency_code
		FROM repayment_allocations a
		JOIN received_repayments r ON r.id = a.received_repayment_id
		JOIN scheduled_repayments sr ON sr.id = a.scheduled_repayment_id
		WHERE r.loan_id = ? ORDER BY sr.sequence ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get repayment allocations for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.RepaymentAllocation
		if err := rows.Scan(&a.ID, &a.ReceivedRepaymentID, &a.ScheduledRepaymentID, &a.Amount.Amount, &a.Amount.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan repayment allocation row: %w", err)
		}
		if rr, ok := byID[a.ReceivedRepaymentID]; ok {
			rr.Allocations = append(rr.Allocations, &a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for repayment allocations: %w", err)
	}
	return repayments, tx.Commit()
}

const debitCardColumns = `id, user_id, number, type, expiration_date, disabled_at, created_at, updated_at`

func scanDebitCard(row scanner) (*models.DebitCard, error) {
	var card models.DebitCard
	var disabledAt sql.NullTime
	if err := row.Scan(&card.ID, &card.UserID, &card.Number, &card.Type, &card.ExpirationDate,
		&disabledAt, &card.CreatedAt, &card.UpdatedAt); err != nil {
		return nil, err
	}
	if disabledAt.Valid {
		card.DisabledAt = &disabledAt.Time
	}
	card.IsActive = card.DisabledAt == nil
	return &card, nil
}

// CreateDebitCard inserts a new debit card into the database.
func (s *SQLiteStore) CreateDebitCard(ctx context.Context, card *models.DebitCard) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO debit_cards (`+debitCardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID.String(), card.UserID, card.Number, card.Type, card.ExpirationDate, card.DisabledAt,
		card.CreatedAt, card.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create debit card: %w", err)
	}
	return nil
}

// GetDebitCard retrieves a debit card by its ID.
func (s *SQLiteStore) GetDebitCard(ctx context.Context, id uuid.UUID) (*models.DebitCard, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+debitCardColumns+` FROM debit_cards WHERE id = ?`, id.String())
	card, err := scanDebitCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get debit card: %w", err)
	}
	return card, nil
}

// GetDebitCardsForUser retrieves all debit cards owned by a user.
func (s *SQLiteStore) GetDebitCardsForUser(ctx context.Context, userID string) ([]*models.DebitCard, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+debitCardColumns+` FROM debit_cards WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get debit cards for user %s: %w", userID, err)
	}
	defer rows.Close()

	var cards []*models.DebitCard
	for rows.Next() {
		card, err := scanDebitCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan debit card row: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return cards, nil
}

// UpdateDebitCard updates the mutable fields of a debit card.
func (s *SQLiteStore) UpdateDebitCard(ctx context.Context, card *models.DebitCard) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE debit_cards SET type = ?, expiration_date = ?, disabled_at = ?, updated_at = ? WHERE id = ?`,
		card.Type, card.ExpirationDate, card.DisabledAt, card.UpdatedAt, card.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update debit card: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDebitCard removes a debit card. Cards with transactions are protected by the foreign key.
func (s *SQLiteStore) DeleteDebitCard(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM debit_cards WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete debit card: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateDebitCardTransaction inserts a new debit card transaction into the database.
func (s *SQLiteStore) CreateDebitCardTransaction(ctx context.Context, transaction *models.DebitCardTransaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO debit_card_transactions (id, debit_card_id, amount, currency_code, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		transaction.ID.String(), transaction.DebitCardID.String(), transaction.Amount.Amount,
		transaction.Amount.Currency, transaction.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create debit card transaction: %w", err)
	}
	return nil
}

func scanDebitCardTransaction(row scanner) (*models.DebitCardTransaction, error) {
	var t models.DebitCardTransaction
	if err := row.Scan(&t.ID, &t.DebitCardID, &t.Amount.Amount, &t.Amount.Currency, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetDebitCardTransaction retrieves a debit card transaction by its ID.
func (s *SQLiteStore) GetDebitCardTransaction(ctx context.Context, id uuid.UUID) (*models.DebitCardTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, debit_card_id, amount, currency_code, created_at FROM debit_card_transactions WHERE id = ?`, id.String())
	t, err := scanDebitCardTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get debit card transaction: %w", err)
	}
	return t, nil
}

// GetTransactionsForDebitCard retrieves all transactions for a given debit card ID.
func (s *SQLiteStore) GetTransactionsForDebitCard(ctx context.Context, cardID uuid.UUID) ([]*models.DebitCardTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, debit_card_id, amount, currency_code, created_at FROM debit_card_transactions
		WHERE debit_card_id = ? ORDER BY created_at ASC`, cardID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for debit card %s: %w", cardID, err)
	}
	defer rows.Close()

	var transactions []*models.DebitCardTransaction
	for rows.Next() {
		t, err := scanDebitCardTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan debit card transaction row: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for debit card transactions: %w", err)
	}
	return transactions, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
