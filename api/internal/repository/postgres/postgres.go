package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository        = (*Repository)(nil)
	_ repository.ProfileRepository     = (*Repository)(nil)
	_ repository.CompanyRepository     = (*Repository)(nil)
	_ repository.ContainerRepository   = (*Repository)(nil)
	_ repository.TransactionRepository = (*Repository)(nil)
	_ repository.RewardRepository      = (*Repository)(nil)
)

const (
	containerColumns   = `id, container_type, status, current_owner_company_id, current_holder_client_id, created_at, updated_at`
	transactionColumns = `id, type, container_id, client_id, company_id, nut_coins_delta, timestamp`
	companyColumns     = `id, name, user_id, points_per_deconsigne, created_at`
	profileColumns     = `id, name, role, nut_coins, company_id, created_at`
)

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.PasswordHash, user.CreatedAt)
	return mapError(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email)))
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// CreateProfile inserts a profile.
func (r *Repository) CreateProfile(ctx context.Context, profile *domain.Profile) error {
	const query = `INSERT INTO profiles (` + profileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, profile.ID, profile.Name, profile.Role, profile.NutCoins, profile.CompanyID, profile.CreatedAt)
	return mapError(err)
}

// GetProfileByID retrieves a profile by user identifier.
func (r *Repository) GetProfileByID(ctx context.Context, id string) (*domain.Profile, error) {
	const query = `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	var p domain.Profile
	if err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Role, &p.NutCoins, &p.CompanyID, &p.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

// LinkCompany attaches an operator profile to its company.
func (r *Repository) LinkCompany(ctx context.Context, profileID, companyID string) error {
	const query = `UPDATE profiles SET company_id = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, profileID, companyID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateCompany inserts a company.
func (r *Repository) CreateCompany(ctx context.Context, company *domain.Company) error {
	const query = `INSERT INTO companies (` + companyColumns + `)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, company.ID, company.Name, company.UserID, company.PointsPerDeconsigne, company.CreatedAt)
	return mapError(err)
}

// GetCompanyByID fetches a company.
func (r *Repository) GetCompanyByID(ctx context.Context, id string) (*domain.Company, error) {
	const query = `SELECT ` + companyColumns + ` FROM companies WHERE id = $1`
	return scanCompany(r.pool.QueryRow(ctx, query, id))
}

// GetCompanyByUserID fetches the company operated by a user.
func (r *Repository) GetCompanyByUserID(ctx context.Context, userID string) (*domain.Company, error) {
	const query = `SELECT ` + companyColumns + ` FROM companies WHERE user_id = $1 ORDER BY created_at LIMIT 1`
	return scanCompany(r.pool.QueryRow(ctx, query, userID))
}

func scanCompany(row pgx.Row) (*domain.Company, error) {
	var c domain.Company
	if err := row.Scan(&c.ID, &c.Name, &c.UserID, &c.PointsPerDeconsigne, &c.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

// CreateContainer provisions a container.
func (r *Repository) CreateContainer(ctx context.Context, container *domain.Container) error {
	const query = `INSERT INTO containers (` + containerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	if strings.TrimSpace(container.ID) == "" {
		return repository.ErrInvalidArgument
	}
	now := time.Now().UTC()
	if container.CreatedAt.IsZero() {
		container.CreatedAt = now
	}
	if container.UpdatedAt.IsZero() {
		container.UpdatedAt = now
	}
	if container.Status == "" {
		container.Status = domain.ContainerAvailable
	}
	tag, err := r.pool.Exec(ctx, query, container.ID, container.Type, container.Status, container.OwnerCompanyID,
		container.HolderClientID, container.CreatedAt, container.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// GetContainerByID fetches a container.
func (r *Repository) GetContainerByID(ctx context.Context, id string) (*domain.Container, error) {
	const query = `SELECT ` + containerColumns + ` FROM containers WHERE id = $1`
	var c domain.Container
	if err := scanContainer(r.pool.QueryRow(ctx, query, id), &c); err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

// ListContainersByCompany returns containers currently owned by a company.
func (r *Repository) ListContainersByCompany(ctx context.Context, companyID string) ([]domain.Container, error) {
	const query = `SELECT ` + containerColumns + ` FROM containers
		WHERE current_owner_company_id = $1 ORDER BY id`
	return r.listContainers(ctx, query, companyID)
}

// ListContainersByHolder returns containers currently held by a client.
func (r *Repository) ListContainersByHolder(ctx context.Context, clientID string) ([]domain.Container, error) {
	const query = `SELECT ` + containerColumns + ` FROM containers
		WHERE current_holder_client_id = $1 ORDER BY updated_at DESC`
	return r.listContainers(ctx, query, clientID)
}

func (r *Repository) listContainers(ctx context.Context, query string, arg string) ([]domain.Container, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	containers := make([]domain.Container, 0)
	for rows.Next() {
		var c domain.Container
		if err := scanContainer(rows, &c); err != nil {
			return nil, err
		}
		containers = append(containers, c)
	}
	return containers, rows.Err()
}

// UpdateContainer writes a lifecycle transition and stamps updated_at.
func (r *Repository) UpdateContainer(ctx context.Context, update domain.ContainerUpdate) (*domain.Container, error) {
	const query = `UPDATE containers
		SET status = $2, current_owner_company_id = $3, current_holder_client_id = $4, updated_at = $5
		WHERE id = $1
		RETURNING ` + containerColumns
	var c domain.Container
	row := r.pool.QueryRow(ctx, query, update.ID, update.Status, update.OwnerCompanyID, update.HolderClientID, time.Now().UTC())
	if err := scanContainer(row, &c); err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func scanContainer(row pgx.Row, c *domain.Container) error {
	return row.Scan(&c.ID, &c.Type, &c.Status, &c.OwnerCompanyID, &c.HolderClientID, &c.CreatedAt, &c.UpdatedAt)
}

// CreateTransaction appends a ledger entry.
func (r *Repository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	const query = `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, tx.ID, tx.Type, tx.ContainerID, tx.ClientID, tx.CompanyID, tx.NutCoinsDelta, tx.Timestamp)
	return mapError(err)
}

// ListTransactionsByClient returns a client's ledger, newest first.
func (r *Repository) ListTransactionsByClient(ctx context.Context, clientID string) ([]domain.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions
		WHERE client_id = $1 ORDER BY timestamp DESC`
	return r.listTransactions(ctx, query, clientID)
}

// ListTransactionsByCompany returns a company's ledger, newest first.
func (r *Repository) ListTransactionsByCompany(ctx context.Context, companyID string) ([]domain.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions
		WHERE company_id = $1 ORDER BY timestamp DESC`
	return r.listTransactions(ctx, query, companyID)
}

func (r *Repository) listTransactions(ctx context.Context, query, arg string) ([]domain.Transaction, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0)
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.Type, &t.ContainerID, &t.ClientID, &t.CompanyID, &t.NutCoinsDelta, &t.Timestamp); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// IncrementNutCoins calls the increment_nut_coins procedure.
func (r *Repository) IncrementNutCoins(ctx context.Context, userID string, amount int) error {
	const query = `SELECT increment_nut_coins($1, $2)`
	_, err := r.pool.Exec(ctx, query, userID, amount)
	return mapError(err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503", "23514", "22P02":
			return repository.ErrInvalidArgument
		case "P0002":
			return repository.ErrNotFound
		}
	}
	return err
}
