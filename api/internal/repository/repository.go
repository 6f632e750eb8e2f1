package repository

import (
	"context"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
)

// UserRepository persists credentials.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProfileRepository persists client and operator profiles.
type ProfileRepository interface {
	CreateProfile(ctx context.Context, profile *domain.Profile) error
	GetProfileByID(ctx context.Context, id string) (*domain.Profile, error)
	LinkCompany(ctx context.Context, profileID, companyID string) error
}

// CompanyRepository persists partner companies.
type CompanyRepository interface {
	CreateCompany(ctx context.Context, company *domain.Company) error
	GetCompanyByID(ctx context.Context, id string) (*domain.Company, error)
	GetCompanyByUserID(ctx context.Context, userID string) (*domain.Company, error)
}

// ContainerRepository stores containers and their lifecycle state.
type ContainerRepository interface {
	CreateContainer(ctx context.Context, container *domain.Container) error
	GetContainerByID(ctx context.Context, id string) (*domain.Container, error)
	ListContainersByCompany(ctx context.Context, companyID string) ([]domain.Container, error)
	ListContainersByHolder(ctx context.Context, clientID string) ([]domain.Container, error)
	UpdateContainer(ctx context.Context, update domain.ContainerUpdate) (*domain.Container, error)
}

// TransactionRepository is the append-only operation ledger.
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	ListTransactionsByClient(ctx context.Context, clientID string) ([]domain.Transaction, error)
	ListTransactionsByCompany(ctx context.Context, companyID string) ([]domain.Transaction, error)
}

// RewardRepository executes the server-side point increment procedure.
type RewardRepository interface {
	IncrementNutCoins(ctx context.Context, userID string, amount int) error
}
