// Package memory keeps every repository in process memory. It backs the API
// when DATABASE_URL is "memory://" and the handler tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository"
)

// Store implements the repository interfaces.
type Store struct {
	mu           sync.RWMutex
	users        map[string]domain.User
	profiles     map[string]domain.Profile
	companies    map[string]domain.Company
	containers   map[string]domain.Container
	transactions []domain.Transaction
}

var (
	_ repository.UserRepository        = (*Store)(nil)
	_ repository.ProfileRepository     = (*Store)(nil)
	_ repository.CompanyRepository     = (*Store)(nil)
	_ repository.ContainerRepository   = (*Store)(nil)
	_ repository.TransactionRepository = (*Store)(nil)
	_ repository.RewardRepository      = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:      make(map[string]domain.User),
		profiles:   make(map[string]domain.Profile),
		companies:  make(map[string]domain.Company),
		containers: make(map[string]domain.Container),
	}
}

func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(user.Email))
	for _, u := range s.users {
		if u.Email == email {
			return repository.ErrConflict
		}
	}
	if _, ok := s.users[user.ID]; ok {
		return repository.ErrConflict
	}
	u := *user
	u.Email = email
	s.users[u.ID] = u
	return nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (s *Store) CreateProfile(_ context.Context, profile *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[profile.ID]; !ok {
		return repository.ErrInvalidArgument
	}
	if _, ok := s.profiles[profile.ID]; ok {
		return repository.ErrConflict
	}
	s.profiles[profile.ID] = *profile
	return nil
}

func (s *Store) GetProfileByID(_ context.Context, id string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *Store) LinkCompany(_ context.Context, profileID, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[profileID]
	if !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.companies[companyID]; !ok {
		return repository.ErrInvalidArgument
	}
	id := companyID
	p.CompanyID = &id
	s.profiles[profileID] = p
	return nil
}

func (s *Store) CreateCompany(_ context.Context, company *domain.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[company.ID]; ok {
		return repository.ErrConflict
	}
	if company.PointsPerDeconsigne < 0 {
		return repository.ErrInvalidArgument
	}
	s.companies[company.ID] = *company
	return nil
}

func (s *Store) GetCompanyByID(_ context.Context, id string) (*domain.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetCompanyByUserID(_ context.Context, userID string) (*domain.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.Company
	for _, c := range s.companies {
		if c.UserID != userID {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			c := c
			found = &c
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (s *Store) CreateContainer(_ context.Context, container *domain.Container) error {
	if strings.TrimSpace(container.ID) == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[container.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := s.companies[container.OwnerCompanyID]; !ok {
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
	if !container.Consistent() {
		return repository.ErrInvalidArgument
	}
	s.containers[container.ID] = cloneContainer(*container)
	return nil
}

func (s *Store) GetContainerByID(_ context.Context, id string) (*domain.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c = cloneContainer(c)
	return &c, nil
}

func (s *Store) ListContainersByCompany(_ context.Context, companyID string) ([]domain.Container, error) {
	out := s.filterContainers(func(c domain.Container) bool { return c.OwnerCompanyID == companyID })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListContainersByHolder(_ context.Context, clientID string) ([]domain.Container, error) {
	out := s.filterContainers(func(c domain.Container) bool { return c.HeldBy(clientID) })
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) filterContainers(keep func(domain.Container) bool) []domain.Container {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Container, 0)
	for _, c := range s.containers {
		if keep(c) {
			out = append(out, cloneContainer(c))
		}
	}
	return out
}

func (s *Store) UpdateContainer(_ context.Context, update domain.ContainerUpdate) (*domain.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[update.ID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c.Status = update.Status
	c.OwnerCompanyID = update.OwnerCompanyID
	c.HolderClientID = nil
	if update.HolderClientID != nil {
		holder := *update.HolderClientID
		c.HolderClientID = &holder
	}
	if !c.Consistent() {
		return nil, repository.ErrInvalidArgument
	}
	c.UpdatedAt = time.Now().UTC()
	s.containers[c.ID] = c
	c = cloneContainer(c)
	return &c, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transactions {
		if existing.ID == tx.ID {
			return repository.ErrConflict
		}
	}
	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *Store) ListTransactionsByClient(_ context.Context, clientID string) ([]domain.Transaction, error) {
	return s.filterTransactions(func(tx domain.Transaction) bool { return tx.ClientID == clientID }), nil
}

func (s *Store) ListTransactionsByCompany(_ context.Context, companyID string) ([]domain.Transaction, error) {
	return s.filterTransactions(func(tx domain.Transaction) bool { return tx.CompanyID == companyID }), nil
}

// filterTransactions returns matches newest first.
func (s *Store) filterTransactions(keep func(domain.Transaction) bool) []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Transaction, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if keep(s.transactions[i]) {
			out = append(out, s.transactions[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (s *Store) IncrementNutCoins(_ context.Context, userID string, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return repository.ErrNotFound
	}
	if p.NutCoins+amount < 0 {
		return repository.ErrInvalidArgument
	}
	p.NutCoins += amount
	s.profiles[userID] = p
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func cloneContainer(c domain.Container) domain.Container {
	if c.HolderClientID != nil {
		holder := *c.HolderClientID
		c.HolderClientID = &holder
	}
	return c
}
