package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository"
)

type memStore struct {
	mu           sync.Mutex
	containers   map[string]domain.Container
	profiles     map[string]domain.Profile
	companies    map[string]domain.Company
	transactions []domain.Transaction
	updates      int
	incrementErr error
}

func newMemStore() *memStore {
	return &memStore{
		containers: map[string]domain.Container{},
		profiles:   map[string]domain.Profile{},
		companies:  map[string]domain.Company{},
	}
}

func (m *memStore) stores() Stores {
	return Stores{Containers: m, Profiles: m, Companies: m, Transactions: m, Rewards: m}
}

func (m *memStore) CreateContainer(ctx context.Context, c *domain.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[c.ID] = *c
	return nil
}

func (m *memStore) GetContainerByID(ctx context.Context, id string) (*domain.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (m *memStore) ListContainersByCompany(ctx context.Context, companyID string) ([]domain.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Container
	for _, c := range m.containers {
		if c.OwnerCompanyID == companyID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) ListContainersByHolder(ctx context.Context, clientID string) ([]domain.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Container
	for _, c := range m.containers {
		if c.HeldBy(clientID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) UpdateContainer(ctx context.Context, u domain.ContainerUpdate) (*domain.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[u.ID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c.Status = u.Status
	c.OwnerCompanyID = u.OwnerCompanyID
	c.HolderClientID = u.HolderClientID
	m.containers[u.ID] = c
	m.updates++
	return &c, nil
}

func (m *memStore) CreateProfile(ctx context.Context, p *domain.Profile) error {
	m.profiles[p.ID] = *p
	return nil
}

func (m *memStore) GetProfileByID(ctx context.Context, id string) (*domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) LinkCompany(ctx context.Context, profileID, companyID string) error { return nil }

func (m *memStore) CreateCompany(ctx context.Context, c *domain.Company) error {
	m.companies[c.ID] = *c
	return nil
}

func (m *memStore) GetCompanyByID(ctx context.Context, id string) (*domain.Company, error) {
	c, ok := m.companies[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (m *memStore) GetCompanyByUserID(ctx context.Context, userID string) (*domain.Company, error) {
	return nil, repository.ErrNotFound
}

func (m *memStore) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, *tx)
	return nil
}

func (m *memStore) ListTransactionsByClient(ctx context.Context, clientID string) ([]domain.Transaction, error) {
	return nil, nil
}

func (m *memStore) ListTransactionsByCompany(ctx context.Context, companyID string) ([]domain.Transaction, error) {
	return nil, nil
}

func (m *memStore) IncrementNutCoins(ctx context.Context, userID string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrementErr != nil {
		return m.incrementErr
	}
	p, ok := m.profiles[userID]
	if !ok {
		return repository.ErrNotFound
	}
	p.NutCoins += amount
	m.profiles[userID] = p
	return nil
}

func (m *memStore) transactionsFor(containerID string) []domain.Transaction {
	var out []domain.Transaction
	for _, tx := range m.transactions {
		if tx.ContainerID == containerID {
			out = append(out, tx)
		}
	}
	return out
}

type recordingPublisher struct {
	events []domain.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.ChangeEvent) error {
	p.events = append(p.events, event)
	return p.err
}

func ptr(s string) *string { return &s }

// fixture: company eco (5 points), company bio (3 points), clients A and B,
// operator op.
func newFixture() *memStore {
	m := newMemStore()
	m.companies["eco"] = domain.Company{ID: "eco", Name: "EcoFood", PointsPerDeconsigne: 5}
	m.companies["bio"] = domain.Company{ID: "bio", Name: "BioMarket", PointsPerDeconsigne: 3}
	m.profiles["A"] = domain.Profile{ID: "A", Name: "Alice", Role: domain.RoleClient}
	m.profiles["B"] = domain.Profile{ID: "B", Name: "Bob", Role: domain.RoleClient}
	m.profiles["op"] = domain.Profile{ID: "op", Name: "Eco", Role: domain.RoleEntreprise, CompanyID: ptr("eco")}
	return m
}

func newTestService(m *memStore, pub Publisher) Service {
	return New(m.stores(), pub, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConsigneAvailableContainer(t *testing.T) {
	m := newFixture()
	m.containers["C2"] = domain.Container{ID: "C2", Status: domain.ContainerAvailable, OwnerCompanyID: "eco"}
	svc := newTestService(m, nil)

	res, err := svc.Consigne(context.Background(), Request{CompanyID: "eco", ClientID: "B", ContainerID: "C2"})
	require.NoError(t, err)

	assert.Equal(t, domain.ContainerInUse, res.Container.Status)
	require.NotNil(t, res.Container.HolderClientID)
	assert.Equal(t, "B", *res.Container.HolderClientID)
	assert.True(t, m.containers["C2"].HeldBy("B"))

	txs := m.transactionsFor("C2")
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TransactionConsigne, txs[0].Type)
	assert.Equal(t, 0, txs[0].NutCoinsDelta)
	assert.Equal(t, "eco", txs[0].CompanyID)
	assert.Equal(t, txs[0].ID, res.Transaction.ID)
	assert.Equal(t, 0, m.profiles["B"].NutCoins)
}

func TestConsigneRejectsUnavailableContainer(t *testing.T) {
	for _, status := range []string{domain.ContainerInUse, domain.ContainerLost} {
		m := newFixture()
		c := domain.Container{ID: "C1", Status: status, OwnerCompanyID: "eco"}
		if status == domain.ContainerInUse {
			c.HolderClientID = ptr("A")
		}
		m.containers["C1"] = c
		svc := newTestService(m, nil)

		_, err := svc.Consigne(context.Background(), Request{CompanyID: "eco", ClientID: "B", ContainerID: "C1"})
		require.ErrorIs(t, err, ErrInvalidState, status)
		assert.Contains(t, err.Error(), status)
		assert.Zero(t, m.updates)
		assert.Empty(t, m.transactions)
		assert.Equal(t, c, m.containers["C1"])
	}
}

func TestConsigneCheckOrder(t *testing.T) {
	m := newFixture()
	m.containers["X"] = domain.Container{ID: "X", Status: domain.ContainerAvailable, OwnerCompanyID: "bio"}
	m.containers["Y"] = domain.Container{ID: "Y", Status: domain.ContainerAvailable, OwnerCompanyID: "eco"}
	svc := newTestService(m, nil)
	ctx := context.Background()

	_, err := svc.Consigne(ctx, Request{CompanyID: "eco", ClientID: "A", ContainerID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	// ownership is checked before the client is looked up
	_, err = svc.Consigne(ctx, Request{CompanyID: "eco", ClientID: "ghost", ContainerID: "X"})
	assert.ErrorIs(t, err, ErrOwnershipMismatch)

	_, err = svc.Consigne(ctx, Request{CompanyID: "eco", ClientID: "ghost", ContainerID: "Y"})
	assert.ErrorIs(t, err, ErrClientNotFound)

	_, err = svc.Consigne(ctx, Request{CompanyID: "eco", ClientID: "op", ContainerID: "Y"})
	assert.ErrorIs(t, err, ErrNotAClient)

	assert.Zero(t, m.updates)
	assert.Empty(t, m.transactions)
}

func TestDeconsigneAwardsCompanyPolicy(t *testing.T) {
	m := newFixture()
	m.containers["C1"] = domain.Container{ID: "C1", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("A")}
	svc := newTestService(m, nil)

	res, err := svc.Deconsigne(context.Background(), Request{CompanyID: "eco", ClientID: "A", ContainerID: "C1"})
	require.NoError(t, err)

	assert.Equal(t, 5, res.NutCoinsEarned)
	assert.Equal(t, domain.ContainerAvailable, res.Container.Status)
	assert.Nil(t, res.Container.HolderClientID)
	assert.Nil(t, m.containers["C1"].HolderClientID)
	assert.Equal(t, 5, m.profiles["A"].NutCoins)

	txs := m.transactionsFor("C1")
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TransactionDeconsigne, txs[0].Type)
	assert.Equal(t, 5, txs[0].NutCoinsDelta)
}

func TestDeconsigneRehomesContainerAtAcceptingCompany(t *testing.T) {
	m := newFixture()
	m.containers["C1"] = domain.Container{ID: "C1", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("A")}
	pub := &recordingPublisher{}
	svc := newTestService(m, pub)

	res, err := svc.Deconsigne(context.Background(), Request{CompanyID: "bio", ClientID: "A", ContainerID: "C1"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.NutCoinsEarned)
	assert.Equal(t, "bio", m.containers["C1"].OwnerCompanyID)

	var companies []string
	for _, e := range pub.events {
		companies = append(companies, e.CompanyID)
	}
	assert.Contains(t, companies, "eco")
	assert.Contains(t, companies, "bio")
}

func TestDeconsigneValidation(t *testing.T) {
	m := newFixture()
	m.containers["avail"] = domain.Container{ID: "avail", Status: domain.ContainerAvailable, OwnerCompanyID: "eco"}
	m.containers["held"] = domain.Container{ID: "held", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("A")}
	svc := newTestService(m, nil)
	ctx := context.Background()

	_, err := svc.Deconsigne(ctx, Request{CompanyID: "eco", ClientID: "A", ContainerID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Deconsigne(ctx, Request{CompanyID: "eco", ClientID: "A", ContainerID: "avail"})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.Deconsigne(ctx, Request{CompanyID: "eco", ClientID: "B", ContainerID: "held"})
	assert.ErrorIs(t, err, ErrHolderMismatch)

	_, err = svc.Deconsigne(ctx, Request{CompanyID: "ghost", ClientID: "A", ContainerID: "held"})
	assert.ErrorIs(t, err, ErrCompanyNotFound)

	assert.Zero(t, m.updates)
	assert.Empty(t, m.transactions)
	assert.Zero(t, m.profiles["A"].NutCoins)
}

func TestDeconsigneIncrementFailureLeavesContainerReturned(t *testing.T) {
	m := newFixture()
	m.containers["C1"] = domain.Container{ID: "C1", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("A")}
	m.incrementErr = errors.New("rpc unavailable")
	svc := newTestService(m, nil)

	_, err := svc.Deconsigne(context.Background(), Request{CompanyID: "eco", ClientID: "A", ContainerID: "C1"})
	require.Error(t, err)
	assert.Equal(t, "error", Kind(err))

	assert.Equal(t, domain.ContainerAvailable, m.containers["C1"].Status)
	assert.Empty(t, m.transactions)
	assert.Zero(t, m.profiles["A"].NutCoins)
}

func TestBatchDeconsigneHaltsOnFirstFailure(t *testing.T) {
	m := newFixture()
	m.containers["C3"] = domain.Container{ID: "C3", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("A")}
	m.containers["C4"] = domain.Container{ID: "C4", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("A")}
	svc := newTestService(m, nil)
	ctx := context.Background()

	total := 0
	for _, id := range []string{"C3", "C4"} {
		res, err := svc.Deconsigne(ctx, Request{CompanyID: "eco", ClientID: "A", ContainerID: id})
		require.NoError(t, err)
		total += res.NutCoinsEarned
	}
	assert.Equal(t, 10, total)
	assert.Equal(t, 10, m.profiles["A"].NutCoins)

	m = newFixture()
	m.containers["C3"] = domain.Container{ID: "C3", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("A")}
	m.containers["C4"] = domain.Container{ID: "C4", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("B")}
	svc = newTestService(m, nil)

	var failed error
	for _, id := range []string{"C3", "C4"} {
		if _, err := svc.Deconsigne(ctx, Request{CompanyID: "eco", ClientID: "A", ContainerID: id}); err != nil {
			failed = err
			break
		}
	}
	assert.ErrorIs(t, failed, ErrHolderMismatch)
	assert.Len(t, m.transactionsFor("C3"), 1)
	assert.Empty(t, m.transactionsFor("C4"))
}

func TestHeldByFiltersCompanyAndStatus(t *testing.T) {
	m := newFixture()
	m.containers["C1"] = domain.Container{ID: "C1", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("A")}
	m.containers["C2"] = domain.Container{ID: "C2", Status: domain.ContainerInUse, OwnerCompanyID: "bio", HolderClientID: ptr("A")}
	m.containers["C3"] = domain.Container{ID: "C3", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("B")}
	svc := newTestService(m, nil)

	held, err := svc.HeldBy(context.Background(), "eco", "A")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "C1", held[0].ID)

	_, err = svc.HeldBy(context.Background(), "eco", "op")
	assert.ErrorIs(t, err, ErrNotAClient)
}

func TestPublishFailuresAreIgnored(t *testing.T) {
	m := newFixture()
	m.containers["C2"] = domain.Container{ID: "C2", Status: domain.ContainerAvailable, OwnerCompanyID: "eco"}
	pub := &recordingPublisher{err: errors.New("redis down")}
	svc := newTestService(m, pub)

	_, err := svc.Consigne(context.Background(), Request{CompanyID: "eco", ClientID: "A", ContainerID: "C2"})
	require.NoError(t, err)
	require.Len(t, pub.events, 2)
	assert.Equal(t, domain.TableContainers, pub.events[0].Table)
	assert.Equal(t, domain.ChangeUpdate, pub.events[0].Type)
	assert.Equal(t, domain.TableTransactions, pub.events[1].Table)
	assert.Equal(t, domain.ChangeInsert, pub.events[1].Type)
	assert.Equal(t, "A", pub.events[1].ClientID)
}

func TestMetricsCountOutcomes(t *testing.T) {
	m := newFixture()
	m.containers["C1"] = domain.Container{ID: "C1", Status: domain.ContainerInUse, OwnerCompanyID: "eco", HolderClientID: ptr("A")}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := New(m.stores(), nil, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	_, err := svc.Deconsigne(ctx, Request{CompanyID: "eco", ClientID: "A", ContainerID: "C1"})
	require.NoError(t, err)
	_, err = svc.Deconsigne(ctx, Request{CompanyID: "eco", ClientID: "A", ContainerID: "C1"})
	require.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("deconsigne", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("deconsigne", "invalid_state")))
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.points))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "holder_mismatch", Kind(wrap(ErrHolderMismatch, "x")))
	assert.Equal(t, "company_not_found", Kind(wrap(ErrCompanyNotFound, "y")))
	assert.Equal(t, "error", Kind(errors.New("boom")))
	assert.True(t, IsDomainError(wrap(ErrNotAClient, "z")))
	assert.False(t, IsDomainError(errors.New("boom")))
}
