// Package lifecycle implements the container state machine: consigne moves an
// available container to a client, deconsigne returns it and credits the
// client with the accepting company's reward.
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository"
)

// Publisher receives change notifications for realtime subscribers.
type Publisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
}

// Stores groups the persistence collaborators used by the engine.
type Stores struct {
	Containers   repository.ContainerRepository
	Profiles     repository.ProfileRepository
	Companies    repository.CompanyRepository
	Transactions repository.TransactionRepository
	Rewards      repository.RewardRepository
}

// Request identifies the acting company, the client and the scanned container.
type Request struct {
	CompanyID   string `json:"company_id"`
	ClientID    string `json:"client_id"`
	ContainerID string `json:"container_id"`
}

// ConsigneResult is returned by a successful consigne.
type ConsigneResult struct {
	Container   *domain.Container   `json:"container"`
	Transaction *domain.Transaction `json:"transaction"`
}

// DeconsigneResult is returned by a successful deconsigne.
type DeconsigneResult struct {
	Container      *domain.Container   `json:"container"`
	Transaction    *domain.Transaction `json:"transaction"`
	NutCoinsEarned int                 `json:"nut_coins_earned"`
}

// Service runs lifecycle operations. It takes no locks: each operation
// re-reads the container right before writing and relies on the database for
// row-level consistency.
type Service struct {
	stores    Stores
	publisher Publisher
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a Service. publisher and metrics may be nil.
func New(stores Stores, publisher Publisher, metrics *Metrics, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		stores:    stores,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Consigne hands an available container owned by the company to a client.
func (s Service) Consigne(ctx context.Context, req Request) (*ConsigneResult, error) {
	res, err := s.consigne(ctx, normalize(req))
	s.metrics.observe(domain.TransactionConsigne, err, 0)
	return res, err
}

func (s Service) consigne(ctx context.Context, req Request) (*ConsigneResult, error) {
	container, err := s.Container(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}
	if container.Status != domain.ContainerAvailable {
		return nil, wrap(ErrInvalidState, "container %s is not available (status: %s)", container.ID, container.Status)
	}
	if container.OwnerCompanyID != req.CompanyID {
		return nil, wrap(ErrOwnershipMismatch, "container %s is not owned by company %s", container.ID, req.CompanyID)
	}
	if _, err := s.Client(ctx, req.ClientID); err != nil {
		return nil, err
	}

	holder := req.ClientID
	updated, err := s.stores.Containers.UpdateContainer(ctx, domain.ContainerUpdate{
		ID:             container.ID,
		Status:         domain.ContainerInUse,
		OwnerCompanyID: container.OwnerCompanyID,
		HolderClientID: &holder,
	})
	if err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		ID:            uuid.NewString(),
		Type:          domain.TransactionConsigne,
		ContainerID:   container.ID,
		ClientID:      req.ClientID,
		CompanyID:     req.CompanyID,
		NutCoinsDelta: 0,
		Timestamp:     s.now(),
	}
	if err := s.stores.Transactions.CreateTransaction(ctx, tx); err != nil {
		s.logger.Error("consigne transaction not recorded", "container_id", container.ID, "client_id", req.ClientID, "error", err)
		return nil, err
	}

	s.logger.Info("consigne recorded", "container_id", container.ID, "client_id", req.ClientID, "company_id", req.CompanyID)
	s.publish(ctx, container.OwnerCompanyID, req, tx)
	return &ConsigneResult{Container: updated, Transaction: tx}, nil
}

// Deconsigne takes back a container held by the client, re-homes it at the
// accepting company and credits the company's reward.
//
// The container update, the point increment and the ledger append are three
// separate writes. If the increment fails after the update committed the
// container is available again without the client being credited; the error
// is logged and returned, nothing is rolled back.
func (s Service) Deconsigne(ctx context.Context, req Request) (*DeconsigneResult, error) {
	res, err := s.deconsigne(ctx, normalize(req))
	points := 0
	if res != nil {
		points = res.NutCoinsEarned
	}
	s.metrics.observe(domain.TransactionDeconsigne, err, points)
	return res, err
}

func (s Service) deconsigne(ctx context.Context, req Request) (*DeconsigneResult, error) {
	container, err := s.Container(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}
	if container.Status != domain.ContainerInUse {
		return nil, wrap(ErrInvalidState, "container %s is not in use (status: %s)", container.ID, container.Status)
	}
	if !container.HeldBy(req.ClientID) {
		return nil, wrap(ErrHolderMismatch, "container %s is not held by client %s", container.ID, req.ClientID)
	}
	company, err := s.company(ctx, req.CompanyID)
	if err != nil {
		return nil, err
	}
	points := company.PointsPerDeconsigne

	updated, err := s.stores.Containers.UpdateContainer(ctx, domain.ContainerUpdate{
		ID:             container.ID,
		Status:         domain.ContainerAvailable,
		OwnerCompanyID: company.ID,
		HolderClientID: nil,
	})
	if err != nil {
		return nil, err
	}

	if err := s.stores.Rewards.IncrementNutCoins(ctx, req.ClientID, points); err != nil {
		s.logger.Error("nut coins not credited after container return",
			"container_id", container.ID, "client_id", req.ClientID, "points", points, "error", err)
		return nil, err
	}

	tx := &domain.Transaction{
		ID:            uuid.NewString(),
		Type:          domain.TransactionDeconsigne,
		ContainerID:   container.ID,
		ClientID:      req.ClientID,
		CompanyID:     company.ID,
		NutCoinsDelta: points,
		Timestamp:     s.now(),
	}
	if err := s.stores.Transactions.CreateTransaction(ctx, tx); err != nil {
		s.logger.Error("deconsigne transaction not recorded", "container_id", container.ID, "client_id", req.ClientID, "error", err)
		return nil, err
	}

	s.logger.Info("deconsigne recorded", "container_id", container.ID, "client_id", req.ClientID,
		"company_id", company.ID, "points", points)
	s.publish(ctx, container.OwnerCompanyID, req, tx)
	return &DeconsigneResult{Container: updated, Transaction: tx, NutCoinsEarned: points}, nil
}

// Container fetches a container, mapping a missing row to ErrNotFound.
func (s Service) Container(ctx context.Context, id string) (*domain.Container, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, wrap(ErrNotFound, "container id is empty")
	}
	container, err := s.stores.Containers.GetContainerByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, wrap(ErrNotFound, "container %s", id)
		}
		return nil, err
	}
	return container, nil
}

// Client fetches a profile that must have the client role.
func (s Service) Client(ctx context.Context, id string) (*domain.Profile, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, wrap(ErrClientNotFound, "client id is empty")
	}
	profile, err := s.stores.Profiles.GetProfileByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidArgument) {
			return nil, wrap(ErrClientNotFound, "client %s", id)
		}
		return nil, err
	}
	if !profile.IsClient() {
		return nil, wrap(ErrNotAClient, "profile %s has role %s", id, profile.Role)
	}
	return profile, nil
}

// HeldBy lists the containers of companyID currently held by clientID.
func (s Service) HeldBy(ctx context.Context, companyID, clientID string) ([]domain.Container, error) {
	if _, err := s.Client(ctx, clientID); err != nil {
		return nil, err
	}
	held, err := s.stores.Containers.ListContainersByHolder(ctx, strings.TrimSpace(clientID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Container, 0, len(held))
	for _, c := range held {
		if c.OwnerCompanyID == companyID && c.Status == domain.ContainerInUse {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s Service) company(ctx context.Context, id string) (*domain.Company, error) {
	if id == "" {
		return nil, wrap(ErrCompanyNotFound, "company id is empty")
	}
	company, err := s.stores.Companies.GetCompanyByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidArgument) {
			return nil, wrap(ErrCompanyNotFound, "company %s", id)
		}
		return nil, err
	}
	return company, nil
}

// publish notifies the acting company, the client and, when the container
// changed hands, its previous owner. Failures are logged only.
func (s Service) publish(ctx context.Context, previousOwner string, req Request, tx *domain.Transaction) {
	if s.publisher == nil {
		return
	}
	events := []domain.ChangeEvent{
		{Table: domain.TableContainers, Type: domain.ChangeUpdate, RecordID: tx.ContainerID, CompanyID: tx.CompanyID, ClientID: req.ClientID, At: tx.Timestamp},
		{Table: domain.TableTransactions, Type: domain.ChangeInsert, RecordID: tx.ID, CompanyID: tx.CompanyID, ClientID: req.ClientID, At: tx.Timestamp},
	}
	if previousOwner != "" && previousOwner != tx.CompanyID {
		events = append(events, domain.ChangeEvent{Table: domain.TableContainers, Type: domain.ChangeUpdate, RecordID: tx.ContainerID, CompanyID: previousOwner, At: tx.Timestamp})
	}
	for _, event := range events {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("change event not published", "table", event.Table, "record_id", event.RecordID, "error", err)
		}
	}
}

func normalize(req Request) Request {
	return Request{
		CompanyID:   strings.TrimSpace(req.CompanyID),
		ClientID:    strings.TrimSpace(req.ClientID),
		ContainerID: strings.TrimSpace(req.ContainerID),
	}
}
