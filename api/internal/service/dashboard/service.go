// Package dashboard aggregates the containers and ledger shown to clients
// and companies.
package dashboard

import (
	"context"
	"sync"

	"log/slog"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository"
)

// ClientStats summarises a client's activity.
type ClientStats struct {
	NutCoins        int `json:"nut_coins"`
	ContainersInUse int `json:"containers_in_use"`
	DeconsigneCount int `json:"deconsigne_count"`
	TotalEarned     int `json:"total_earned"`
}

// ClientView is the client dashboard.
type ClientView struct {
	Profile      domain.Profile       `json:"profile"`
	Containers   []domain.Container   `json:"containers"`
	Transactions []domain.Transaction `json:"transactions"`
	Stats        ClientStats          `json:"stats"`
}

// CompanyStats counts a company's fleet by status.
type CompanyStats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	InUse     int `json:"in_use"`
}

// CompanyView is the operator dashboard.
type CompanyView struct {
	Company      domain.Company       `json:"company"`
	Containers   []domain.Container   `json:"containers"`
	Transactions []domain.Transaction `json:"transactions"`
	Stats        CompanyStats         `json:"stats"`
}

// Service builds dashboards.
type Service struct {
	containers   repository.ContainerRepository
	transactions repository.TransactionRepository
	logger       *slog.Logger
}

// New returns a dashboard service.
func New(containers repository.ContainerRepository, transactions repository.TransactionRepository, logger *slog.Logger) Service {
	return Service{containers: containers, transactions: transactions, logger: logger}
}

// Client loads the dashboard of a client profile.
func (s Service) Client(ctx context.Context, profile domain.Profile) (*ClientView, error) {
	var (
		containers   []domain.Container
		transactions []domain.Transaction
	)
	err := fetchBoth(ctx,
		func(ctx context.Context) (err error) {
			containers, err = s.containers.ListContainersByHolder(ctx, profile.ID)
			return err
		},
		func(ctx context.Context) (err error) {
			transactions, err = s.transactions.ListTransactionsByClient(ctx, profile.ID)
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	view := &ClientView{
		Profile:      profile,
		Containers:   containers,
		Transactions: transactions,
		Stats:        ClientStats{NutCoins: profile.NutCoins, ContainersInUse: len(containers)},
	}
	for _, tx := range transactions {
		if tx.Type == domain.TransactionDeconsigne {
			view.Stats.DeconsigneCount++
		}
		view.Stats.TotalEarned += tx.NutCoinsDelta
	}
	return view, nil
}

// Company loads the dashboard of a company.
func (s Service) Company(ctx context.Context, company domain.Company) (*CompanyView, error) {
	var (
		containers   []domain.Container
		transactions []domain.Transaction
	)
	err := fetchBoth(ctx,
		func(ctx context.Context) (err error) {
			containers, err = s.containers.ListContainersByCompany(ctx, company.ID)
			return err
		},
		func(ctx context.Context) (err error) {
			transactions, err = s.transactions.ListTransactionsByCompany(ctx, company.ID)
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	view := &CompanyView{
		Company:      company,
		Containers:   containers,
		Transactions: transactions,
		Stats:        CompanyStats{Total: len(containers)},
	}
	for _, c := range containers {
		switch c.Status {
		case domain.ContainerAvailable:
			view.Stats.Available++
		case domain.ContainerInUse:
			view.Stats.InUse++
		}
	}
	return view, nil
}

// fetchBoth runs two loads concurrently. The first failure cancels the other.
func fetchBoth(ctx context.Context, a, b func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, fn := range []func(context.Context) error{a, b} {
		wg.Add(1)
		go func(fn func(context.Context) error) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(fn)
	}
	wg.Wait()
	return firstErr
}
