// Package seed provisions accounts, companies and containers from a YAML
// fixture file. Provisioning is idempotent: existing accounts and containers
// are kept as they are.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/auth"
)

// Fixture is the root of a seed file.
type Fixture struct {
	Accounts []Account `yaml:"accounts"`
}

// Account describes one user with its profile.
type Account struct {
	Email      string      `yaml:"email"`
	Password   string      `yaml:"password"`
	Name       string      `yaml:"name"`
	Role       string      `yaml:"role"`
	Company    *Company    `yaml:"company,omitempty"`
	Containers []Container `yaml:"containers,omitempty"`
}

// Company overrides the defaults of an operator's company.
type Company struct {
	Name                string `yaml:"name"`
	PointsPerDeconsigne *int   `yaml:"points_per_deconsigne,omitempty"`
}

// Container is provisioned for the enclosing operator's company. Holder is
// the email of a client account that currently holds it.
type Container struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Status string `yaml:"status,omitempty"`
	Holder string `yaml:"holder,omitempty"`
}

// Report counts what Apply created.
type Report struct {
	AccountsCreated   int
	AccountsExisting  int
	ContainersCreated int
	ContainersSkipped int
}

// Load reads a fixture file.
func Load(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses and validates a fixture.
func Decode(r io.Reader) (*Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var fixture Fixture
	if err := dec.Decode(&fixture); err != nil {
		return nil, fmt.Errorf("decode seed fixture: %w", err)
	}
	if err := fixture.validate(); err != nil {
		return nil, err
	}
	return &fixture, nil
}

func (f Fixture) validate() error {
	emails := make(map[string]string, len(f.Accounts))
	for _, a := range f.Accounts {
		email := normalizeEmail(a.Email)
		if email == "" {
			return errors.New("seed account without email")
		}
		if _, dup := emails[email]; dup {
			return fmt.Errorf("seed account %s listed twice", email)
		}
		emails[email] = a.Role
	}
	containers := make(map[string]struct{})
	for _, a := range f.Accounts {
		if len(a.Containers) > 0 && a.Role != domain.RoleEntreprise {
			return fmt.Errorf("seed account %s: only entreprise accounts own containers", a.Email)
		}
		for _, c := range a.Containers {
			if strings.TrimSpace(c.ID) == "" {
				return fmt.Errorf("seed account %s: container without id", a.Email)
			}
			if _, dup := containers[c.ID]; dup {
				return fmt.Errorf("container %s listed twice", c.ID)
			}
			containers[c.ID] = struct{}{}
			if c.Holder == "" {
				continue
			}
			role, ok := emails[normalizeEmail(c.Holder)]
			if !ok {
				return fmt.Errorf("container %s: unknown holder %s", c.ID, c.Holder)
			}
			if role != domain.RoleClient {
				return fmt.Errorf("container %s: holder %s is not a client", c.ID, c.Holder)
			}
		}
	}
	return nil
}

// Seeder applies fixtures through the auth service and container store.
type Seeder struct {
	auth       auth.Service
	containers repository.ContainerRepository
	logger     *slog.Logger
}

// New returns a Seeder.
func New(authSvc auth.Service, containers repository.ContainerRepository, logger *slog.Logger) Seeder {
	return Seeder{auth: authSvc, containers: containers, logger: logger}
}

// Apply provisions the fixture.
func (s Seeder) Apply(ctx context.Context, fixture *Fixture) (Report, error) {
	var report Report
	sessions := make(map[string]*auth.Session, len(fixture.Accounts))
	for _, a := range fixture.Accounts {
		session, created, err := s.ensureAccount(ctx, a)
		if err != nil {
			return report, fmt.Errorf("account %s: %w", a.Email, err)
		}
		if created {
			report.AccountsCreated++
		} else {
			report.AccountsExisting++
		}
		sessions[normalizeEmail(a.Email)] = session
	}

	for _, a := range fixture.Accounts {
		if len(a.Containers) == 0 {
			continue
		}
		owner := sessions[normalizeEmail(a.Email)]
		if owner.Company == nil {
			return report, fmt.Errorf("account %s has no company", a.Email)
		}
		for _, c := range a.Containers {
			container := &domain.Container{
				ID:             strings.TrimSpace(c.ID),
				Type:           c.Type,
				Status:         c.Status,
				OwnerCompanyID: owner.Company.ID,
			}
			if c.Holder != "" {
				holder := sessions[normalizeEmail(c.Holder)].Profile.ID
				container.Status = domain.ContainerInUse
				container.HolderClientID = &holder
			}
			err := s.containers.CreateContainer(ctx, container)
			switch {
			case err == nil:
				report.ContainersCreated++
			case errors.Is(err, repository.ErrConflict):
				report.ContainersSkipped++
			default:
				return report, fmt.Errorf("container %s: %w", c.ID, err)
			}
		}
	}
	s.logger.Info("seed applied",
		"accounts_created", report.AccountsCreated,
		"accounts_existing", report.AccountsExisting,
		"containers_created", report.ContainersCreated,
		"containers_skipped", report.ContainersSkipped)
	return report, nil
}

func (s Seeder) ensureAccount(ctx context.Context, a Account) (*auth.Session, bool, error) {
	input := auth.SignupInput{
		Email:    a.Email,
		Password: a.Password,
		Name:     a.Name,
		Role:     a.Role,
	}
	if a.Company != nil {
		input.CompanyName = a.Company.Name
		input.PointsPerDeconsigne = a.Company.PointsPerDeconsigne
	}
	session, _, err := s.auth.Signup(ctx, input)
	if err == nil {
		return session, true, nil
	}
	if !errors.Is(err, auth.ErrEmailTaken) {
		return nil, false, err
	}
	session, _, err = s.auth.Login(ctx, a.Email, a.Password)
	if err != nil {
		return nil, false, err
	}
	return session, false, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
