package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	users     map[string]domain.User
	profiles  map[string]domain.Profile
	companies map[string]domain.Company
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[string]domain.User{},
		profiles:  map[string]domain.Profile{},
		companies: map[string]domain.Company{},
	}
}

func (f *fakeStore) CreateUser(ctx context.Context, user *domain.User) error {
	for _, u := range f.users {
		if u.Email == user.Email {
			return repository.ErrConflict
		}
	}
	f.users[user.ID] = *user
	return nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (f *fakeStore) CreateProfile(ctx context.Context, profile *domain.Profile) error {
	f.profiles[profile.ID] = *profile
	return nil
}

func (f *fakeStore) GetProfileByID(ctx context.Context, id string) (*domain.Profile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (f *fakeStore) LinkCompany(ctx context.Context, profileID, companyID string) error {
	p, ok := f.profiles[profileID]
	if !ok {
		return repository.ErrNotFound
	}
	p.CompanyID = &companyID
	f.profiles[profileID] = p
	return nil
}

func (f *fakeStore) CreateCompany(ctx context.Context, company *domain.Company) error {
	f.companies[company.ID] = *company
	return nil
}

func (f *fakeStore) GetCompanyByID(ctx context.Context, id string) (*domain.Company, error) {
	c, ok := f.companies[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) GetCompanyByUserID(ctx context.Context, userID string) (*domain.Company, error) {
	for _, c := range f.companies {
		if c.UserID == userID {
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func newService(store *fakeStore) Service {
	cfg := config.APIConfig{
		JWTSecret:           "test-secret",
		AccessTokenTTL:      time.Hour,
		RefreshTokenTTL:     24 * time.Hour,
		DefaultPointsPolicy: 5,
	}
	return New(store, store, store, NewMemoryRevoker(), newLogger(), cfg)
}

func TestSignupEntrepriseCreatesLinkedCompany(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)

	session, tokens, err := svc.Signup(context.Background(), SignupInput{
		Email:    "Eco@Demo.com",
		Password: "demo1234",
		Name:     "EcoFood",
		Role:     "entreprise",
	})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected tokens to be issued")
	}
	if session.Company == nil {
		t.Fatalf("expected company to be created")
	}
	if session.Company.PointsPerDeconsigne != 5 {
		t.Fatalf("expected default policy 5, got %d", session.Company.PointsPerDeconsigne)
	}
	if session.Company.Name != "EcoFood" {
		t.Fatalf("expected company name to default to user name, got %q", session.Company.Name)
	}
	stored := store.profiles[session.User.ID]
	if stored.CompanyID == nil || *stored.CompanyID != session.Company.ID {
		t.Fatalf("expected profile linked to company, got %+v", stored.CompanyID)
	}
	if session.User.Email != "eco@demo.com" {
		t.Fatalf("expected normalized email, got %q", session.User.Email)
	}
}

func TestSignupClientHasNoCompany(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)

	session, _, err := svc.Signup(context.Background(), SignupInput{
		Email:    "alice@demo.com",
		Password: "demo1234",
		Name:     "Alice",
		Role:     "client",
	})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if session.Company != nil || len(store.companies) != 0 {
		t.Fatalf("client signup must not create a company")
	}
	if session.Profile.NutCoins != 0 || !session.Profile.IsClient() {
		t.Fatalf("unexpected profile: %+v", session.Profile)
	}
}

func TestSignupValidation(t *testing.T) {
	svc := newService(newFakeStore())
	negative := -1
	cases := []struct {
		name  string
		input SignupInput
		want  error
	}{
		{"email", SignupInput{Email: "nope", Password: "demo1234", Name: "x"}, ErrInvalidEmail},
		{"name", SignupInput{Email: "a@b.c", Password: "demo1234"}, ErrNameRequired},
		{"role", SignupInput{Email: "a@b.c", Password: "demo1234", Name: "x", Role: "admin"}, ErrInvalidRole},
		{"points", SignupInput{Email: "a@b.c", Password: "demo1234", Name: "x", Role: "entreprise", PointsPerDeconsigne: &negative}, ErrInvalidPoints},
	}
	for _, tc := range cases {
		if _, _, err := svc.Signup(context.Background(), tc.input); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSignupDuplicateEmail(t *testing.T) {
	svc := newService(newFakeStore())
	input := SignupInput{Email: "bob@demo.com", Password: "demo1234", Name: "Bob"}
	if _, _, err := svc.Signup(context.Background(), input); err != nil {
		t.Fatalf("first signup: %v", err)
	}
	if _, _, err := svc.Signup(context.Background(), input); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLoginAndAuthorize(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)
	if _, _, err := svc.Signup(context.Background(), SignupInput{Email: "bio@demo.com", Password: "demo1234", Name: "BioMarket", Role: "entreprise"}); err != nil {
		t.Fatalf("signup: %v", err)
	}

	if _, _, err := svc.Login(context.Background(), "bio@demo.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "ghost@demo.com", "demo1234"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}

	_, tokens, err := svc.Login(context.Background(), " BIO@demo.com ", "demo1234")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	session, err := svc.Authorize(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if session.CompanyID() == "" {
		t.Fatalf("expected operator session to carry company")
	}
	if session.Claims == nil || session.Claims.Role != domain.RoleEntreprise {
		t.Fatalf("expected role claim, got %+v", session.Claims)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	svc := newService(newFakeStore())
	_, tokens, err := svc.Signup(context.Background(), SignupInput{Email: "alice@demo.com", Password: "demo1234", Name: "Alice"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if err := svc.Logout(context.Background(), tokens.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Authorize(context.Background(), tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := svc.Authorize(context.Background(), tokens.RefreshToken); err != nil {
		t.Fatalf("refresh token should still be valid: %v", err)
	}
	if _, err := svc.Authorize(context.Background(), " "); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc := newService(newFakeStore())
	_, tokens, err := svc.Signup(context.Background(), SignupInput{Email: "alice@demo.com", Password: "demo1234", Name: "Alice"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	next, err := svc.Refresh(context.Background(), tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.AccessToken == "" {
		t.Fatalf("expected new access token")
	}
	if _, err := svc.Refresh(context.Background(), tokens.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected reused refresh token to be revoked, got %v", err)
	}
}

func TestMemoryRevokerExpires(t *testing.T) {
	now := time.Now()
	r := &memoryRevoker{entries: map[string]time.Time{}, now: func() time.Time { return now }}
	if err := r.Revoke(context.Background(), "jti", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := r.Revoked(context.Background(), "jti"); !ok {
		t.Fatalf("expected jti revoked")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := r.Revoked(context.Background(), "jti"); ok {
		t.Fatalf("expected revocation to lapse")
	}
}
