package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/config"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/crypto"
	jwtpkg "github.com/ThLemay/Nut-WebAPP-V3/pkg/jwt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidEmail       = errors.New("a valid email is required")
	ErrNameRequired       = errors.New("name is required")
	ErrInvalidRole        = errors.New("role must be client or entreprise")
	ErrInvalidPoints      = errors.New("points per deconsigne must not be negative")
	ErrEmailTaken         = errors.New("email already registered")
	ErrTokenRequired      = errors.New("token required")
	ErrTokenRevoked       = errors.New("token revoked")
)

// Service handles authentication workflows.
type Service struct {
	users     repository.UserRepository
	profiles  repository.ProfileRepository
	companies repository.CompanyRepository
	revoker   Revoker
	logger    *slog.Logger
	cfg       config.APIConfig
}

// New constructs a Service. A nil revoker keeps revocations in memory.
func New(users repository.UserRepository, profiles repository.ProfileRepository, companies repository.CompanyRepository, revoker Revoker, logger *slog.Logger, cfg config.APIConfig) Service {
	if revoker == nil {
		revoker = NewMemoryRevoker()
	}
	return Service{users: users, profiles: profiles, companies: companies, revoker: revoker, logger: logger, cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// SignupInput carries registration attributes. CompanyName and
// PointsPerDeconsigne only apply to the entreprise role.
type SignupInput struct {
	Email               string
	Password            string
	Name                string
	Role                string
	CompanyName         string
	PointsPerDeconsigne *int
}

// Session is the authenticated context of a request: who is calling, with
// which profile and, for operators, on behalf of which company.
type Session struct {
	User    *domain.User    `json:"user"`
	Profile *domain.Profile `json:"profile"`
	Company *domain.Company `json:"company,omitempty"`
	Claims  *jwtpkg.Claims  `json:"-"`
}

// CompanyID returns the acting company, "" for clients.
func (s Session) CompanyID() string {
	if s.Company == nil {
		return ""
	}
	return s.Company.ID
}

// Signup registers a user with its profile and, for operators, its company.
func (s Service) Signup(ctx context.Context, input SignupInput) (*Session, TokenPair, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, TokenPair{}, ErrInvalidEmail
	}
	if err := crypto.CheckPassword(input.Password); err != nil {
		return nil, TokenPair{}, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, TokenPair{}, ErrNameRequired
	}
	role := strings.ToLower(strings.TrimSpace(input.Role))
	if role == "" {
		role = domain.RoleClient
	}
	if !domain.ValidRole(role) {
		return nil, TokenPair{}, ErrInvalidRole
	}
	points := s.cfg.DefaultPointsPolicy
	if input.PointsPerDeconsigne != nil {
		points = *input.PointsPerDeconsigne
	}
	if points < 0 {
		return nil, TokenPair{}, ErrInvalidPoints
	}

	hash, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	now := time.Now().UTC()
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, TokenPair{}, ErrEmailTaken
		}
		return nil, TokenPair{}, err
	}
	profile := &domain.Profile{
		ID:        user.ID,
		Name:      name,
		Role:      role,
		NutCoins:  0,
		CreatedAt: now,
	}
	if err := s.profiles.CreateProfile(ctx, profile); err != nil {
		s.logger.Error("profile creation failed", "user_id", user.ID, "error", err)
		return nil, TokenPair{}, err
	}

	session := &Session{User: user, Profile: profile}
	if role == domain.RoleEntreprise {
		companyName := strings.TrimSpace(input.CompanyName)
		if companyName == "" {
			companyName = name
		}
		company := &domain.Company{
			ID:                  uuid.NewString(),
			Name:                companyName,
			UserID:              user.ID,
			PointsPerDeconsigne: points,
			CreatedAt:           now,
		}
		if err := s.companies.CreateCompany(ctx, company); err != nil {
			s.logger.Error("company creation failed", "user_id", user.ID, "error", err)
			return nil, TokenPair{}, err
		}
		if err := s.profiles.LinkCompany(ctx, profile.ID, company.ID); err != nil {
			s.logger.Error("company link failed", "user_id", user.ID, "company_id", company.ID, "error", err)
			return nil, TokenPair{}, err
		}
		profile.CompanyID = &company.ID
		session.Company = company
	}

	tokens, err := s.issueTokens(user.ID, role)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID, "role", role)
	return session, tokens, nil
}

// Login authenticates a user and returns tokens.
func (s Service) Login(ctx context.Context, email, password string) (*Session, TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	session, err := s.Session(ctx, user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(user.ID, session.Profile.Role)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return session, tokens, nil
}

// Authorize validates a bearer token and loads the caller's session.
func (s Service) Authorize(ctx context.Context, token string) (*Session, error) {
	claims, err := s.parse(ctx, token)
	if err != nil {
		return nil, err
	}
	session, err := s.Session(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	session.Claims = claims
	return session, nil
}

// Refresh exchanges a refresh token for a new pair and revokes the old one.
func (s Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.parse(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	session, err := s.Session(ctx, claims.UserID)
	if err != nil {
		return TokenPair{}, err
	}
	tokens, err := s.issueTokens(session.User.ID, session.Profile.Role)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.revoker.Revoke(ctx, claims.ID, claims.Remaining(time.Now())); err != nil {
		s.logger.Warn("refresh token not revoked", "user_id", claims.UserID, "error", err)
	}
	return tokens, nil
}

// Logout revokes the token until it expires.
func (s Service) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(ctx, token)
	if err != nil {
		return err
	}
	if err := s.revoker.Revoke(ctx, claims.ID, claims.Remaining(time.Now())); err != nil {
		return err
	}
	s.logger.Info("user logged out", "user_id", claims.UserID)
	return nil
}

// Session loads the user, profile and operated company of userID.
func (s Service) Session(ctx context.Context, userID string) (*Session, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile, err := s.profiles.GetProfileByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	session := &Session{User: user, Profile: profile}
	if !profile.IsOperator() {
		return session, nil
	}
	var company *domain.Company
	if profile.CompanyID != nil {
		company, err = s.companies.GetCompanyByID(ctx, *profile.CompanyID)
	} else {
		company, err = s.companies.GetCompanyByUserID(ctx, userID)
	}
	switch {
	case err == nil:
		session.Company = company
	case errors.Is(err, repository.ErrNotFound):
		s.logger.Warn("operator without company", "user_id", userID)
	default:
		return nil, err
	}
	return session, nil
}

func (s Service) parse(ctx context.Context, token string) (*jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrTokenRequired
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revoker.Revoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

func (s Service) issueTokens(userID, role string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(userID, role, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(userID, role, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
