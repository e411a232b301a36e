package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"shopexpress/audit"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidInput signals missing or malformed registration fields.
	ErrInvalidInput = errors.New("auth: invalid input")
	// ErrInvalidRole signals an unknown role name.
	ErrInvalidRole = errors.New("auth: invalid role")
	// ErrInvalidToken signals a token that cannot be trusted.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrForbidden signals the acting role may not manage users.
	ErrForbidden = errors.New("auth: forbidden")
)

const tokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	audit     audit.Recorder
	now       func() time.Time
	accountNo func() (string, error)
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string, recorder audit.Recorder) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		audit:     recorder,
		now:       time.Now,
		accountNo: newAccountNumber,
	}
}

// WithClock overrides the time source used for token expiry.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new customer account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	email := strings.TrimSpace(req.Email)
	first := strings.TrimSpace(req.FirstName)
	if email == "" || first == "" {
		return nil, fmt.Errorf("%w: email and first_name are required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email %q", ErrInvalidInput, email)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	var user User
	for attempt := 0; attempt < 5; attempt++ {
		accountNumber, err := s.accountNo()
		if err != nil {
			return nil, fmt.Errorf("auth: account number: %w", err)
		}
		user, err = s.repo.CreateUser(ctx, CreateUserParams{
			Email:         strings.ToLower(email),
			FirstName:     first,
			LastName:      strings.TrimSpace(req.LastName),
			PasswordHash:  string(passwordHash),
			Role:          RoleCustomer,
			AccountNumber: accountNumber,
		})
		if errors.Is(err, ErrDuplicateAccountNumber) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if user.ID == "" {
		return nil, ErrDuplicateAccountNumber
	}

	if s.audit != nil {
		if err := s.audit.Created(ctx, nil, user); err != nil {
			return nil, err
		}
	}
	return &user, nil
}

// Login authenticates a user and returns a JWT token. Both outcomes are audited.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.recordLogin(ctx, "", req.Email, false)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.recordLogin(ctx, user.ID, req.Email, false)
		return LoginResult{}, ErrInvalidCredentials
	}

	expiresAt := s.now().Add(tokenTTL)
	token, err := s.generateToken(user.ID, user.Role, expiresAt)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	s.recordLogin(ctx, user.ID, user.Email, true)

	return LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListCustomers returns all customers, or the listed ones.
func (s *Service) ListCustomers(ctx context.Context, ids []string) ([]User, error) {
	return s.repo.ListCustomers(ctx, ids)
}

// ChangeRole assigns a new role and audits the change. HTTP actors need the
// ManageUsers ability; system actors carry no role and pass.
func (s *Service) ChangeRole(ctx context.Context, userID string, role Role) (*User, error) {
	if actor, ok := audit.ActorFrom(ctx); ok && actor.Role != "" && !Can(Role(actor.Role), ManageUsers) {
		return nil, ErrForbidden
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w %q", ErrInvalidRole, role)
	}
	before, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	after, err := s.repo.UpdateRole(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	if s.audit != nil {
		if err := s.audit.Updated(ctx, nil, before, after); err != nil {
			return nil, err
		}
	}
	return &after, nil
}

// VerifyToken validates a JWT token and returns the user ID and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", "", fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return "", "", fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return userID, role, nil
}

func (s *Service) generateToken(userID string, role Role, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     expiresAt.Unix(),
		"iat":     s.now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// recordLogin never fails the login itself.
func (s *Service) recordLogin(ctx context.Context, userID, email string, success bool) {
	if s.audit == nil {
		return
	}
	action := "login_failed"
	if success {
		action = "login"
	}
	e := audit.Entry{
		EventType:      audit.EventAuthentication,
		AuditableType:  "user",
		AuditableID:    userID,
		Action:         action,
		AdditionalData: map[string]any{"email": strings.ToLower(strings.TrimSpace(email))},
	}
	if userID != "" {
		id := userID
		e.UserID = &id
	}
	_ = s.audit.Record(ctx, nil, e)
}

// newAccountNumber returns "SHS" followed by six random digits.
func newAccountNumber() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SHS%06d", n.Int64()), nil
}
