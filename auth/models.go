package auth

import "time"

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID            string
	Email         string
	FirstName     string
	LastName      string
	PasswordHash  string
	Role          Role
	AccountNumber string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (u User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

func (u User) AuditType() string { return "user" }
func (u User) AuditID() string   { return u.ID }

func (u User) AuditFields() map[string]any {
	return map[string]any{
		"email":          u.Email,
		"first_name":     u.FirstName,
		"last_name":      u.LastName,
		"password_hash":  u.PasswordHash,
		"role":           string(u.Role),
		"account_number": u.AccountNumber,
	}
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
