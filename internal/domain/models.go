package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// CatalogModel is the reference base price of a device model in perfect condition.
type CatalogModel struct {
	Brand     string          `json:"brand"`
	Model     string          `json:"model"`
	BasePrice decimal.Decimal `json:"base_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CatalogKey normalizes a brand or model name for catalog lookups.
func CatalogKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
