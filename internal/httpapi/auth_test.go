package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"repairpos/backend/internal/domain"
	repostore "repairpos/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store, nil)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestCreateOperatorStoresPasswordHash(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store, nil)
	operator, err := manager.CreateOperator(context.Background(), domain.OperatorCreateRequest{
		Username: "atelier2",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create operator failed: %v", err)
	}
	if operator.Username != "atelier2" || operator.Role != domain.RoleOperator {
		t.Fatalf("unexpected username %s", operator.Username)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "atelier2" {
			found = &users[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected operator to be saved")
	}
	if found.Password == "pass1234" {
		t.Fatalf("expected operator password to be hashed")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	_, err = manager.Login(context.Background(), domain.LoginRequest{
		Username: "atelier2",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("login with hashed operator password failed: %v", err)
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "654321", store, nil)

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}

func TestCreateOperatorRejectsDuplicateAndWeakInput(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"atelier": {Username: "atelier", Password: mustHashPassword(t, "pass1234"), Role: domain.RoleOperator, Active: true},
	}}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store, nil)

	cases := []struct {
		req  domain.OperatorCreateRequest
		want error
	}{
		{domain.OperatorCreateRequest{Username: "ab", Password: "pass1234"}, domain.ErrValidation},
		{domain.OperatorCreateRequest{Username: "new user", Password: "pass1234"}, domain.ErrValidation},
		{domain.OperatorCreateRequest{Username: "newuser", Password: "short"}, domain.ErrValidation},
		{domain.OperatorCreateRequest{Username: "Atelier", Password: "pass1234"}, repostore.ErrConflict},
	}
	for _, tc := range cases {
		if _, err := manager.CreateOperator(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("CreateOperator(%q): expected %v, got %v", tc.req.Username, tc.want, err)
		}
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"retired": {Username: "retired", Password: mustHashPassword(t, "pass1234"), Role: domain.RoleOperator, Active: false},
	}}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store, nil)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "retired", Password: "pass1234"}); !errors.Is(err, errInactiveAccount) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"admin": {Username: "admin", Password: mustHashPassword(t, "admin123"), Role: domain.RoleAdmin, Active: true},
	}}
	issuer := NewAuthManager(context.Background(), "secret-one", time.Hour, "123456", store, nil)
	verifier := NewAuthManager(context.Background(), "secret-two", time.Hour, "123456", store, nil)

	resp, err := issuer.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := issuer.ParseToken(resp.AccessToken)
	if err != nil || actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("expected admin actor, got %+v (err %v)", actor, err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}
