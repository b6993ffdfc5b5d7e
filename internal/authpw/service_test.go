package authpw

import (
	"context"
	"errors"
	"strings"
	"testing"

	"matheditor/api/internal/store"
)

// mockUserStore is an in-memory UserStore for testing
type mockUserStore struct {
	users       map[string]store.User
	emailIndex  map[string]string
	handleIndex map[string]string
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:       make(map[string]store.User),
		emailIndex:  make(map[string]string),
		handleIndex: make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[strings.ToLower(email)]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByHandle(ctx context.Context, handle string) (store.User, error) {
	if userID, ok := m.handleIndex[strings.ToLower(handle)]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	m.users[user.ID] = user
	m.emailIndex[strings.ToLower(user.Email)] = user.ID
	if user.Handle != "" {
		m.handleIndex[strings.ToLower(user.Handle)] = user.ID
	}
	return user, nil
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	t.Run("successful registration", func(t *testing.T) {
		user, err := svc.Register(ctx, RegisterRequest{
			Email:    "test@example.com",
			Password: "password123",
			Name:     "Test User",
			Handle:   "testuser",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.ID == "" {
			t.Error("expected ID to be assigned")
		}
		if user.PasswordHash == "password123" {
			t.Error("expected password to be hashed")
		}
		if user.Role != "user" {
			t.Errorf("expected role user, got %s", user.Role)
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{
			Email:    "test@example.com",
			Password: "password123",
			Name:     "Other User",
		})
		if !errors.Is(err, ErrEmailTaken) {
			t.Errorf("expected ErrEmailTaken, got %v", err)
		}
	})

	t.Run("duplicate handle", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{
			Email:    "other@example.com",
			Password: "password123",
			Name:     "Other User",
			Handle:   "testuser",
		})
		if !errors.Is(err, ErrHandleTaken) {
			t.Errorf("expected ErrHandleTaken, got %v", err)
		}
	})

	t.Run("short password", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{
			Email:    "short@example.com",
			Password: "short",
			Name:     "Short",
		})
		if err == nil {
			t.Error("expected error for short password")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{})
		if err == nil {
			t.Error("expected error for missing fields")
		}
	})

	t.Run("invalid handle charset", func(t *testing.T) {
		for _, handle := range []string{"Bad Handle", "under_score", "ab", "émile"} {
			_, err := svc.Register(ctx, RegisterRequest{
				Email:    "handle@example.com",
				Password: "password123",
				Name:     "Handle User",
				Handle:   handle,
			})
			if err == nil {
				t.Errorf("handle %q accepted, want rejection", handle)
			}
		}
	})

	t.Run("handle normalized to lowercase", func(t *testing.T) {
		user, err := svc.Register(ctx, RegisterRequest{
			Email:    "cased@example.com",
			Password: "password123",
			Name:     "Cased User",
			Handle:   "  CasedHandle  ",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Handle != "casedhandle" {
			t.Errorf("handle = %q, want casedhandle", user.Handle)
		}
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	if _, err := svc.Register(ctx, RegisterRequest{
		Email:    "test@example.com",
		Password: "password123",
		Name:     "Test User",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Run("successful login", func(t *testing.T) {
		user, err := svc.Login(ctx, "test@example.com", "password123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Email != "test@example.com" {
			t.Errorf("expected email test@example.com, got %s", user.Email)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.Login(ctx, "test@example.com", "wrongpassword")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("non-existent user", func(t *testing.T) {
		_, err := svc.Login(ctx, "nobody@example.com", "password123")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("disabled account", func(t *testing.T) {
		user, _ := mockStore.GetUserByEmail(ctx, "test@example.com")
		user.Disabled = true
		mockStore.users[user.ID] = user

		_, err := svc.Login(ctx, "test@example.com", "password123")
		if !errors.Is(err, ErrAccountDisabled) {
			t.Errorf("expected ErrAccountDisabled, got %v", err)
		}
	})
}
