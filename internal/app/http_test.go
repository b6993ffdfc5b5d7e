package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	ms := newMemStore()
	svc := newTestService(ms)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, ms
}

type envelope struct {
	Data    map[string]any `json:"data"`
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Code    string         `json:"code"`
}

func doJSON(t *testing.T, method, url, token string, body any) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, env
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)
	status, env := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if status != http.StatusOK || !env.Success {
		t.Fatalf("health status = %d success = %v", status, env.Success)
	}
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t)
	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/documents/mine"},
		{http.MethodPost, "/api/documents"},
		{http.MethodGet, "/api/usage"},
		{http.MethodPost, "/api/revisions"},
	}
	for _, p := range paths {
		status, env := doJSON(t, p.method, server.URL+p.path, "", nil)
		if status != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", p.method, p.path, status)
		}
		if env.Success {
			t.Errorf("%s %s envelope success = true on error", p.method, p.path)
		}
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	server, _ := newTestServer(t)
	status, _ := doJSON(t, http.MethodGet, server.URL+"/api/usage", "not-a-token", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
}

func TestRegisterLoginCreateAndFetchByHandle(t *testing.T) {
	server, _ := newTestServer(t)

	status, env := doJSON(t, http.MethodPost, server.URL+"/api/auth/register", "", map[string]any{
		"email":    "avery@example.com",
		"password": "correct-horse",
		"name":     "Avery",
		"handle":   "avery",
	})
	if status != http.StatusCreated {
		t.Fatalf("register status = %d: %s", status, env.Message)
	}

	status, env = doJSON(t, http.MethodPost, server.URL+"/api/auth/login", "", map[string]any{
		"email":    "avery@example.com",
		"password": "correct-horse",
	})
	if status != http.StatusOK {
		t.Fatalf("login status = %d: %s", status, env.Message)
	}
	token, _ := env.Data["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}

	status, env = doJSON(t, http.MethodPost, server.URL+"/api/documents", token, map[string]any{
		"name":            "Calculus Cheatsheet",
		"handle":          "calculus-cheatsheet",
		"published":       true,
		"initialRevision": json.RawMessage(sampleState),
	})
	if status != http.StatusCreated {
		t.Fatalf("create document status = %d: %s", status, env.Message)
	}

	status, env = doJSON(t, http.MethodGet, server.URL+"/api/documents/by-handle/calculus-cheatsheet", "", nil)
	if status != http.StatusOK {
		t.Fatalf("fetch by handle status = %d: %s", status, env.Message)
	}
	doc, _ := env.Data["document"].(map[string]any)
	if doc == nil {
		t.Fatal("missing document in response")
	}
	revisions, _ := doc["revisions"].([]any)
	if len(revisions) != 1 {
		t.Fatalf("revisions = %d, want 1", len(revisions))
	}
	first := revisions[0].(map[string]any)
	if doc["head"] != first["id"] {
		t.Fatalf("head = %v, want initial revision %v", doc["head"], first["id"])
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	server, _ := newTestServer(t)
	doJSON(t, http.MethodPost, server.URL+"/api/auth/register", "", map[string]any{
		"email":    "avery@example.com",
		"password": "correct-horse",
		"name":     "Avery",
	})
	status, env := doJSON(t, http.MethodPost, server.URL+"/api/auth/login", "", map[string]any{
		"email":    "avery@example.com",
		"password": "wrong-horse-battery",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if env.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("code = %s", env.Code)
	}
}

func TestSessionEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	status, env := doJSON(t, http.MethodGet, server.URL+"/api/auth/session", "", nil)
	if status != http.StatusOK {
		t.Fatalf("anonymous session status = %d", status)
	}
	if user, ok := env.Data["user"]; !ok || user != nil {
		t.Fatalf("anonymous session user = %v, want null", env.Data["user"])
	}

	_, registered := doJSON(t, http.MethodPost, server.URL+"/api/auth/register", "", map[string]any{
		"email":    "avery@example.com",
		"password": "correct-horse",
		"name":     "Avery",
	})
	token, _ := registered.Data["token"].(string)

	status, env = doJSON(t, http.MethodGet, server.URL+"/api/auth/session", token, nil)
	if status != http.StatusOK {
		t.Fatalf("session status = %d", status)
	}
	user, _ := env.Data["user"].(map[string]any)
	if user == nil || user["name"] != "Avery" {
		t.Fatalf("session user = %v", env.Data["user"])
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t)
	status, env := doJSON(t, http.MethodGet, server.URL+"/api/nope", "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if env.Success {
		t.Fatal("envelope success = true on 404")
	}
}
