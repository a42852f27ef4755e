package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func loginResponse(t *testing.T, s *Server, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"api_key": apiKey})
	req := httptest.NewRequest("POST", "/admin/login", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.handleAdminLogin(rr, req)
	return rr
}

func TestAdminLoginIssuesVerifiableToken(t *testing.T) {
	t.Parallel()
	s := &Server{adminKey: "sekrit"}

	rr := loginResponse(t, s, "sekrit")
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200: %s", rr.Code, rr.Body)
	}

	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Token == "" || resp.ExpiresIn <= 0 {
		t.Fatalf("response = %+v", resp)
	}

	req := httptest.NewRequest("POST", "/admin/validate", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	if err := s.verifyAdminToken(req); err != nil {
		t.Fatalf("issued token did not verify: %v", err)
	}
}

func TestAdminLoginRejectsWrongKey(t *testing.T) {
	t.Parallel()
	s := &Server{adminKey: "sekrit"}

	if rr := loginResponse(t, s, "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestAdminLoginDisabledWithoutKey(t *testing.T) {
	t.Parallel()
	s := &Server{}

	if rr := loginResponse(t, s, ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestVerifyAdminTokenRejections(t *testing.T) {
	t.Parallel()
	s := &Server{adminKey: "sekrit"}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not a token", "Bearer garbage"},
		{"empty bearer", "Bearer "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/admin/validate", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if err := s.verifyAdminToken(req); err == nil {
				t.Fatal("verification succeeded, want error")
			}
		})
	}
}

// A token minted under one admin key must not verify under another: the
// derived signing secret has to change with the key.
func TestTokenBoundToAdminKey(t *testing.T) {
	t.Parallel()
	a := &Server{adminKey: "key-a"}
	b := &Server{adminKey: "key-b"}

	rr := loginResponse(t, a, "key-a")
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/admin/validate", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	if err := b.verifyAdminToken(req); err == nil {
		t.Fatal("token minted under key-a verified under key-b")
	}
}

func TestRateLimiterClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{"forwarded chain", "203.0.113.9, 10.0.0.1", "", "10.0.0.2:1234", "203.0.113.9"},
		{"real ip", "", "203.0.113.7", "10.0.0.2:1234", "203.0.113.7"},
		{"remote addr", "", "", "198.51.100.3:9999", "198.51.100.3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/leaderboard", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := clientIP(req); got != tc.want {
				t.Errorf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
