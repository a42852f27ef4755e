package api

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const adminTokenTTL = time.Hour

// secret returns the JWT signing key. When ADMIN_JWT_SECRET is not set the
// key is derived from the admin API key so a single env var is enough.
func (s *Server) secret() []byte {
	if len(s.jwtSecret) > 0 {
		return s.jwtSecret
	}
	h := sha256.Sum256([]byte("droplet-admin:" + s.adminKey))
	return h[:]
}

// handleAdminLogin exchanges the admin API key for a short-lived bearer
// token.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if s.adminKey == "" {
		writeError(w, http.StatusServiceUnavailable, "admin API disabled (ADMIN_API_KEY not set)")
		return
	}

	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.APIKey != s.adminKey {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	now := time.Now()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "admin",
		"iat": now.Unix(),
		"exp": now.Add(adminTokenTTL).Unix(),
	})
	signed, err := token.SignedString(s.secret())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign token")
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      signed,
		"expires_in": int(adminTokenTTL.Seconds()),
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			next.ServeHTTP(w, r)
			return
		}
		if err := s.verifyAdminToken(r); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verifyAdminToken(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fmt.Errorf("missing Authorization header")
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret(), nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid token claims")
	}
	if sub, _ := claims["sub"].(string); sub != "admin" {
		return fmt.Errorf("token missing admin subject")
	}
	return nil
}
