package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/errs"
)

const (
	RoleCustomer = "CUSTOMER"
	RoleDriver   = "DRIVER"
	RoleAdmin    = "ADMIN"
)

type Claims struct {
	UserID string `json:"sub"`
	Role   string `json:"role"`
	// Refresh marks the token as a refresh credential; refresh tokens are
	// only accepted by the refresh path, never as an access credential.
	Refresh bool `json:"refresh,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and validates the access/refresh credential pair every
// dispatch session presents on connect.
type Manager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(secret string, accessTTL, refreshTTL time.Duration) *Manager {
	return &Manager{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

func (m *Manager) GenerateAccessToken(userID, role string) (string, error) {
	return m.sign(userID, role, false, m.accessTTL)
}

func (m *Manager) GenerateRefreshToken(userID, role string) (string, error) {
	return m.sign(userID, role, true, m.refreshTTL)
}

func (m *Manager) sign(userID, role string, refresh bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:  userID,
		Role:    role,
		Refresh: refresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Refresh {
		return nil, errs.Auth("refresh token presented as access credential")
	}
	return claims, nil
}

// Refresh validates a refresh credential and issues a fresh access token.
// Used by the silent rotation path, the session is not interrupted.
func (m *Manager) Refresh(refreshToken string) (string, *Claims, error) {
	claims, err := m.parse(refreshToken)
	if err != nil {
		return "", nil, err
	}
	if !claims.Refresh {
		return "", nil, errs.Auth("access token presented as refresh credential")
	}
	access, err := m.GenerateAccessToken(claims.UserID, claims.Role)
	if err != nil {
		return "", nil, err
	}
	return access, claims, nil
}

// AccessExpiresWithin reports whether the access token runs out within d.
// Lets the session rotate credentials before they lapse mid-connection.
func (m *Manager) AccessExpiresWithin(tokenString string, d time.Duration) bool {
	claims, err := m.parse(tokenString)
	if err != nil {
		return true
	}
	return time.Until(claims.ExpiresAt.Time) < d
}

func (m *Manager) parse(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.Auth("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, errs.Auth("invalid token: %v", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errs.Auth("invalid token")
	}
	return claims, nil
}

// GetTokenHandler issues a credential pair. Session issuance proper belongs
// to the identity collaborator; this endpoint stands in for it in
// development and tests.
func (m *Manager) GetTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "only POST method allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if req.UserID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		if req.Role == "" {
			req.Role = RoleCustomer
		}

		access, err := m.GenerateAccessToken(req.UserID, req.Role)
		if err != nil {
			http.Error(w, "failed to generate token", http.StatusInternalServerError)
			return
		}
		refresh, err := m.GenerateRefreshToken(req.UserID, req.Role)
		if err != nil {
			http.Error(w, "failed to generate token", http.StatusInternalServerError)
			return
		}

		json.NewEncoder(w).Encode(map[string]string{
			"token":         access,
			"refresh_token": refresh,
		})
	}
}
