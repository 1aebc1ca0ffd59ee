// Copyright 2024 The Pulse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// DashboardTokenClaims is the session token issued to dashboard operators.
type DashboardTokenClaims struct {
	Username  string `json:"usn,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

func (s *DashboardTokenClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(s.ExpiresAt, 0)), nil
}
func (s *DashboardTokenClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return nil, nil
}
func (s *DashboardTokenClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return nil, nil
}
func (s *DashboardTokenClaims) GetAudience() (jwt.ClaimStrings, error) {
	return []string{}, nil
}
func (s *DashboardTokenClaims) GetIssuer() (string, error) {
	return "", nil
}
func (s *DashboardTokenClaims) GetSubject() (string, error) {
	return "", nil
}

func generateDashboardToken(signingKey, username string, expirySec int64) (string, int64, error) {
	exp := time.Now().UTC().Add(time.Duration(expirySec) * time.Second).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &DashboardTokenClaims{
		Username:  username,
		ExpiresAt: exp,
	})
	signed, err := token.SignedString([]byte(signingKey))
	return signed, exp, err
}

func parseDashboardToken(hmacSecretByte []byte, tokenString string) (string, int64, bool) {
	token, err := jwt.ParseWithClaims(tokenString, &DashboardTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return hmacSecretByte, nil
	}, jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", 0, false
	}
	claims, ok := token.Claims.(*DashboardTokenClaims)
	if !ok || !token.Valid {
		return "", 0, false
	}
	return claims.Username, claims.ExpiresAt, true
}

type dashboardSessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"exp"`
}

// authenticateDashboard exchanges operator Basic credentials for a session
// token the dashboard holds for subsequent admin calls.
func (s *ApiServer) authenticateDashboard(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok || !s.checkDashboardCredentials(username, password) {
		s.logger.Info("Rejected dashboard authentication attempt", zap.String("username", username))
		w.Header().Set("WWW-Authenticate", `Basic realm="dashboard"`)
		s.jsonError(w, http.StatusUnauthorized, "Invalid credentials.")
		return
	}

	console := s.config.GetConsole()
	token, exp, err := generateDashboardToken(console.SigningKey, username, console.TokenExpirySec)
	if err != nil {
		s.errorResponse(w, r, StatusError(ErrorKindFatal, "Could not create session token.", err))
		return
	}
	s.jsonResponse(w, http.StatusOK, &dashboardSessionResponse{Token: token, ExpiresAt: exp})
}

// requireConsoleAuth guards operator-only endpoints. A Bearer session token
// or direct Basic credentials are both accepted. An empty configured
// password disables the guard for development setups.
func (s *ApiServer) requireConsoleAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.GetConsole().Password == "" {
			next(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		switch {
		case strings.HasPrefix(auth, "Bearer "):
			if _, _, ok := parseDashboardToken([]byte(s.config.GetConsole().SigningKey), strings.TrimPrefix(auth, "Bearer ")); ok {
				next(w, r)
				return
			}
		default:
			if username, password, ok := r.BasicAuth(); ok && s.checkDashboardCredentials(username, password) {
				next(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="dashboard"`)
		s.jsonError(w, http.StatusUnauthorized, "Dashboard authentication required.")
	}
}

// checkDashboardCredentials compares against the configured operator
// account. The configured password may be a bcrypt hash, a plain value is
// compared in constant time for development configs.
func (s *ApiServer) checkDashboardCredentials(username, password string) bool {
	console := s.config.GetConsole()
	if subtle.ConstantTimeCompare([]byte(username), []byte(console.Username)) != 1 {
		return false
	}
	if strings.HasPrefix(console.Password, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(console.Password), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(console.Password)) == 1
}
