/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package miraapp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mira-gis/mira/mira"
)

// sessionLifetime is how long a login lasts.
const sessionLifetime = 12 * time.Hour

const sessionCookie = "mira_session"

type sessionClaims struct {
	Name string    `json:"name"`
	Role mira.Role `json:"role"`
	jwt.RegisteredClaims
}

// sessions issues and verifies HS256 session tokens.
type sessions struct {
	secret []byte
}

func newSessions(secret string) (sessions, error) {
	if secret != "" {
		return sessions{secret: []byte(secret)}, nil
	}
	// without a configured secret, sessions last until restart
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return sessions{}, fmt.Errorf("generating session key: %w", err)
	}
	return sessions{secret: key}, nil
}

func (s sessions) issue(op mira.Operator, now time.Time) (string, time.Time, error) {
	expires := now.Add(sessionLifetime)
	claims := sessionClaims{
		Name: op.Name,
		Role: op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "mira",
			Subject:   op.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return token, expires, nil
}

func (s sessions) verify(tokenStr string) (*sessionClaims, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("mira"),
		jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// sessionToken returns the session token of the request from the
// Authorization header or the session cookie.
func sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// requireSession returns a handler that only calls next if login is not
// required or the request carries a valid session of an active operator
// allowed to use the endpoint.
func (s *server) requireSession(level access, next handler) handler {
	return handlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		if !s.app.cfg.RequireLogin || level == public {
			return next.ServeHTTP(w, r)
		}

		tokenStr := sessionToken(r)
		if tokenStr == "" {
			return Error{
				Err:        errors.New("no session token"),
				HTTPStatus: http.StatusUnauthorized,
				Log:        "Unauthenticated request",
				Message:    "Please log in first.",
			}
		}
		claims, err := s.app.sessions.verify(tokenStr)
		if err != nil {
			return Error{
				Err:        err,
				HTTPStatus: http.StatusUnauthorized,
				Log:        "Invalid session token",
				Message:    "Your session is invalid or has expired. Please log in again.",
			}
		}

		dash, err := s.dashboard()
		if err != nil {
			return err
		}
		// access may have been revoked since the token was issued
		op, err := dash.Users.Get(claims.Subject)
		if err != nil || !op.Active {
			return Error{
				Err:        fmt.Errorf("operator %s: %w", claims.Subject, mira.ErrOperatorInactive),
				HTTPStatus: http.StatusForbidden,
				Log:        "Operator not allowed",
				Message:    "Your access has been revoked.",
			}
		}
		if level == adminOnly && op.Role != mira.RoleAdmin {
			return Error{
				Err:        fmt.Errorf("operator %s is not an admin", op.ID),
				HTTPStatus: http.StatusForbidden,
				Log:        "Admin endpoint",
				Message:    "Only admins can do this.",
			}
		}

		return next.ServeHTTP(w, r)
	})
}
