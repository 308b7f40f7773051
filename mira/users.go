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

package mira

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Role is what an operator is allowed to do.
type Role string

// Operator roles. Admins can manage other operators.
const (
	RoleAdmin    Role = "ADMIN"
	RoleOperator Role = "OPERATOR"
)

// Errors returned by Users.
var (
	ErrBadCredentials   = errors.New("invalid badge or password")
	ErrOperatorInactive = errors.New("operator access has been revoked")
	ErrOperatorNotFound = errors.New("operator not found")
	ErrBadgeTaken       = errors.New("badge number already registered")
	ErrLastAdmin        = errors.New("cannot revoke the last active admin")
)

// Operator is a person allowed to use the dashboard.
type Operator struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Badge     string    `json:"badge"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`

	passwordHash []byte
}

// Users is the registry of operators. It is safe for concurrent use.
type Users struct {
	cost int

	mu    sync.RWMutex
	order []string
	byID  map[string]*Operator
}

// NewUsers returns an empty registry that hashes passwords with the given
// bcrypt cost (bcrypt.DefaultCost if 0).
func NewUsers(cost int) *Users {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Users{cost: cost, byID: make(map[string]*Operator)}
}

// Add registers an operator. Badges are case-insensitive and surrounding
// spaces are ignored in badges and passwords.
func (u *Users) Add(name, badge, password string, role Role) (Operator, error) {
	name = strings.TrimSpace(name)
	badge = normalizeBadge(badge)
	password = strings.TrimSpace(password)
	if name == "" || badge == "" || password == "" {
		return Operator{}, errors.New("name, badge and password are required")
	}
	if role != RoleAdmin && role != RoleOperator {
		return Operator{}, fmt.Errorf("unknown role: %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return Operator{}, fmt.Errorf("hashing password: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.findLocked(badge) != nil {
		return Operator{}, fmt.Errorf("%w: %s", ErrBadgeTaken, badge)
	}
	op := &Operator{
		ID:           uuid.New().String(),
		Name:         name,
		Badge:        badge,
		Role:         role,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
		passwordHash: hash,
	}
	u.byID[op.ID] = op
	u.order = append(u.order, op.ID)
	return *op, nil
}

// Authenticate returns the operator with the badge if the password matches
// and the operator is active.
func (u *Users) Authenticate(badge, password string) (Operator, error) {
	u.mu.RLock()
	op := u.findLocked(normalizeBadge(badge))
	var found Operator
	if op != nil {
		found = *op
	}
	u.mu.RUnlock()

	if op == nil {
		return Operator{}, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(found.passwordHash, []byte(strings.TrimSpace(password))); err != nil {
		return Operator{}, ErrBadCredentials
	}
	if !found.Active {
		return Operator{}, ErrOperatorInactive
	}
	return found, nil
}

// Get returns the operator with the given ID.
func (u *Users) Get(id string) (Operator, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	op, ok := u.byID[id]
	if !ok {
		return Operator{}, fmt.Errorf("%w: %s", ErrOperatorNotFound, id)
	}
	return *op, nil
}

// SetActive grants or revokes an operator's access. The last active admin
// cannot be revoked.
func (u *Users) SetActive(id string, active bool) (Operator, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.setActiveLocked(id, func(bool) bool { return active })
}

// Toggle flips an operator's access.
func (u *Users) Toggle(id string) (Operator, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.setActiveLocked(id, func(current bool) bool { return !current })
}

func (u *Users) setActiveLocked(id string, next func(current bool) bool) (Operator, error) {
	op, ok := u.byID[id]
	if !ok {
		return Operator{}, fmt.Errorf("%w: %s", ErrOperatorNotFound, id)
	}
	active := next(op.Active)
	if !active && op.Active && op.Role == RoleAdmin && u.activeAdminsLocked() == 1 {
		return Operator{}, ErrLastAdmin
	}
	op.Active = active
	return *op, nil
}

// List returns all operators in registration order.
func (u *Users) List() []Operator {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]Operator, 0, len(u.order))
	for _, id := range u.order {
		out = append(out, *u.byID[id])
	}
	return out
}

func (u *Users) findLocked(badge string) *Operator {
	for _, op := range u.byID {
		if op.Badge == badge {
			return op
		}
	}
	return nil
}

func (u *Users) activeAdminsLocked() int {
	var n int
	for _, op := range u.byID {
		if op.Role == RoleAdmin && op.Active {
			n++
		}
	}
	return n
}

func normalizeBadge(badge string) string {
	return strings.ToLower(strings.TrimSpace(badge))
}
