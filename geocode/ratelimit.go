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

package geocode

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// rateLimiter spaces requests at least interval apart. Requests that
// arrive early wait their turn in arrival order.
type rateLimiter struct {
	clock    clock.Clock
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

func newRateLimiter(clk clock.Clock, requestsPerSecond float64) *rateLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	interval := time.Duration(float64(time.Second) / requestsPerSecond)
	if interval < minInterval {
		interval = minInterval
	}
	return &rateLimiter{clock: clk, interval: interval}
}

func (l *rateLimiter) wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.clock.Now()
	at := l.next
	if at.Before(now) {
		at = now
	}
	l.next = at.Add(l.interval)
	l.mu.Unlock()

	delay := at.Sub(now)
	if delay <= 0 {
		return nil
	}
	timer := l.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type rateLimitedRoundTripper struct {
	http.RoundTripper
	limiter *rateLimiter
}

func (rt rateLimitedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := rt.limiter.wait(req.Context()); err != nil {
		return nil, err
	}
	return rt.RoundTripper.RoundTrip(req)
}

const minInterval = 100 * time.Millisecond
