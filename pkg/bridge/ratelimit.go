/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bridge

import (
	"sync"
	"time"

	log "github.com/Sirupsen/logrus"
	cmap "github.com/streamrail/concurrent-map"
)

// rateLimiter is a token bucket guarding one log call site: burst tokens
// refill one at a time every period. Packet-path error logging must go
// through one of these, or a single misbehaving flow can flood the log.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   int
	burst    int
	period   time.Duration
	lastFill time.Time
}

func newRateLimiter(burst int, period time.Duration) *rateLimiter {
	return &rateLimiter{tokens: burst, burst: burst, period: period, lastFill: time.Now()}
}

// allow reports whether a message may be emitted now, refilling tokens
// for elapsed periods first.
func (r *rateLimiter) allow() bool {
	if r.period <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(r.lastFill); elapsed >= r.period {
		refill := int(elapsed / r.period)
		r.tokens += refill
		if r.tokens > r.burst {
			r.tokens = r.burst
		}
		r.lastFill = now
	}
	if r.tokens <= 0 {
		return false
	}
	r.tokens--
	return true
}

// rateLimitedLog owns one rateLimiter per call site, keyed by an
// arbitrary caller-chosen string. Shared by the poll loop and the
// OpenFlow hook callbacks, both of which may log from the same call site
// concurrently across bridges.
type rateLimitedLog struct {
	site   cmap.ConcurrentMap
	burst  int
	period time.Duration
}

// newRateLimitedLog builds a rate-limited logging capability allowing up
// to burst messages per period at each distinct call site.
func newRateLimitedLog(burst int, period time.Duration) *rateLimitedLog {
	return &rateLimitedLog{site: cmap.New(), burst: burst, period: period}
}

func (l *rateLimitedLog) limiterFor(site string) *rateLimiter {
	if v, ok := l.site.Get(site); ok {
		return v.(*rateLimiter)
	}
	rl := newRateLimiter(l.burst, l.period)
	l.site.SetIfAbsent(site, rl)
	v, _ := l.site.Get(site)
	return v.(*rateLimiter)
}

// Warnf logs at Warn level, at most burst times per period, for the
// given call site.
func (l *rateLimitedLog) Warnf(site, format string, args ...interface{}) {
	if l.limiterFor(site).allow() {
		log.Warnf(format, args...)
	}
}

// Errorf logs at Error level, at most burst times per period, for the
// given call site.
func (l *rateLimitedLog) Errorf(site, format string, args ...interface{}) {
	if l.limiterFor(site).allow() {
		log.Errorf(format, args...)
	}
}
