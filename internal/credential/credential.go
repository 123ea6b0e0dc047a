// Package credential manages the pool of paint credentials: issuance,
// cooldown accounting, invalidation, and periodic refresh.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/paintgrid/painter/internal/config"
)

// Credential is one configured (uid, access_key) identity with its issued
// token and usage bookkeeping (§3).
type Credential struct {
	UID         int
	AccessKey   string
	Token       [16]byte
	HasToken    bool
	IssuedAt    time.Time
	InvalidCount int
	FailCount   int
	lastUse     time.Time
	invalid     bool
}

// Issuer issues a token for one credential over HTTP.
type Issuer interface {
	Issue(ctx context.Context, uid int, accessKey string) ([16]byte, error)
}

// HTTPIssuer posts to the remote auth endpoint (§6).
type HTTPIssuer struct {
	Client  *http.Client
	AuthURL string
}

type authRequest struct {
	UID       int    `json:"uid"`
	AccessKey string `json:"access_key"`
}

// Issue posts {"uid","access_key"} and decodes a token that may be nested
// under "token", "data.token" or "result.token", as a UUID string with or
// without hyphens (§6).
func (h *HTTPIssuer) Issue(ctx context.Context, uid int, accessKey string) ([16]byte, error) {
	var zero [16]byte

	body, err := json.Marshal(authRequest{UID: uid, AccessKey: accessKey})
	if err != nil {
		return zero, fmt.Errorf("encoding auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.AuthURL, strings.NewReader(string(body)))
	if err != nil {
		return zero, fmt.Errorf("building auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("auth request: unexpected status %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return zero, fmt.Errorf("decoding auth response: %w", err)
	}

	tokenStr, ok := extractToken(payload)
	if !ok {
		return zero, fmt.Errorf("auth response did not contain a token")
	}

	id, err := uuid.Parse(tokenStr)
	if err != nil {
		return zero, fmt.Errorf("parsing token %q: %w", tokenStr, err)
	}
	return [16]byte(id), nil
}

func extractToken(payload map[string]any) (string, bool) {
	if v, ok := payload["token"].(string); ok {
		return v, true
	}
	for _, wrapper := range []string{"data", "result"} {
		if inner, ok := payload[wrapper].(map[string]any); ok {
			if v, ok := inner["token"].(string); ok {
				return v, true
			}
		}
	}
	return "", false
}

// Manager holds the credential set and implements issuance, readiness,
// invalidation and refresh (§4.6).
type Manager struct {
	issuer Issuer
	logger *slog.Logger

	workers         int
	maxEnabled      int
	refreshInterval time.Duration

	mu          sync.Mutex
	credentials map[int]*Credential
	order       []int // stable iteration order, by configured uid order

	refreshQueue chan int
	stop         chan struct{}
	stopOnce     sync.Once
}

// New creates a Manager for the given users.
func New(issuer Issuer, logger *slog.Logger, users []config.User, workers int, maxEnabled int, refreshInterval time.Duration) *Manager {
	if workers < 1 {
		workers = 1
	}
	m := &Manager{
		issuer:          issuer,
		logger:          logger,
		workers:         workers,
		maxEnabled:      maxEnabled,
		refreshInterval: refreshInterval,
		credentials:     make(map[int]*Credential, len(users)),
		refreshQueue:    make(chan int, 1024),
		stop:            make(chan struct{}),
	}
	for _, u := range users {
		m.credentials[u.UID] = &Credential{UID: u.UID, AccessKey: u.AccessKey}
		m.order = append(m.order, u.UID)
	}
	return m
}

// enabledUIDs returns the configured uids subject to maxEnabled (§6:
// "max_enabled_tokens, default 0 means no cap"): when the cap is set,
// only the first maxEnabled uids in configured order are ever issued,
// refreshed, or offered as ready, so the remainder stay dormant
// regardless of cooldown state.
func (m *Manager) enabledUIDs() []int {
	if m.maxEnabled <= 0 || m.maxEnabled >= len(m.order) {
		return append([]int(nil), m.order...)
	}
	return append([]int(nil), m.order[:m.maxEnabled]...)
}

// IssueAll issues tokens for every enabled credential (see enabledUIDs) in parallel,
// bounded by the configured worker count, retrying transient failures up
// to five times with exponential backoff capped at 10s (§4.6, §5).
func (m *Manager) IssueAll(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(m.workers))
	var wg sync.WaitGroup

	m.mu.Lock()
	uids := m.enabledUIDs()
	m.mu.Unlock()

	for _, uid := range uids {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			defer sem.Release(1)
			m.issueWithRetry(ctx, uid)
		}(uid)
	}
	wg.Wait()

	if m.ActiveCount() == 0 {
		return fmt.Errorf("no credentials could be issued")
	}
	return nil
}

func (m *Manager) issueWithRetry(ctx context.Context, uid int) {
	m.mu.Lock()
	cred, ok := m.credentials[uid]
	m.mu.Unlock()
	if !ok {
		return
	}

	delay := 500 * time.Millisecond
	const maxDelay = 10 * time.Second
	const maxAttempts = 5

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		token, err := m.issuer.Issue(ctx, cred.UID, cred.AccessKey)
		if err == nil {
			m.mu.Lock()
			cred.Token = token
			cred.HasToken = true
			cred.IssuedAt = time.Now()
			cred.invalid = false
			cred.FailCount = 0
			m.mu.Unlock()
			return
		}

		if m.logger != nil {
			m.logger.Warn("token issuance attempt failed", "uid", uid, "attempt", attempt, "error", err)
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	m.mu.Lock()
	cred.invalid = true
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Error("credential marked invalid after repeated issuance failure", "uid", uid)
	}
}

// ReadyCredentials returns the uids whose cooldown has elapsed and which
// are not invalid, sorted by ascending last-use time (most-rested first,
// §4.9 step 1).
func (m *Manager) ReadyCredentials(now time.Time, cooldown time.Duration) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	type entry struct {
		uid     int
		lastUse time.Time
	}
	var ready []entry
	for _, uid := range m.enabledUIDs() {
		c := m.credentials[uid]
		if c.invalid || !c.HasToken {
			continue
		}
		if now.Sub(c.lastUse) < cooldown {
			continue
		}
		ready = append(ready, entry{uid, c.lastUse})
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].lastUse.Before(ready[j].lastUse)
	})

	uids := make([]int, len(ready))
	for i, e := range ready {
		uids[i] = e.uid
	}
	return uids
}

// MarkUsed records that uid's credential was just spent, starting its
// cooldown from the enqueue instant rather than from any server
// confirmation (§4.6, §5).
func (m *Manager) MarkUsed(uid int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credentials[uid]; ok {
		c.lastUse = now
	}
}

// MarkInvalid marks uid for immediate refresh, called on a 0xed paint
// result (§4.6, §7).
func (m *Manager) MarkInvalid(uid int) {
	m.mu.Lock()
	if c, ok := m.credentials[uid]; ok {
		c.invalid = true
		c.InvalidCount++
	}
	m.mu.Unlock()

	select {
	case m.refreshQueue <- uid:
	default:
		if m.logger != nil {
			m.logger.Warn("refresh queue full, dropping refresh request", "uid", uid)
		}
	}
}

// ResetFailCount is called on a successful paint result to reset a
// credential's consecutive-failure counter.
func (m *Manager) ResetFailCount(uid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credentials[uid]; ok {
		c.FailCount = 0
	}
}

// RecordFailure increments a credential's consecutive-failure counter.
func (m *Manager) RecordFailure(uid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credentials[uid]; ok {
		c.FailCount++
	}
}

// ActiveCount returns the number of credentials currently holding a valid
// token and not marked invalid.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.credentials {
		if c.HasToken && !c.invalid {
			n++
		}
	}
	return n
}

// Token returns the decoded token for uid, if known.
func (m *Manager) Token(uid int) ([16]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[uid]
	if !ok || !c.HasToken {
		return [16]byte{}, false
	}
	return c.Token, true
}

// RunRefreshLoop drains invalid-uid refresh requests as they arrive and
// also performs a full refresh every refreshInterval (§4.6). It blocks
// until ctx is cancelled or Stop is called.
func (m *Manager) RunRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case uid := <-m.refreshQueue:
			m.issueWithRetry(ctx, uid)
		case <-ticker.C:
			m.refreshAll(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) refreshAll(ctx context.Context) {
	m.mu.Lock()
	uids := m.enabledUIDs()
	m.mu.Unlock()

	sem := semaphore.NewWeighted(int64(m.workers))
	var wg sync.WaitGroup
	for _, uid := range uids {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			defer sem.Release(1)
			m.issueWithRetry(ctx, uid)
		}(uid)
	}
	wg.Wait()
}

// Stop halts the refresh loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
