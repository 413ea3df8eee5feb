// stores.go
//
// Shared in-memory fakes of the Postgres store, the Redis cache, and the rate limiter.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MGallo-Code/persona/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// MemStore implements every PostgresStore method the services and handlers use.
// Always stateful...every conditional UPDATE is emulated under one mutex, so
// concurrency tests see the same single-winner behaviour as the real store.
// Use *Err fields to inject errors for specific operations.
type MemStore struct {
	// Error injection...zero value means no error
	GetUserErr          error
	CreateUserErr       error
	CreateSessionErr    error
	GetSessionErr       error
	DeleteSessionErr    error
	InsertNonceErr      error
	ConsumeNonceErr     error
	AddCreditsErr       error
	DeductCreditsErr    error
	CreatePaymentErr    error
	ConfirmPaymentErr   error
	CreateRedemptionErr error
	HealthErr           error

	mu          sync.Mutex
	nextID      int64
	users       map[int64]*store.User
	sessions    map[string]*store.Session // keyed by string(tokenHash)
	nonces      map[string]*store.Nonce
	payments    map[string]*store.Payment // keyed by reference
	redemptions map[uuid.UUID]*store.Redemption
}

// NewMemStore returns an empty MemStore ready for use.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[int64]*store.User),
		sessions:    make(map[string]*store.Session),
		nonces:      make(map[string]*store.Nonce),
		payments:    make(map[string]*store.Payment),
		redemptions: make(map[uuid.UUID]*store.Redemption),
	}
}

// --- Test helpers ---

// SeedUser inserts a user with the given balance and returns a copy.
func (m *MemStore) SeedUser(credits int64) *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.insertUserLocked(credits)
	cp := *u
	return &cp
}

// SeedWalletUser inserts a user owning wallet and returns a copy.
func (m *MemStore) SeedWalletUser(wallet string, credits int64) *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.insertUserLocked(credits)
	u.WalletAddress = &wallet
	cp := *u
	return &cp
}

// SetMessagesReceived overwrites a user's received-message counter.
func (m *MemStore) SetMessagesReceived(userID, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.CharacterMessagesReceived = n
	}
}

// User returns a snapshot of the user, or nil.
func (m *MemStore) User(id int64) *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// SeedPayment inserts p as-is.
func (m *MemStore) SeedPayment(p store.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.payments[p.Reference] = &p
}

// Payment returns a snapshot of the payment, or nil.
func (m *MemStore) Payment(reference string) *store.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[reference]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Redemption returns a snapshot of the redemption, or nil.
func (m *MemStore) Redemption(id uuid.UUID) *store.Redemption {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.redemptions[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// SessionCount returns the number of stored sessions.
func (m *MemStore) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Nonce returns a snapshot of the nonce, or nil.
func (m *MemStore) Nonce(value string) *store.Nonce {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nonces[value]
	if !ok {
		return nil
	}
	cp := *n
	return &cp
}

func (m *MemStore) insertUserLocked(credits int64) *store.User {
	m.nextID++
	now := time.Now()
	u := &store.User{ID: m.nextID, Credits: credits, CreatedAt: now, UpdatedAt: now}
	m.users[u.ID] = u
	return u
}

func (m *MemStore) CheckHealth(_ context.Context) error {
	return m.HealthErr
}

// --- Users ---

func (m *MemStore) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	if u := m.User(id); u != nil {
		return u, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *MemStore) GetUserByWallet(_ context.Context, wallet string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.WalletAddress != nil && *u.WalletAddress == wallet {
			cp := *u
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MemStore) CreateWalletUser(_ context.Context, wallet string, credits int64) (*store.User, error) {
	if m.CreateUserErr != nil {
		return nil, m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.walletOwnerLocked(wallet) != 0 {
		return nil, store.ErrWalletTaken
	}
	u := m.insertUserLocked(credits)
	u.WalletAddress = &wallet
	cp := *u
	return &cp, nil
}

func (m *MemStore) UpsertWorldIDUser(_ context.Context, worldID string, credits int64) (*store.User, bool, error) {
	if m.CreateUserErr != nil {
		return nil, false, m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.WorldID != nil && *u.WorldID == worldID {
			cp := *u
			return &cp, false, nil
		}
	}
	u := m.insertUserLocked(credits)
	u.WorldID = &worldID
	cp := *u
	return &cp, true, nil
}

func (m *MemStore) LinkWallet(_ context.Context, userID int64, wallet string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	if u.WalletAddress != nil {
		return nil, store.ErrWalletAlreadyLinked
	}
	if m.walletOwnerLocked(wallet) != 0 {
		return nil, store.ErrWalletTaken
	}
	u.WalletAddress = &wallet
	cp := *u
	return &cp, nil
}

func (m *MemStore) TouchUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		now := time.Now()
		u.LastActiveAt = &now
	}
	return nil
}

func (m *MemStore) walletOwnerLocked(wallet string) int64 {
	for _, u := range m.users {
		if u.WalletAddress != nil && *u.WalletAddress == wallet {
			return u.ID
		}
	}
	return 0
}

// --- Sessions ---

func (m *MemStore) CreateSession(_ context.Context, id uuid.UUID, userID int64, tokenHash []byte, expiresAt time.Time, ip *string, userAgent *string) ([][]byte, error) {
	if m.CreateSessionErr != nil {
		return nil, m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var replaced [][]byte
	for key, s := range m.sessions {
		if s.UserID == userID {
			replaced = append(replaced, s.TokenHash)
			delete(m.sessions, key)
		}
	}
	m.sessions[string(tokenHash)] = &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
	}
	return replaced, nil
}

func (m *MemStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[string(tokenHash)]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.sessions, string(tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MemStore) CleanupExpiredSessions(_ context.Context, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	var n int64
	for key, s := range m.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(m.sessions, key)
			n++
		}
	}
	return n, nil
}

// --- Nonces ---

func (m *MemStore) InsertNonce(_ context.Context, n store.Nonce) error {
	if m.InsertNonceErr != nil {
		return m.InsertNonceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[n.Value] = &n
	return nil
}

func (m *MemStore) ConsumeNonce(_ context.Context, value string, now time.Time) (bool, error) {
	if m.ConsumeNonceErr != nil {
		return false, m.ConsumeNonceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nonces[value]
	if !ok || n.Used || !n.ExpiresAt.After(now) {
		return false, nil
	}
	n.Used = true
	return true, nil
}

func (m *MemStore) DeleteExpiredNonces(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for v, nonce := range m.nonces {
		if nonce.ExpiresAt.Before(before) {
			delete(m.nonces, v)
			n++
		}
	}
	return n, nil
}

// --- Credits ---

func (m *MemStore) GetCredits(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	return u.Credits, nil
}

func (m *MemStore) DeductCredits(_ context.Context, userID, amount int64) (int64, error) {
	if m.DeductCreditsErr != nil {
		return 0, m.DeductCreditsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deductLocked(userID, amount)
}

func (m *MemStore) AddCredits(_ context.Context, userID, amount int64) (int64, error) {
	if m.AddCreditsErr != nil {
		return 0, m.AddCreditsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(userID, amount)
}

func (m *MemStore) ChargeMessage(_ context.Context, senderID, creatorID, cost int64) (int64, error) {
	if m.DeductCreditsErr != nil {
		return 0, m.DeductCreditsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	creator, ok := m.users[creatorID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	bal, err := m.deductLocked(senderID, cost)
	if err != nil {
		return 0, err
	}
	creator.CharacterMessagesReceived++
	return bal, nil
}

func (m *MemStore) deductLocked(userID, amount int64) (int64, error) {
	u, ok := m.users[userID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	if u.Credits < amount {
		return 0, store.ErrInsufficientCredits
	}
	u.Credits -= amount
	u.CreditsSpent += amount
	return u.Credits, nil
}

func (m *MemStore) addLocked(userID, amount int64) (int64, error) {
	u, ok := m.users[userID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	u.Credits += amount
	return u.Credits, nil
}

// --- Payments ---

func (m *MemStore) CreatePayment(_ context.Context, p *store.Payment) error {
	if m.CreatePaymentErr != nil {
		return m.CreatePaymentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Status = store.PaymentPending
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.payments[p.Reference] = &cp
	return nil
}

func (m *MemStore) GetPaymentByReference(_ context.Context, reference string) (*store.Payment, error) {
	if p := m.Payment(reference); p != nil {
		return p, nil
	}
	return nil, store.ErrPaymentNotFound
}

func (m *MemStore) RecordTransaction(_ context.Context, reference string, d store.TransactionDetails) (*store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pendingPaymentLocked(reference)
	if err != nil {
		return nil, err
	}
	applyDetails(p, d)
	cp := *p
	return &cp, nil
}

func (m *MemStore) FailPayment(_ context.Context, reference string, d store.TransactionDetails) (*store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pendingPaymentLocked(reference)
	if err != nil {
		return nil, err
	}
	applyDetails(p, d)
	p.Status = store.PaymentFailed
	cp := *p
	return &cp, nil
}

func (m *MemStore) ConfirmPayment(_ context.Context, reference string, d store.TransactionDetails) (*store.ConfirmedPayment, error) {
	if m.ConfirmPaymentErr != nil {
		return nil, m.ConfirmPaymentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pendingPaymentLocked(reference)
	if err != nil {
		return nil, err
	}
	bal, err := m.addLocked(p.UserID, p.CreditsAmount)
	if err != nil {
		return nil, err
	}
	applyDetails(p, d)
	p.Status = store.PaymentConfirmed
	return &store.ConfirmedPayment{Payment: *p, NewBalance: bal}, nil
}

func (m *MemStore) ListPaymentsByUser(_ context.Context, userID int64, status string) ([]store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Payment
	for _, p := range m.payments {
		if p.UserID == userID && (status == "" || p.Status == status) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) pendingPaymentLocked(reference string) (*store.Payment, error) {
	p, ok := m.payments[reference]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	if p.Status != store.PaymentPending {
		return nil, store.ErrPaymentNotPending
	}
	return p, nil
}

func applyDetails(p *store.Payment, d store.TransactionDetails) {
	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&p.TransactionID, d.TransactionID)
	set(&p.TransactionHash, d.TransactionHash)
	set(&p.Chain, d.Chain)
	set(&p.SenderAddress, d.SenderAddress)
	p.UpdatedAt = time.Now()
}

// --- Redemptions ---

func (m *MemStore) CreateRedemption(_ context.Context, r *store.Redemption, multiplier int64) (int64, error) {
	if m.CreateRedemptionErr != nil {
		return 0, m.CreateRedemptionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[r.UserID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	if u.CharacterMessagesReceived*multiplier-u.TokensRedeemed < r.Amount {
		return 0, store.ErrInsufficientRedeemable
	}
	u.TokensRedeemed += r.Amount
	cp := *r
	cp.Status = store.RedemptionPending
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.redemptions[r.ID] = &cp
	return u.TokensRedeemed, nil
}

func (m *MemStore) GetRedemption(_ context.Context, id uuid.UUID) (*store.Redemption, error) {
	if r := m.Redemption(id); r != nil {
		return r, nil
	}
	return nil, store.ErrRedemptionNotFound
}

func (m *MemStore) FinalizeRedemption(_ context.Context, id uuid.UUID, status string, txHash *string) (*store.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.redemptions[id]
	if !ok {
		return nil, store.ErrRedemptionNotFound
	}
	if r.Status != store.RedemptionPending {
		return nil, store.ErrRedemptionNotPending
	}
	r.Status = status
	if txHash != nil {
		r.TransactionHash = txHash
	}
	r.UpdatedAt = time.Now()
	if status == store.RedemptionFailed {
		if u, ok := m.users[r.UserID]; ok {
			u.TokensRedeemed = max(u.TokensRedeemed-r.Amount, 0)
		}
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) ListRedemptionsByUser(_ context.Context, userID int64, status string) ([]store.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Redemption
	for _, r := range m.redemptions {
		if r.UserID == userID && (status == "" || r.Status == status) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MockCache implements the session cache and registration tickets for tests.
// Always stateful...Sessions is a map, like a real cache.
// Use *Err fields to inject errors for specific operations.
type MockCache struct {
	// Error injection...zero value means no error
	GetSessionErr        error
	SetSessionErr        error
	DeleteSessionErr     error
	DeleteAllSessionsErr error
	RegistrationErr      error
	HealthErr            error

	Sessions map[string]*store.CachedSession // keyed by base64 token hash
	Tickets  map[string]string               // ticket -> wallet

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{
		Sessions: make(map[string]*store.CachedSession),
		Tickets:  make(map[string]string),
	}
}

func (m *MockCache) CheckHealth(_ context.Context) error {
	return m.HealthErr
}

func (m *MockCache) GetSession(_ context.Context, tokenHash string) (*store.CachedSession, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[tokenHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	cp := *s
	return &cp, nil
}

func (m *MockCache) SetSession(_ context.Context, tokenHash string, sessionData store.Session, ttl int) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sessions == nil {
		m.Sessions = make(map[string]*store.CachedSession)
	}
	m.Sessions[tokenHash] = &store.CachedSession{
		UserID:    sessionData.UserID,
		ExpiresAt: sessionData.ExpiresAt,
	}
	return nil
}

func (m *MockCache) DeleteSession(_ context.Context, tokenHash string, userID int64) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, tokenHash)
	return nil
}

func (m *MockCache) DeleteAllUserSessions(_ context.Context, userID int64) error {
	if m.DeleteAllSessionsErr != nil {
		return m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *MockCache) SetRegistration(_ context.Context, ticket, wallet string, ttl time.Duration) error {
	if m.RegistrationErr != nil {
		return m.RegistrationErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Tickets == nil {
		m.Tickets = make(map[string]string)
	}
	m.Tickets[ticket] = wallet
	return nil
}

func (m *MockCache) ConsumeRegistration(_ context.Context, ticket string) (string, error) {
	if m.RegistrationErr != nil {
		return "", m.RegistrationErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet, ok := m.Tickets[ticket]
	if !ok {
		return "", store.ErrTicketNotFound
	}
	delete(m.Tickets, ticket)
	return wallet, nil
}

// MockRateLimiter counts attempts per key and enforces MaxAttempts.
// Set Err to force every call to fail.
type MockRateLimiter struct {
	Err error

	mu     sync.Mutex
	counts map[string]int
}

func (m *MockRateLimiter) Allow(_ context.Context, key string, policy store.RateLimit) error {
	if m.Err != nil {
		return m.Err
	}
	if policy.MaxAttempts <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[key]++
	if m.counts[key] > policy.MaxAttempts {
		return store.ErrRateLimitExceeded
	}
	return nil
}
