package fakebackend

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-compat/internal/utils"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAccountExists      = errors.New("account already exists")
	ErrAccountNotFound    = errors.New("account not found")
	ErrBadCredentials     = errors.New("invalid email or password")
	ErrSessionNotFound    = errors.New("session not found")
	ErrTokenInvalid       = errors.New("token is invalid or has expired")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrLastIdentity       = errors.New("cannot unlink the only sign in method")
	ErrEmailNotConfirmed  = errors.New("email not confirmed")
	ErrPasswordMismatched = errors.New("current password is incorrect")
)

// Account is a user record held by a fake backend.
type Account struct {
	ID            string
	Email         string
	EmailVerified bool
	PendingEmail  string
	PasswordHash  []byte
	FirstName     string
	LastName      string
	Name          string
	Image         string
	Metadata      map[string]any
	Identities    []LinkedIdentity
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastSignInAt  time.Time
}

func (a *Account) clone() *Account {
	c := *a
	c.Metadata = utils.CopyMap(a.Metadata)
	c.Identities = append([]LinkedIdentity{}, a.Identities...)
	return &c
}

// HasPassword reports whether the account can sign in with a password.
func (a *Account) HasPassword() bool {
	return len(a.PasswordHash) > 0
}

// LinkedIdentity is an upstream provider account attached to an Account.
type LinkedIdentity struct {
	ID        string
	Provider  string
	Subject   string
	Email     string
	Picture   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionRecord is a server side session.
type SessionRecord struct {
	ID         string
	Token      string
	UserID     string
	Method     string
	Provider   string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
}

// OneTimeToken backs magic links, verification emails, email codes and password resets.
type OneTimeToken struct {
	Token     string
	Code      string
	Purpose   string
	Email     string
	UserID    string
	ExpiresAt time.Time
	seq       uint64
}

// Token purposes.
const (
	PurposeMagicLink    = "magiclink"
	PurposeVerification = "verification"
	PurposeRecovery     = "recovery"
	PurposeEmailChange  = "email_change"
	PurposeSignInCode   = "sign_in_code"
	PurposeLogin        = "login"
)

// NewAccount describes an account to create.
type NewAccount struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Name      string
	Image     string
	Metadata  map[string]any
	Verified  bool
}

// Store is the in-memory account, session and token store shared by the fake backends.
type Store struct {
	accounts   map[string]*Account
	emailIDs   map[string]string
	sessions   map[string]*SessionRecord // keyed by token
	tokens     map[string]*OneTimeToken  // keyed by token
	lock       sync.RWMutex
	nowFunc    func() time.Time
	sessionTTL time.Duration
	tokenTTL   time.Duration
	bcryptCost int
	tokenSeq   uint64
}

// NewStore creates an empty store. Sessions last an hour and one time tokens ten minutes.
func NewStore(nowFunc func() time.Time) *Store {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Store{
		accounts:   make(map[string]*Account),
		emailIDs:   make(map[string]string),
		sessions:   make(map[string]*SessionRecord),
		tokens:     make(map[string]*OneTimeToken),
		nowFunc:    nowFunc,
		sessionTTL: time.Hour,
		tokenTTL:   10 * time.Minute,
		bcryptCost: bcrypt.MinCost,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateAccount registers a new account. The password may be empty for passwordless accounts.
func (st *Store) CreateAccount(na NewAccount) (*Account, error) {
	email := normalizeEmail(na.Email)
	var hash []byte
	if na.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(na.Password), st.bcryptCost)
		if err != nil {
			return nil, errors.Wrap(err, "[Store.CreateAccount] hash password")
		}
		hash = h
	}

	st.lock.Lock()
	defer st.lock.Unlock()
	if _, ok := st.emailIDs[email]; ok {
		return nil, ErrAccountExists
	}
	now := st.nowFunc()
	acc := &Account{
		ID:            uuid.New().String(),
		Email:         email,
		EmailVerified: na.Verified,
		PasswordHash:  hash,
		FirstName:     na.FirstName,
		LastName:      na.LastName,
		Name:          na.Name,
		Image:         na.Image,
		Metadata:      utils.CopyMap(na.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if acc.Metadata == nil {
		acc.Metadata = map[string]any{}
	}
	st.accounts[acc.ID] = acc
	st.emailIDs[email] = acc.ID
	return acc.clone(), nil
}

// Authenticate checks an email and password pair.
func (st *Store) Authenticate(email, password string) (*Account, error) {
	st.lock.RLock()
	id, ok := st.emailIDs[normalizeEmail(email)]
	var acc *Account
	if ok {
		acc = st.accounts[id].clone()
	}
	st.lock.RUnlock()
	if acc == nil || !acc.HasPassword() {
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	return acc, nil
}

// AccountByID returns a copy of the account.
func (st *Store) AccountByID(id string) (*Account, error) {
	st.lock.RLock()
	defer st.lock.RUnlock()
	acc, ok := st.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.clone(), nil
}

// AccountByEmail returns a copy of the account.
func (st *Store) AccountByEmail(email string) (*Account, error) {
	st.lock.RLock()
	defer st.lock.RUnlock()
	id, ok := st.emailIDs[normalizeEmail(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return st.accounts[id].clone(), nil
}

// AccountByPendingEmail returns the account waiting to move to email.
func (st *Store) AccountByPendingEmail(email string) (*Account, error) {
	st.lock.RLock()
	defer st.lock.RUnlock()
	email = normalizeEmail(email)
	for _, acc := range st.accounts {
		if acc.PendingEmail == email {
			return acc.clone(), nil
		}
	}
	return nil, ErrAccountNotFound
}

// UpdateAccount applies fn to the stored account under the write lock.
func (st *Store) UpdateAccount(id string, fn func(*Account) error) (*Account, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	acc, ok := st.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	previous := acc.Email
	if err := fn(acc); err != nil {
		return nil, err
	}
	acc.Email = normalizeEmail(acc.Email)
	if acc.Email != previous {
		if other, taken := st.emailIDs[acc.Email]; taken && other != id {
			acc.Email = previous
			return nil, ErrAccountExists
		}
		delete(st.emailIDs, previous)
		st.emailIDs[acc.Email] = id
	}
	acc.UpdatedAt = st.nowFunc()
	return acc.clone(), nil
}

// SetPassword replaces the account's password hash.
func (st *Store) SetPassword(id, password string) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), st.bcryptCost)
	if err != nil {
		return nil, errors.Wrap(err, "[Store.SetPassword] hash password")
	}
	return st.UpdateAccount(id, func(a *Account) error {
		a.PasswordHash = hash
		return nil
	})
}

// CheckPassword compares password against the account's hash.
func (st *Store) CheckPassword(id, password string) error {
	acc, err := st.AccountByID(id)
	if err != nil {
		return err
	}
	if !acc.HasPassword() || bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(password)) != nil {
		return ErrPasswordMismatched
	}
	return nil
}

// CreateSession starts a session for the account and records the sign in time.
func (st *Store) CreateSession(userID, method, provider string) (*SessionRecord, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	acc, ok := st.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	now := st.nowFunc()
	acc.LastSignInAt = now
	rec := &SessionRecord{
		ID:         uuid.New().String(),
		Token:      randomToken(),
		UserID:     userID,
		Method:     method,
		Provider:   provider,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(st.sessionTTL),
	}
	st.sessions[rec.Token] = rec
	c := *rec
	return &c, nil
}

// SessionByToken returns the live session for token, touching its last seen time.
func (st *Store) SessionByToken(token string) (*SessionRecord, *Account, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	rec, ok := st.sessions[token]
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	now := st.nowFunc()
	if now.After(rec.ExpiresAt) {
		delete(st.sessions, token)
		return nil, nil, ErrSessionNotFound
	}
	acc, ok := st.accounts[rec.UserID]
	if !ok {
		delete(st.sessions, token)
		return nil, nil, ErrSessionNotFound
	}
	rec.LastSeenAt = now
	c := *rec
	return &c, acc.clone(), nil
}

// ExtendSession pushes the session expiry out by the session lifetime.
func (st *Store) ExtendSession(token string) (*SessionRecord, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	rec, ok := st.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	rec.ExpiresAt = st.nowFunc().Add(st.sessionTTL)
	c := *rec
	return &c, nil
}

// RevokeSession deletes one session.
func (st *Store) RevokeSession(token string) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	if _, ok := st.sessions[token]; !ok {
		return ErrSessionNotFound
	}
	delete(st.sessions, token)
	return nil
}

// RevokeUserSessions deletes the user's sessions except keep, and returns how many went.
func (st *Store) RevokeUserSessions(userID, keep string) int {
	st.lock.Lock()
	defer st.lock.Unlock()
	n := 0
	for token, rec := range st.sessions {
		if rec.UserID == userID && token != keep {
			delete(st.sessions, token)
			n++
		}
	}
	return n
}

// SessionCount returns the number of live sessions for the user.
func (st *Store) SessionCount(userID string) int {
	st.lock.RLock()
	defer st.lock.RUnlock()
	n := 0
	for _, rec := range st.sessions {
		if rec.UserID == userID {
			n++
		}
	}
	return n
}

// IssueToken creates a one time token, with a six digit code alongside it.
func (st *Store) IssueToken(purpose, email, userID string) *OneTimeToken {
	st.lock.Lock()
	defer st.lock.Unlock()
	st.tokenSeq++
	t := &OneTimeToken{
		Token:     randomToken(),
		Code:      randomCode(),
		Purpose:   purpose,
		Email:     normalizeEmail(email),
		UserID:    userID,
		ExpiresAt: st.nowFunc().Add(st.tokenTTL),
		seq:       st.tokenSeq,
	}
	st.tokens[t.Token] = t
	c := *t
	return &c
}

// ConsumeToken redeems a token whose purpose is one of purposes.
func (st *Store) ConsumeToken(token string, purposes ...string) (*OneTimeToken, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	t, ok := st.tokens[token]
	if !ok || !purposeIn(t.Purpose, purposes) {
		return nil, ErrTokenInvalid
	}
	delete(st.tokens, token)
	if st.nowFunc().After(t.ExpiresAt) {
		return nil, ErrTokenInvalid
	}
	return t, nil
}

// ConsumeCode redeems the six digit code issued to email for one of purposes.
func (st *Store) ConsumeCode(email, code string, purposes ...string) (*OneTimeToken, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	email = normalizeEmail(email)
	for token, t := range st.tokens {
		if t.Email != email || t.Code != code || !purposeIn(t.Purpose, purposes) {
			continue
		}
		delete(st.tokens, token)
		if st.nowFunc().After(t.ExpiresAt) {
			return nil, ErrTokenInvalid
		}
		return t, nil
	}
	return nil, ErrTokenInvalid
}

// LatestToken returns the most recently issued unexpired token for email and purpose. Tests use it
// in place of reading the outgoing email.
func (st *Store) LatestToken(email, purpose string) (*OneTimeToken, bool) {
	st.lock.RLock()
	defer st.lock.RUnlock()
	email = normalizeEmail(email)
	var found []*OneTimeToken
	for _, t := range st.tokens {
		if t.Email == email && t.Purpose == purpose {
			found = append(found, t)
		}
	}
	if len(found) == 0 {
		return nil, false
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq > found[j].seq })
	c := *found[0]
	return &c, true
}

// LinkIdentity attaches a provider identity, or refreshes it when already linked.
func (st *Store) LinkIdentity(userID string, identity LinkedIdentity) (*Account, error) {
	return st.UpdateAccount(userID, func(a *Account) error {
		now := st.nowFunc()
		for i := range a.Identities {
			if a.Identities[i].Provider == identity.Provider && a.Identities[i].Subject == identity.Subject {
				a.Identities[i].UpdatedAt = now
				return nil
			}
		}
		if identity.ID == "" {
			identity.ID = uuid.New().String()
		}
		identity.CreatedAt, identity.UpdatedAt = now, now
		a.Identities = append(a.Identities, identity)
		return nil
	})
}

// UnlinkIdentity removes the identity with id, refusing to remove the only sign in method.
func (st *Store) UnlinkIdentity(userID, id string) (*Account, error) {
	return st.UpdateAccount(userID, func(a *Account) error {
		for i := range a.Identities {
			if a.Identities[i].ID != id && a.Identities[i].Subject != id {
				continue
			}
			if len(a.Identities) == 1 && !a.HasPassword() {
				return ErrLastIdentity
			}
			a.Identities = append(a.Identities[:i], a.Identities[i+1:]...)
			return nil
		}
		return ErrIdentityNotFound
	})
}

// FindByIdentity returns the account holding the provider identity.
func (st *Store) FindByIdentity(provider, subject string) (*Account, error) {
	st.lock.RLock()
	defer st.lock.RUnlock()
	for _, acc := range st.accounts {
		for _, id := range acc.Identities {
			if id.Provider == provider && id.Subject == subject {
				return acc.clone(), nil
			}
		}
	}
	return nil, ErrAccountNotFound
}

func purposeIn(purpose string, purposes []string) bool {
	if len(purposes) == 0 {
		return true
	}
	for _, p := range purposes {
		if p == purpose {
			return true
		}
	}
	return false
}

func randomToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func randomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%06d", n.Int64())
}
