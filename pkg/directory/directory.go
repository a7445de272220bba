// Package directory holds the in-memory user directory: one record per
// registered account with its authentication state, blocklist and offline
// message queue. Accounts are loaded from the credential store at startup and
// never deleted during the process lifetime.
package directory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parleychat/parley/pkg/credstore"
	"github.com/parleychat/parley/pkg/protocol"
)

// State is the authentication state of an account
type State int

const (
	StateOffline State = iota
	StateOnline
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "ONLINE"
	case StateBlocked:
		return "BLOCKED"
	default:
		return "OFFLINE"
	}
}

// maxFailedAttempts is the number of consecutive wrong passwords that trips
// the timed block
const maxFailedAttempts = 3

// User is one directory record. All fields are guarded by the Directory
// mutex; callers never hold a *User across operations.
type User struct {
	Username       string
	password       string
	State          State
	FailedAttempts int
	BlockedAt      time.Time
	LastLogin      time.Time
	blocklist      map[string]bool
	offline        []*protocol.Envelope
}

func newUser(username, password string) *User {
	return &User{
		Username:  username,
		password:  password,
		State:     StateOffline,
		blocklist: make(map[string]bool),
	}
}

// LoginResult is the outcome of a login attempt
type LoginResult int

const (
	LoginSuccess LoginResult = iota
	LoginUnknownUser
	LoginStillBlocked
	LoginAlreadyOnline
	LoginWrongPassword
	LoginNowBlocked
)

// Block/unblock outcomes
type BlocklistResult int

const (
	BlocklistOK BlocklistResult = iota
	BlocklistSelf
	BlocklistUnknownUser
	BlocklistNotBlocked
)

// Directory is the process-wide account table. Every logical
// read-modify-write (login, register, block, queue append/drain) runs as a
// single critical section so two sessions can never both win the same
// account or corrupt a queue.
type Directory struct {
	mu            sync.RWMutex
	users         map[string]*User
	store         *credstore.Store
	blockDuration time.Duration
}

// New loads the credential store and builds the directory
func New(store *credstore.Store, blockDuration time.Duration) (*Directory, error) {
	creds, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	users := make(map[string]*User, len(creds))
	for username, password := range creds {
		users[username] = newUser(username, password)
	}

	return &Directory{
		users:         users,
		store:         store,
		blockDuration: blockDuration,
	}, nil
}

// Login evaluates one authentication attempt. The ONLINE check and the
// transition to ONLINE happen under the same lock, so at most one session
// ever binds an account.
func (d *Directory) Login(username, password string, now time.Time) LoginResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[username]
	if !ok {
		return LoginUnknownUser
	}

	if user.State == StateBlocked {
		if now.Sub(user.BlockedAt) < d.blockDuration {
			return LoginStillBlocked
		}
		// Cooldown elapsed: clear the block and give the account a fresh
		// set of attempts before re-evaluating the password.
		user.State = StateOffline
		user.FailedAttempts = 0
	}

	if user.State == StateOnline {
		return LoginAlreadyOnline
	}

	if user.password != password {
		user.FailedAttempts++
		if user.FailedAttempts >= maxFailedAttempts {
			user.State = StateBlocked
			user.BlockedAt = now
			return LoginNowBlocked
		}
		return LoginWrongPassword
	}

	user.FailedAttempts = 0
	user.State = StateOnline
	user.LastLogin = now
	return LoginSuccess
}

// Register creates a new account, persists it to the credential store and
// brings it ONLINE immediately (the registering session is its live binding).
func (d *Directory) Register(username, password string, now time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.users[username]; exists {
		return false, nil
	}

	if err := d.store.Append(username, password); err != nil {
		return false, fmt.Errorf("failed to persist credential: %w", err)
	}

	user := newUser(username, password)
	user.State = StateOnline
	user.LastLogin = now
	d.users[username] = user
	return true, nil
}

// Logout moves an account back to OFFLINE
func (d *Directory) Logout(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if user, ok := d.users[username]; ok && user.State == StateOnline {
		user.State = StateOffline
	}
}

// Exists reports whether an account is registered
func (d *Directory) Exists(username string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.users[username]
	return ok
}

// StateOf returns the authentication state of an account
func (d *Directory) StateOf(username string) State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if user, ok := d.users[username]; ok {
		return user.State
	}
	return StateOffline
}

// Block adds target to requester's blocklist
func (d *Directory) Block(requester, target string) BlocklistResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if requester == target {
		return BlocklistSelf
	}
	if _, ok := d.users[target]; !ok {
		return BlocklistUnknownUser
	}
	user, ok := d.users[requester]
	if !ok {
		return BlocklistUnknownUser
	}

	user.blocklist[target] = true
	return BlocklistOK
}

// Unblock removes target from requester's blocklist
func (d *Directory) Unblock(requester, target string) BlocklistResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if requester == target {
		return BlocklistSelf
	}
	if _, ok := d.users[target]; !ok {
		return BlocklistUnknownUser
	}

	user, ok := d.users[requester]
	if !ok {
		return BlocklistUnknownUser
	}
	if !user.blocklist[target] {
		return BlocklistNotBlocked
	}

	delete(user.blocklist, target)
	return BlocklistOK
}

// HasBlocked reports whether owner has sender in their blocklist
func (d *Directory) HasBlocked(owner, sender string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, ok := d.users[owner]
	return ok && user.blocklist[sender]
}

// QueueOffline appends an envelope to target's offline queue. Returns false
// when the target is not registered.
func (d *Directory) QueueOffline(target string, env *protocol.Envelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[target]
	if !ok {
		return false
	}
	user.offline = append(user.offline, env)
	return true
}

// DrainOffline removes and returns all queued envelopes in enqueue order.
// The read is destructive: once drained, the messages are gone.
func (d *Directory) DrainOffline(username string) []*protocol.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[username]
	if !ok || len(user.offline) == 0 {
		return nil
	}

	queued := user.offline
	user.offline = nil
	return queued
}

// OfflineCount returns the number of queued envelopes for an account
func (d *Directory) OfflineCount(username string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if user, ok := d.users[username]; ok {
		return len(user.offline)
	}
	return 0
}

// UsersSince enumerates the full directory for accounts whose last login is
// at or after the given instant, excluding the requester and anyone who has
// the requester blocklisted. Usernames come back sorted.
func (d *Directory) UsersSince(requester string, since time.Time) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var names []string
	for username, user := range d.users {
		if username == requester || user.blocklist[requester] {
			continue
		}
		if !user.LastLogin.IsZero() && !user.LastLogin.Before(since) {
			names = append(names, username)
		}
	}

	sort.Strings(names)
	return names
}
