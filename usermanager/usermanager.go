// Package usermanager implements account management applied through the
// replicated log: Register creates an account, Login validates
// credentials and mints a session-scoped uuid, Logout invalidates one.
// Grounded on the original's UserManager (driven from
// ins_node_impl.cc's kLogin/kLogout/kRegister apply cases).
package usermanager

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/nexuskv/nexus/pkg/xlog"
	"github.com/nexuskv/nexus/store"
)

var logger = xlog.NewLogger("usermanager", xlog.INFO)

// Status mirrors store.Status's taxonomy for the subset of outcomes
// account operations can produce.
type Status = store.Status

const (
	Ok          = store.Ok
	NotFound    = store.NotFound
	UnknownUser = store.UnknownUser
	Error       = store.Error
)

type account struct {
	username string
	passwd   string
}

// Manager is the account table plus the uuid -> username map of
// currently logged-in sessions. It is applied to only from the Apply
// Worker, like store.Store.
type Manager struct {
	mu       sync.Mutex
	accounts map[string]*account // username -> account
	loggedIn map[string]string   // uuid -> username
}

// NewManager returns an empty account table with no registered users,
// matching a fresh cluster (the root account, if any, is provisioned by
// a Register entry like any other).
func NewManager() *Manager {
	return &Manager{
		accounts: make(map[string]*account),
		loggedIn: make(map[string]string),
	}
}

// CalcUUID derives the session uuid the leader assigns a Login entry's
// user field before logging it, so every replica computes the same
// value deterministically from (username, passwd) — grounded on
// UserManager::CalcUuid.
func CalcUUID(username, passwd string) string {
	h := sha256.Sum256([]byte(username + "\x00" + passwd))
	return hex.EncodeToString(h[:16])
}

// IsValidUser reports whether username has a registered account.
func (m *Manager) IsValidUser(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[username]
	return ok
}

// IsLoggedIn reports whether uuid is a currently active session.
func (m *Manager) IsLoggedIn(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loggedIn[uuid]
	return ok
}

// UsernameFromUUID resolves a logged-in uuid back to its username, or
// "" if uuid is not logged in.
func (m *Manager) UsernameFromUUID(uuid string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn[uuid]
}

// Register creates username's account. Re-registering an existing
// username overwrites its password, matching the original (no
// "already exists" rejection at apply time — Register is idempotent).
func (m *Manager) Register(username, passwd string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[username] = &account{username: username, passwd: passwd}
	logger.Infof("registered account %s", username)
	return Ok
}

// Login validates (username, passwd) and, on success, marks uuid as
// logged in. uuid is computed by the leader via CalcUUID before the
// entry is logged, so every replica applies the identical mapping.
func (m *Manager) Login(username, passwd, uuid string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[username]
	if !ok {
		return UnknownUser
	}
	if acc.passwd != passwd {
		return Error
	}
	m.loggedIn[uuid] = username
	logger.Infof("login ok, user=%s uuid=%s", username, uuid)
	return Ok
}

// Logout invalidates uuid. Logging out a uuid that isn't live is not an
// error, matching the original's unconditional erase.
func (m *Manager) Logout(uuid string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loggedIn, uuid)
	return Ok
}
