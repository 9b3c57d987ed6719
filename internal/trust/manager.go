package trust

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sensitiveValueFragments mark parameter values that force confirmation even
// for whitelisted tools on trusted servers.
var sensitiveValueFragments = []string{
	"password", "token", "key", "secret", "credential", "auth",
}

// sensitivePathFragments mirror the risk assessor's sensitive path list for
// the trust layer's independent path screen.
var sensitivePathFragments = []string{
	"/etc/", "/sys/", "/proc/", "/root/", "system32",
	".ssh", ".aws", ".gnupg", "id_rsa", ".pem",
	"passwd", "shadow", ".env",
}

// Manager owns the server trust table. Reads take the read lock; every
// mutation takes the write lock, so concurrent grants and whitelist updates
// for one server are serialized with last-write-wins semantics.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*ServerTrust
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates an empty trust table. All servers default to Untrusted
// until explicitly granted.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		servers: make(map[string]*ServerTrust),
		logger:  logger,
		now:     time.Now,
	}
}

// ServerTrustLevel returns the effective trust level for a server. Expired
// records revert to Untrusted on read; the stale record is left in place and
// cleaned up on the next mutation.
func (m *Manager) ServerTrustLevel(serverID string) Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.servers[serverID]
	if !ok || st.Expired(m.now()) {
		return LevelUntrusted
	}
	return st.Level
}

// GetServerTrust returns a copy of the server's record, lazily defaulting to
// a fresh Untrusted record. The default is not stored: the table only holds
// servers that have actually been mutated.
func (m *Manager) GetServerTrust(serverID string) *ServerTrust {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.servers[serverID]; ok {
		return st.clone()
	}
	now := m.now()
	return &ServerTrust{
		ServerID:  serverID,
		Level:     LevelUntrusted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GrantServerTrust sets a server's trust level, creating the record if
// needed. A nil expiry means the grant does not lapse.
func (m *Manager) GrantServerTrust(serverID string, level Level, grantedBy Provenance, expiresAt *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.getOrCreateLocked(serverID)
	st.Level = level
	st.GrantedBy = grantedBy
	st.ExpiresAt = expiresAt
	st.UpdatedAt = m.now()

	m.logger.Info("server trust granted",
		zap.String("server_id", serverID),
		zap.String("level", string(level)),
		zap.String("granted_by", string(grantedBy)))
}

// RevokeServerTrust deletes the server's record, reverting it to the
// Untrusted default on the next read. Whitelists and blacklists are dropped
// with the record.
func (m *Manager) RevokeServerTrust(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.servers, serverID)
	m.logger.Info("server trust revoked", zap.String("server_id", serverID))
}

// WhitelistTool adds a tool to the server's whitelist, creating the record if
// needed. Re-adding moves the tool to the end of the list.
func (m *Manager) WhitelistTool(serverID, toolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.getOrCreateLocked(serverID)
	st.WhitelistTools = appendMoveToEnd(st.WhitelistTools, toolName)
	st.UpdatedAt = m.now()
}

// BlacklistTool adds a tool to the server's blacklist. Blacklisting always
// overrides whitelist membership and trust level at decision time.
func (m *Manager) BlacklistTool(serverID, toolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.getOrCreateLocked(serverID)
	st.BlacklistTools = appendMoveToEnd(st.BlacklistTools, toolName)
	st.UpdatedAt = m.now()
}

func (m *Manager) getOrCreateLocked(serverID string) *ServerTrust {
	if st, ok := m.servers[serverID]; ok {
		if st.Expired(m.now()) {
			// Lapsed grant: reset level before applying the mutation.
			st.Level = LevelUntrusted
			st.ExpiresAt = nil
		}
		return st
	}
	now := m.now()
	st := &ServerTrust{
		ServerID:  serverID,
		Level:     LevelUntrusted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.servers[serverID] = st
	return st
}

// RequiresConfirmation decides whether a tool call needs user confirmation
// from the trust layer's perspective. The precedence is fixed and ordered:
//
//  1. blacklisted tool            -> confirm
//  2. trusted server + whitelist  -> no confirmation
//  3. sensitive parameter value   -> confirm
//  4. sensitive parameter path    -> confirm
//  5. untrusted server            -> confirm
//  6. otherwise                   -> no confirmation
//
// Later, more permissive rules never override earlier denials.
func (m *Manager) RequiresConfirmation(toolName string, params map[string]any, serverID string) (bool, string) {
	m.mu.RLock()
	st, ok := m.servers[serverID]
	var (
		level       = LevelUntrusted
		blacklisted bool
		whitelisted bool
	)
	if ok {
		if !st.Expired(m.now()) {
			level = st.Level
		}
		blacklisted = st.IsBlacklisted(toolName)
		whitelisted = st.IsWhitelisted(toolName)
	}
	m.mu.RUnlock()

	if blacklisted {
		return true, "tool is blacklisted for this server"
	}
	if level == LevelTrusted && whitelisted {
		return false, "tool is whitelisted on a trusted server"
	}
	if hasSensitiveValue(params) {
		return true, "parameters contain sensitive values"
	}
	if hasSensitivePath(params) {
		return true, "parameters reference a sensitive path"
	}
	if level == LevelUntrusted {
		return true, "server is untrusted"
	}
	return false, "server trust level permits execution"
}

// hasSensitiveValue recursively scans string values for credential keywords.
func hasSensitiveValue(value any) bool {
	switch v := value.(type) {
	case string:
		low := strings.ToLower(v)
		for _, frag := range sensitiveValueFragments {
			if strings.Contains(low, frag) {
				return true
			}
		}
	case map[string]any:
		for _, nested := range v {
			if hasSensitiveValue(nested) {
				return true
			}
		}
	case []any:
		for _, nested := range v {
			if hasSensitiveValue(nested) {
				return true
			}
		}
	}
	return false
}

func hasSensitivePath(value any) bool {
	switch v := value.(type) {
	case string:
		low := strings.ToLower(v)
		for _, frag := range sensitivePathFragments {
			if strings.Contains(low, frag) {
				return true
			}
		}
	case map[string]any:
		for _, nested := range v {
			if hasSensitivePath(nested) {
				return true
			}
		}
	case []any:
		for _, nested := range v {
			if hasSensitivePath(nested) {
				return true
			}
		}
	}
	return false
}

// Summarize aggregates the trust table for statistics.
func (m *Manager) Summarize() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := Summary{Servers: len(m.servers)}
	now := m.now()
	for _, st := range m.servers {
		level := st.Level
		if st.Expired(now) {
			level = LevelUntrusted
		}
		switch level {
		case LevelTrusted:
			sum.Trusted++
		case LevelSandboxed:
			sum.Sandboxed++
		default:
			sum.Untrusted++
		}
		sum.Whitelisted += len(st.WhitelistTools)
		sum.Blacklisted += len(st.BlacklistTools)
	}
	return sum
}

// Snapshot returns a deep copy of every stored record, in stable server-ID
// order, for persistence.
func (m *Manager) Snapshot() []*ServerTrust {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ServerTrust, 0, len(m.servers))
	for _, id := range sortedServerIDs(m.servers) {
		out = append(out, m.servers[id].clone())
	}
	return out
}

// Restore replaces the trust table with the given records. Used at startup to
// reload persisted trust.
func (m *Manager) Restore(records []*ServerTrust) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.servers = make(map[string]*ServerTrust, len(records))
	for _, st := range records {
		if st == nil || st.ServerID == "" {
			continue
		}
		m.servers[st.ServerID] = st.clone()
	}
}
