// Package trust manages persisted authorization scopes for MCP servers and
// their tools. The manager is the single writer for the trust table: all
// mutations to one server's record are linearized behind its lock.
package trust

import (
	"sort"
	"time"
)

// Level is a server's trust classification.
type Level string

const (
	LevelTrusted   Level = "trusted"
	LevelUntrusted Level = "untrusted"
	LevelSandboxed Level = "sandboxed"
)

// Provenance records who created a trust grant.
type Provenance string

const (
	ProvenanceUser Provenance = "user"
	ProvenanceAuto Provenance = "auto"
)

// ServerTrust is the per-server trust record. Whitelist and blacklist are
// ordered, deduplicated sets: re-adding a tool moves it to the end.
type ServerTrust struct {
	ServerID       string     `json:"server_id"`
	Level          Level      `json:"level"`
	WhitelistTools []string   `json:"whitelist_tools,omitempty"`
	BlacklistTools []string   `json:"blacklist_tools,omitempty"`
	GrantedBy      Provenance `json:"granted_by,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Expired reports whether the record's grant has lapsed.
func (st *ServerTrust) Expired(now time.Time) bool {
	return st.ExpiresAt != nil && now.After(*st.ExpiresAt)
}

// IsWhitelisted reports whether the tool is on the whitelist.
func (st *ServerTrust) IsWhitelisted(tool string) bool {
	return contains(st.WhitelistTools, tool)
}

// IsBlacklisted reports whether the tool is on the blacklist.
func (st *ServerTrust) IsBlacklisted(tool string) bool {
	return contains(st.BlacklistTools, tool)
}

// clone returns a deep copy so callers never alias manager-owned state.
func (st *ServerTrust) clone() *ServerTrust {
	cp := *st
	cp.WhitelistTools = append([]string(nil), st.WhitelistTools...)
	cp.BlacklistTools = append([]string(nil), st.BlacklistTools...)
	if st.ExpiresAt != nil {
		exp := *st.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// appendMoveToEnd removes any existing occurrence and appends, keeping the
// list deduplicated with the most recent insertion last.
func appendMoveToEnd(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return append(out, s)
}

// Summary aggregates the trust table for statistics endpoints.
type Summary struct {
	Servers     int `json:"servers"`
	Trusted     int `json:"trusted"`
	Untrusted   int `json:"untrusted"`
	Sandboxed   int `json:"sandboxed"`
	Whitelisted int `json:"whitelisted_tools"`
	Blacklisted int `json:"blacklisted_tools"`
}

// sortedServerIDs returns map keys in stable order for snapshots.
func sortedServerIDs(m map[string]*ServerTrust) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
