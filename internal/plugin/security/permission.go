package security

import (
	"fmt"
	"slices"
	"strings"
)

// Permission is a capability token a plugin may request in its manifest.
type Permission string

// Known permissions.
const (
	// PermFSRead allows reading files from the filesystem.
	PermFSRead Permission = "fs.read"

	// PermFSWrite allows creating and modifying files.
	PermFSWrite Permission = "fs.write"

	// PermNetHTTP allows outbound HTTP requests.
	PermNetHTTP Permission = "net.http"

	// PermProcessSpawn allows starting child processes.
	PermProcessSpawn Permission = "process.spawn"
)

// PermissionInfo provides metadata about a permission.
type PermissionInfo struct {
	Name        Permission
	DisplayName string
	Description string
	RiskLevel   RiskLevel
}

// RiskLevel indicates how dangerous a permission is.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh

	// RiskCritical indicates maximum security risk.
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

var permissionRegistry = map[Permission]PermissionInfo{
	PermFSRead: {
		Name:        PermFSRead,
		DisplayName: "File Read",
		Description: "Read files from the filesystem",
		RiskLevel:   RiskMedium,
	},
	PermFSWrite: {
		Name:        PermFSWrite,
		DisplayName: "File Write",
		Description: "Create or modify files on the filesystem",
		RiskLevel:   RiskHigh,
	},
	PermNetHTTP: {
		Name:        PermNetHTTP,
		DisplayName: "HTTP Access",
		Description: "Make outbound HTTP requests",
		RiskLevel:   RiskHigh,
	},
	PermProcessSpawn: {
		Name:        PermProcessSpawn,
		DisplayName: "Process Spawn",
		Description: "Start child processes",
		RiskLevel:   RiskCritical,
	},
}

// String returns the token form of the permission.
func (p Permission) String() string {
	return string(p)
}

// IsValid returns true if p is one of the known permissions.
func (p Permission) IsValid() bool {
	_, ok := permissionRegistry[p]
	return ok
}

// Info returns metadata about the permission.
func (p Permission) Info() (PermissionInfo, bool) {
	info, ok := permissionRegistry[p]
	return info, ok
}

// ParsePermission converts a token into a Permission.
// Surrounding whitespace is ignored; matching is exact otherwise.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.TrimSpace(s))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// ParsePermissions parses a list of tokens, failing on the first unknown one.
func ParsePermissions(tokens []string) ([]Permission, error) {
	perms := make([]Permission, 0, len(tokens))
	for _, tok := range tokens {
		p, err := ParsePermission(tok)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, nil
}

// AllPermissions returns every known permission sorted by name.
func AllPermissions() []Permission {
	perms := make([]Permission, 0, len(permissionRegistry))
	for p := range permissionRegistry {
		perms = append(perms, p)
	}
	slices.Sort(perms)
	return perms
}

// Set is an immutable collection of permissions.
// The zero value is an empty set.
type Set struct {
	m map[Permission]struct{}
}

// NewSet creates a set holding perms.
func NewSet(perms ...Permission) Set {
	m := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		m[p] = struct{}{}
	}
	return Set{m: m}
}

// Has returns true if p is in the set.
func (s Set) Has(p Permission) bool {
	_, ok := s.m[p]
	return ok
}

// Len returns the number of permissions in the set.
func (s Set) Len() int {
	return len(s.m)
}

// Slice returns the permissions sorted by name.
func (s Set) Slice() []Permission {
	perms := make([]Permission, 0, len(s.m))
	for p := range s.m {
		perms = append(perms, p)
	}
	slices.Sort(perms)
	return perms
}

// String returns a comma separated list of the permissions.
func (s Set) String() string {
	perms := s.Slice()
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

// Strip removes every permission in deny from requested.
// Order of the kept permissions is preserved.
func Strip(requested []Permission, deny Set) (kept, removed []Permission) {
	kept = make([]Permission, 0, len(requested))
	for _, p := range requested {
		if deny.Has(p) {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	return kept, removed
}
