package domain

import (
	"regexp"
	"strings"
)

// Principal is a user in the directory service. Principals are created and
// updated upstream; this system never deletes them locally.
type Principal struct {
	ID                string
	DisplayName       string
	UserPrincipalName string
	MailNickname      string
	Department        *string
}

// Group is a directory security group. Groups nest to form department hierarchies.
type Group struct {
	ID           string
	DisplayName  string
	Description  string
	MailNickname string
}

// RoleKind distinguishes where a role definition lives.
type RoleKind string

// Role kinds.
const (
	RoleKindCustom  RoleKind = "custom"
	RoleKindBuiltin RoleKind = "builtin"
	RoleKindApp     RoleKind = "app"
)

// Role is a custom, built-in directory, or application-scoped role.
type Role struct {
	ID          string
	Name        string
	Description string
	Permissions []string
	Kind        RoleKind
}

// AssignmentKind selects the directory API used for a role assignment.
type AssignmentKind string

// Assignment kinds.
const (
	AssignmentApp       AssignmentKind = "app"
	AssignmentDirectory AssignmentKind = "directory"
)

// Valid reports whether k is a known assignment kind.
func (k AssignmentKind) Valid() bool {
	return k == AssignmentApp || k == AssignmentDirectory
}

// Other returns the opposite assignment kind.
func (k AssignmentKind) Other() AssignmentKind {
	if k == AssignmentApp {
		return AssignmentDirectory
	}
	return AssignmentApp
}

// RoleAssignment binds a principal or group to a role. Logically a set keyed by
// (PrincipalID, RoleID).
type RoleAssignment struct {
	ID          string
	PrincipalID string
	RoleID      string
	Kind        AssignmentKind
}

// GroupMembership is one member of a group. MemberType is "user" or "group".
type GroupMembership struct {
	GroupID    string
	MemberID   string
	MemberType string
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// SanitizeNickname strips everything except ASCII letters and digits and
// lowercases the result. Empty input yields "user".
func SanitizeNickname(in string) string {
	cleaned := strings.ToLower(nonAlnum.ReplaceAllString(strings.TrimSpace(in), ""))
	if cleaned == "" {
		return "user"
	}
	return cleaned
}
