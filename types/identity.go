package types

import (
	"strings"
)

// Role is the normalized privilege level derived from LMS launch roles.
type Role string

const (
	RoleLearner    Role = "Learner"
	RoleInstructor Role = "Instructor"
)

// MaxIdentifierLength bounds usernames and course labels so they are safe
// as container names, database identifiers, and path segments.
const MaxIdentifierLength = 20

// LaunchIdentity is the canonical identity tuple produced by a validated
// launch. It is handed to the provisioning hook and stored in the session;
// it is never persisted directly.
type LaunchIdentity struct {
	Username  string `json:"username"`
	CourseID  string `json:"course_id"`
	Role      Role   `json:"user_role"`
	LMSUserID string `json:"lms_user_id"`
}

// NormalizeIdentifier converts a raw LMS-supplied label into a safe
// identifier: truncated to MaxIdentifierLength runes, lower-cased,
// stripped to [a-z0-9_.-], no leading underscore/dot/dash. Truncation
// happens first, so junk characters early in a long label shorten the
// result rather than pull in characters from beyond the cutoff.
func NormalizeIdentifier(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", &ValidationError{Message: "cannot normalize an empty identifier"}
	}

	runes := []rune(raw)
	if len(runes) > MaxIdentifierLength {
		runes = runes[:MaxIdentifierLength]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(string(runes)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	s := strings.TrimLeft(b.String(), "_.-")
	if s == "" {
		return "", &ValidationError{Message: "identifier is empty after normalization"}
	}
	return s, nil
}

// DeriveUsername picks the first candidate that survives normalization.
// Callers list candidates in preference order: vendor login id, email
// local part, given name, family name, full name, person sourcedid, and
// finally the raw platform user id.
func DeriveUsername(candidates []string) (string, error) {
	for _, raw := range candidates {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if s, err := NormalizeIdentifier(raw); err == nil {
			return s, nil
		}
	}
	return "", &MissingIdentityError{}
}

// EmailLocalPart extracts the username candidate from an email address:
// the local part before any @, truncated at the first +, with
// parenthetical comments removed and lower-cased.
func EmailLocalPart(email string) string {
	s := strings.TrimSpace(email)
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "+"); i >= 0 {
		s = s[:i]
	}
	for {
		open := strings.Index(s, "(")
		if open < 0 {
			break
		}
		close := strings.Index(s[open:], ")")
		if close < 0 {
			s = s[:open]
			break
		}
		s = s[:open] + s[open+close+1:]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// SplitRoles splits a comma-separated LTI 1.1 roles value into its parts.
func SplitRoles(raw string) []string {
	var roles []string
	for _, elt := range strings.Split(raw, ",") {
		if elt = strings.TrimSpace(elt); elt != "" {
			roles = append(roles, elt)
		}
	}
	return roles
}

// DeriveRole maps raw launch roles (plain names or LIS/LTI role URNs) to
// a Role. Instructor and TeachingAssistant both grant instructor access.
// An empty list yields Learner: anonymous and deep-link launches carry no
// roles and fall through to the lowest privilege.
func DeriveRole(roles []string) Role {
	for _, raw := range roles {
		if strings.Contains(raw, "Instructor") || strings.Contains(raw, "TeachingAssistant") {
			return RoleInstructor
		}
	}
	return RoleLearner
}
