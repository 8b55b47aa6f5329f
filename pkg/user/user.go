// Package user carries the identity of the person behind a request.
// Identity is parsed from headers supplied by the SSO proxy and
// threaded through handlers as a value. Work done by the controller
// itself is attributed to the automatic user.
package user

import (
	"net/http"
	"strings"
)

// AutomaticUsername attributes history entries written by the
// controller rather than a person
const AutomaticUsername = "automatic"

// User describes an authenticated request identity
type User struct {
	Username   string
	Name       string
	Email      string
	Authorized bool
}

// Automatic returns the identity used for controller-driven actions
func Automatic() User {
	return User{
		Username: AutomaticUsername,
		Name:     AutomaticUsername,
	}
}

// FromHeaders parses the SSO proxy headers into a User. A user is
// authorized when any of their groups, or their username, appears in
// the authorized set.
func FromHeaders(headers http.Header, authorized []string) User {
	u := User{
		Username: headers.Get("Adfs-Login"),
		Name:     headers.Get("Adfs-Fullname"),
		Email:    headers.Get("Adfs-Email"),
	}

	groupsHeader := strings.ReplaceAll(headers.Get("Adfs-Group"), ",", ";")
	groups := map[string]bool{}
	for _, g := range strings.Split(groupsHeader, ";") {
		if g = strings.ToLower(strings.TrimSpace(g)); g != "" {
			groups[g] = true
		}
	}

	for _, role := range authorized {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if groups[strings.ToLower(role)] || role == u.Username {
			u.Authorized = true
			break
		}
	}

	return u
}
