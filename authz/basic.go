package authz

import (
	"crypto/subtle"
	"net/http"
)

// BasicRealm is the realm announced in the WWW-Authenticate challenge.
const BasicRealm = "Terminal"

// Basic checks every request against one configured username and password.
type Basic struct {
	username string
	password string
}

// NewBasic returns a Basic checker for the given credentials.
func NewBasic(username, password string) *Basic {
	return &Basic{username: username, password: password}
}

// Kind reports KindBasic.
func (b *Basic) Kind() Kind { return KindBasic }

// Check reports whether r carries the configured credentials and the username
// it presented.
func (b *Basic) Check(r *http.Request) (string, bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(b.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(b.password)) == 1
	return user, userOK && passOK
}

// Challenge writes the 401 response that makes browsers prompt again.
func (b *Basic) Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+BasicRealm+`"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
