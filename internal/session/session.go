// Package session carries the device identity explicitly instead of
// letting components read it from ambient storage inside callbacks.
package session

import (
	"github.com/pkg/errors"

	"github.com/bwise1/groupbeacon/internal/store"
)

// Session is the identity a reporter or aggregator operates under. Built
// once at mount time and passed into constructors.
type Session struct {
	UserID  string
	GroupID string
	Token   string
}

// ErrNoIdentity is returned when the device store holds no user id, which
// means nobody is signed in.
var ErrNoIdentity = errors.New("session: no stored identity")

// Load hydrates a session from the device store. groupID overrides the
// stored active group when non-empty (the screen knows which group it is
// showing).
func Load(st *store.Store, groupID string) (Session, error) {
	userID, err := st.UserID()
	if err != nil {
		return Session{}, err
	}
	if userID == "" {
		return Session{}, ErrNoIdentity
	}

	if groupID == "" {
		groupID, err = st.ActiveGroup()
		if err != nil {
			return Session{}, err
		}
	}

	token, err := st.AuthToken()
	if err != nil {
		return Session{}, err
	}

	return Session{UserID: userID, GroupID: groupID, Token: token}, nil
}
