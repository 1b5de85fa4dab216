package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	. "github.com/illumidesk/ltihub/types"
)

const CookieName = "ltihub"

// Protocol tags which launch flow produced a session. The grade-sender
// factory dispatches on it.
type Protocol string

const (
	ProtocolLTI11 Protocol = "lti11"
	ProtocolLTI13 Protocol = "lti13"
)

// LaunchSession is the signed cookie payload issued after a successful
// launch. It carries everything the grade endpoints need: who launched,
// into which course, and over which protocol.
type LaunchSession struct {
	ExpiresAt time.Time
	Identity  LaunchIdentity
	Protocol  Protocol
	Issuer    string // LTI 1.3 platform issuer; empty for 1.1
	NextURL   string
	path      string
}

func NewSession(identity LaunchIdentity, protocol Protocol, issuer, nextURL string) *LaunchSession {
	now := time.Now()
	expires := now

	// find the first expires time after now
	for i, elt := range Config.SessionsExpire {
		_, month, day := elt.Date()
		hour, minute, second := elt.Clock()
		when := time.Date(now.Year(), month, day, hour, minute, second, 0, time.Local)
		if when.Before(now) {
			when = time.Date(now.Year()+1, month, day, hour, minute, second, 0, time.Local)
		}
		if i == 0 || when.Before(expires) {
			expires = when
		}
	}

	return &LaunchSession{
		ExpiresAt: expires,
		Identity:  identity,
		Protocol:  protocol,
		Issuer:    issuer,
		NextURL:   nextURL,
		path:      "/",
	}
}

func GetSession(r *http.Request) (*LaunchSession, error) {
	now := time.Now()

	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, fmt.Errorf("unable to read session cookie")
	}

	// decode and verify signature
	session := new(LaunchSession)
	secure := securecookie.New([]byte(Config.SessionSecret), nil)
	secure.MaxAge(0)
	if err = secure.Decode(CookieName, cookie.Value, session); err != nil {
		return nil, fmt.Errorf("unable to decode session cookie")
	}

	// check expiration
	if session.ExpiresAt.Before(now) {
		return nil, fmt.Errorf("session is expired; must launch again to continue")
	}

	// sanity check
	if session.Identity.Username == "" || session.Identity.CourseID == "" {
		return nil, fmt.Errorf("session does not contain a legal launch identity")
	}

	return session, nil
}

func (session *LaunchSession) Save(w http.ResponseWriter) string {
	// encode and sign
	secure := securecookie.New([]byte(Config.SessionSecret), nil)
	secure.MaxAge(0)
	encoded, err := secure.Encode(CookieName, session)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "creating session: %v", err)
		return ""
	}

	cookie := &http.Cookie{
		Name:    CookieName,
		Value:   encoded,
		Path:    session.path,
		Expires: session.ExpiresAt,
		MaxAge:  int(time.Until(session.ExpiresAt).Seconds()),
		Secure:  true,
	}
	http.SetCookie(w, cookie)
	return fmt.Sprintf("%s=%s", CookieName, encoded)
}

func (session *LaunchSession) Delete(w http.ResponseWriter) {
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	cookie := &http.Cookie{
		Name:    CookieName,
		Value:   "deleted",
		Path:    session.path,
		Expires: epoch,
		MaxAge:  -1,
		Secure:  true,
	}
	http.SetCookie(w, cookie)
}
