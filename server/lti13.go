package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/martini-contrib/render"

	. "github.com/illumidesk/ltihub/types"
)

// LTI 1.3 claim names, per the IMS spec.
const (
	claimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimTargetLink   = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	claimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	claimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"
	claimLis          = "https://purl.imsglobal.org/spec/lti/claim/lis"
	claimAGSEndpoint  = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
)

const stateCookieName = "ltihub-oidc"
const stateCookieTimeout = 5 * time.Minute

// toolKey is the RSA private key this tool signs with: loaded once at
// startup, published at the JWKS endpoint, used for token grants.
var toolKey jwk.Key

func loadToolKey(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %v", path, err)
	}
	key, err := jwk.ParseKey(raw, jwk.WithPEM(true))
	if err != nil {
		return fmt.Errorf("parsing %s: %v", path, err)
	}
	if err := key.Set(jwk.KeyIDKey, Config.ToolKeyID); err != nil {
		return err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return err
	}
	toolKey = key
	return nil
}

// LTI13Validator verifies JWT launches against the registered platforms.
type LTI13Validator struct {
	platforms  map[string]*Platform
	skipVerify bool

	// fetchKeySet is swapped out by tests
	fetchKeySet func(ctx context.Context, endpoint string) (jwk.Set, error)
}

func NewLTI13Validator(platforms map[string]*Platform, skipVerify bool) *LTI13Validator {
	return &LTI13Validator{
		platforms:  platforms,
		skipVerify: skipVerify,
		fetchKeySet: func(ctx context.Context, endpoint string) (jwk.Set, error) {
			return jwk.Fetch(ctx, endpoint)
		},
	}
}

// RetrieveJWKS fetches and parses the platform's published key set.
// Network failures propagate to the caller; there is no internal retry.
func (v *LTI13Validator) RetrieveJWKS(ctx context.Context, endpoint string) (jwk.Set, error) {
	return v.fetchKeySet(ctx, endpoint)
}

// VerifyAndDecode checks the id_token signature against the platform keys
// and validates standard claims including the audience. When no key in
// the set matches the token's kid it returns (nil, nil): callers must
// treat an absent token as a rejection. With skipVerify set the payload
// is decoded without any signature or time checks; that mode exists for
// bootstrap testing only.
func (v *LTI13Validator) VerifyAndDecode(ctx context.Context, rawToken []byte, keys jwk.Set, audience string) (jwt.Token, error) {
	if v.skipVerify {
		return jwt.Parse(rawToken, jwt.WithVerify(false), jwt.WithValidate(false))
	}

	msg, err := jws.Parse(rawToken)
	if err != nil {
		return nil, &InvalidClaimError{Claim: "id_token", Reason: "not a valid JWS"}
	}
	if len(msg.Signatures()) == 0 {
		return nil, &InvalidClaimError{Claim: "id_token", Reason: "no signature"}
	}
	kid := msg.Signatures()[0].ProtectedHeaders().KeyID()
	key, found := keys.LookupKeyID(kid)
	if !found {
		return nil, nil
	}

	return jwt.Parse(rawToken,
		jwt.WithKey(jwa.RS256, key),
		jwt.WithAudience(audience),
		jwt.WithAcceptableSkew(time.Minute),
		jwt.WithValidate(true),
	)
}

// ValidateLaunchClaims enforces the launch message contract. An empty
// roles list passes: roleless launches authenticate at the lowest
// privilege rather than being rejected.
func (v *LTI13Validator) ValidateLaunchClaims(tok jwt.Token) error {
	messageType, ok := stringClaim(tok, claimMessageType)
	if !ok {
		return &InvalidClaimError{Claim: claimMessageType, Reason: "missing"}
	}
	if messageType != "LtiResourceLinkRequest" {
		return &InvalidClaimError{Claim: claimMessageType, Reason: fmt.Sprintf("unsupported message type %q", messageType)}
	}

	version, ok := stringClaim(tok, claimVersion)
	if !ok {
		return &InvalidClaimError{Claim: claimVersion, Reason: "missing"}
	}
	if version != "1.3.0" {
		return &InvalidClaimError{Claim: claimVersion, Reason: fmt.Sprintf("unsupported version %q", version)}
	}

	deploymentID, ok := stringClaim(tok, claimDeploymentID)
	if !ok || deploymentID == "" {
		return &InvalidClaimError{Claim: claimDeploymentID, Reason: "missing or empty"}
	}

	link, ok := mapClaim(tok, claimResourceLink)
	if !ok {
		return &InvalidClaimError{Claim: claimResourceLink, Reason: "missing"}
	}
	if id, _ := link["id"].(string); id == "" {
		return &InvalidClaimError{Claim: claimResourceLink, Reason: "missing or empty id"}
	}

	target, ok := stringClaim(tok, claimTargetLink)
	if !ok || target == "" {
		return &InvalidClaimError{Claim: claimTargetLink, Reason: "missing or empty"}
	}

	if _, ok := tok.Get(claimRoles); !ok {
		return &InvalidClaimError{Claim: claimRoles, Reason: "missing"}
	}

	return nil
}

func stringClaim(tok jwt.Token, name string) (string, bool) {
	raw, ok := tok.Get(name)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func mapClaim(tok jwt.Token, name string) (map[string]interface{}, bool) {
	raw, ok := tok.Get(name)
	if !ok {
		return nil, false
	}
	m, ok := raw.(map[string]interface{})
	return m, ok
}

func rolesClaim(tok jwt.Token) []string {
	raw, ok := tok.Get(claimRoles)
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var roles []string
	for _, elt := range list {
		if s, ok := elt.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

// identityFromClaims derives the canonical launch identity from a
// validated id_token.
func identityFromClaims(tok jwt.Token) (LaunchIdentity, error) {
	custom, _ := mapClaim(tok, claimCustom)
	lis, _ := mapClaim(tok, claimLis)

	candidates := []string{}
	if login, _ := custom["canvas_user_login_id"].(string); login != "" {
		candidates = append(candidates, login)
	}
	email, _ := stringClaim(tok, "email")
	given, _ := stringClaim(tok, "given_name")
	family, _ := stringClaim(tok, "family_name")
	full, _ := stringClaim(tok, "name")
	sourcedID, _ := lis["person_sourcedid"].(string)
	candidates = append(candidates, EmailLocalPart(email), given, family, full, sourcedID, tok.Subject())

	username, err := DeriveUsername(candidates)
	if err != nil {
		return LaunchIdentity{}, err
	}

	courseLabel := ""
	if contextClaim, ok := mapClaim(tok, claimContext); ok {
		if label, _ := contextClaim["label"].(string); label != "" {
			courseLabel = label
		} else if id, _ := contextClaim["id"].(string); id != "" {
			courseLabel = id
		}
	}
	courseID, err := NormalizeIdentifier(courseLabel)
	if err != nil {
		return LaunchIdentity{}, err
	}

	return LaunchIdentity{
		Username:  username,
		CourseID:  courseID,
		Role:      DeriveRole(rolesClaim(tok)),
		LMSUserID: tok.Subject(),
	}, nil
}

// oidcState is the short-lived signed cookie carried through the OIDC
// redirect dance.
type oidcState struct {
	State     string
	Nonce     string
	ExpiresAt time.Time
}

func randomToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("reading random bytes: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// LtiLogin handles /v2/lti13/login requests, the OIDC third-party
// initiation: pin state+nonce in a signed cookie and bounce the browser
// to the platform's authorize endpoint.
func LtiLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "parsing form data: %v", err)
		return
	}
	issuer := r.Form.Get("iss")
	platform, ok := Config.Platforms[issuer]
	if !ok {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "unknown platform issuer %q", issuer)
		return
	}
	loginHint := r.Form.Get("login_hint")
	if loginHint == "" {
		loggedLaunchError(w, &MissingParameterError{Param: "login_hint"})
		return
	}

	state := oidcState{
		State:     randomToken(),
		Nonce:     randomToken(),
		ExpiresAt: time.Now().Add(stateCookieTimeout),
	}
	secure := securecookie.New([]byte(Config.SessionSecret), nil)
	encoded, err := secure.Encode(stateCookieName, state)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "encoding state cookie: %v", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookieName,
		Value:  encoded,
		Path:   "/",
		MaxAge: int(stateCookieTimeout.Seconds()),
		Secure: true,
	})

	params := make(url.Values)
	params.Set("response_type", "id_token")
	params.Set("response_mode", "form_post")
	params.Set("scope", "openid")
	params.Set("prompt", "none")
	params.Set("client_id", platform.ClientID)
	params.Set("redirect_uri", fmt.Sprintf("https://%s/v2/lti13/callback", Config.Hostname))
	params.Set("login_hint", loginHint)
	if hint := r.Form.Get("lti_message_hint"); hint != "" {
		params.Set("lti_message_hint", hint)
	}
	params.Set("state", state.State)
	params.Set("nonce", state.Nonce)

	http.Redirect(w, r, platform.AuthorizeURL+"?"+params.Encode(), http.StatusFound)
}

// LtiCallback handles /v2/lti13/callback requests: the form-posted
// id_token at the end of the OIDC flow.
func LtiCallback(w http.ResponseWriter, r *http.Request, validator *LTI13Validator, stores *storeRegistry) {
	if err := r.ParseForm(); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "parsing form data: %v", err)
		return
	}

	// check the state cookie from the login leg
	cookie, err := r.Cookie(stateCookieName)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "missing login state cookie: start the launch from your LMS")
		return
	}
	state := new(oidcState)
	secure := securecookie.New([]byte(Config.SessionSecret), nil)
	if err := secure.Decode(stateCookieName, cookie.Value, state); err != nil {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "unable to decode login state cookie")
		return
	}
	if state.ExpiresAt.Before(time.Now()) {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "login state expired: start the launch from your LMS")
		return
	}
	if r.PostForm.Get("state") != state.State {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "state mismatch")
		return
	}

	rawToken := r.PostForm.Get("id_token")
	if rawToken == "" {
		loggedLaunchError(w, &MissingParameterError{Param: "id_token"})
		return
	}

	// peek at the issuer to pick the platform, then verify properly
	unverified, err := jwt.Parse([]byte(rawToken), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		loggedLaunchError(w, &InvalidClaimError{Claim: "id_token", Reason: "not a decodable JWT"})
		return
	}
	platform, ok := Config.Platforms[unverified.Issuer()]
	if !ok {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "unknown platform issuer %q", unverified.Issuer())
		return
	}

	ctx := r.Context()
	keys, err := validator.RetrieveJWKS(ctx, platform.JWKSURL)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusBadGateway, "fetching platform JWKS: %v", err)
		return
	}
	tok, err := validator.VerifyAndDecode(ctx, []byte(rawToken), keys, platform.ClientID)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "id_token rejected: %v", err)
		return
	}
	if tok == nil {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "id_token key id not found in platform JWKS")
		return
	}

	// the nonce must round-trip from the login leg
	if nonce, _ := stringClaim(tok, "nonce"); !validator.skipVerify && nonce != state.Nonce {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "nonce mismatch")
		return
	}

	if err := validator.ValidateLaunchClaims(tok); err != nil {
		loggedLaunchError(w, err)
		return
	}

	identity, err := identityFromClaims(tok)
	if err != nil {
		loggedLaunchError(w, err)
		return
	}

	if err := runPostAuthHooks(identity); err != nil {
		loggedHTTPErrorf(w, http.StatusBadGateway, "course provisioning failed: %v", err)
		return
	}

	// register the AGS line item for later grade passback
	if endpoint, ok := mapClaim(tok, claimAGSEndpoint); ok {
		lineitem, _ := endpoint["lineitem"].(string)
		lineitems, _ := endpoint["lineitems"].(string)
		name := ""
		if link, ok := mapClaim(tok, claimResourceLink); ok {
			name, _ = link["title"].(string)
		}
		if name != "" && (lineitem != "" || lineitems != "") {
			store, err := stores.forCourse(identity.CourseID)
			if err != nil {
				loggedHTTPErrorf(w, http.StatusInternalServerError, "opening control file: %v", err)
				return
			}
			if err := store.RegisterLineItem(name, lineitem, lineitems, identity.LMSUserID); err != nil {
				loggedHTTPErrorf(w, http.StatusInternalServerError, "registering grade passback: %v", err)
				return
			}
		}
	}

	next, _ := stringClaim(tok, claimTargetLink)
	if custom, ok := mapClaim(tok, claimCustom); ok {
		if n, _ := custom["next"].(string); n != "" {
			next = n
		}
	}
	if next == "" {
		next = Config.DefaultNextURL
	}

	session := NewSession(identity, ProtocolLTI13, platform.Issuer, next)
	if session.Save(w) == "" {
		return
	}

	launchesCounter.Add(1)
	log.Printf("launch: %s (%s) on %s as %s via %s", identity.Username, identity.LMSUserID, identity.CourseID, identity.Role, platform.Issuer)
	http.Redirect(w, r, next, http.StatusFound)
}

// GetJWKS handles /v2/lti13/jwks requests, publishing this tool's RSA
// public key set for platforms to verify our token grants.
func GetJWKS(w http.ResponseWriter) {
	if toolKey == nil {
		loggedHTTPErrorf(w, http.StatusNotFound, "no tool key configured")
		return
	}
	pub, err := toolKey.PublicKey()
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "deriving public key: %v", err)
		return
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "building key set: %v", err)
		return
	}
	raw, err := json.Marshal(set)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "encoding key set: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(raw)
}

// GetToolConfig handles /v2/lti13/config.json requests, returning the
// static LTI 1.3 tool registration descriptor.
func GetToolConfig(w http.ResponseWriter, render render.Render) {
	base := "https://" + Config.Hostname
	config := map[string]interface{}{
		"title":               Config.ToolName,
		"description":         Config.ToolDescription,
		"oidc_initiation_url": base + "/v2/lti13/login",
		"target_link_uri":     base + "/v2/lti13/callback",
		"public_jwk_url":      base + "/v2/lti13/jwks",
		"scopes": []string{
			"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem",
			"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly",
			"https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly",
			"https://purl.imsglobal.org/spec/lti-ags/scope/score",
		},
		"extensions": []map[string]interface{}{
			{
				"platform": "canvas.instructure.com",
				"settings": map[string]interface{}{
					"placements": []map[string]string{
						{
							"placement":       "course_navigation",
							"message_type":    "LtiResourceLinkRequest",
							"target_link_uri": base + "/v2/lti13/callback",
						},
						{
							"placement":       "assignment_selection",
							"message_type":    "LtiResourceLinkRequest",
							"target_link_uri": base + "/v2/lti13/callback",
						},
					},
				},
			},
		},
	}
	render.JSON(http.StatusOK, config)
}
