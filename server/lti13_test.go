package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	. "github.com/illumidesk/ltihub/types"
)

const (
	testIssuer   = "https://lms.example.com"
	testClientID = "client-1"
	testKeyID    = "platform-key-1"
)

// newLaunchToken builds a token with a complete, valid set of launch
// claims.
func newLaunchToken(t *testing.T) jwt.Token {
	t.Helper()
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(testIssuer).
		Audience([]string{testClientID}).
		Subject("lms-user-1").
		IssuedAt(now).
		Expiration(now.Add(5 * time.Minute)).
		Claim(claimMessageType, "LtiResourceLinkRequest").
		Claim(claimVersion, "1.3.0").
		Claim(claimDeploymentID, "deployment-1").
		Claim(claimResourceLink, map[string]interface{}{"id": "link-1", "title": "Lab 1"}).
		Claim(claimTargetLink, "https://hub.example.com/v2/lti13/callback").
		Claim(claimRoles, []interface{}{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"}).
		Claim(claimContext, map[string]interface{}{"label": "intro101"}).
		Build()
	if err != nil {
		t.Fatalf("building token: %v", err)
	}
	return tok
}

func newTestKeys(t *testing.T, kid string) (private jwk.Key, keys jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	private, err = jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("wrapping RSA key: %v", err)
	}
	if err := private.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatalf("setting kid: %v", err)
	}
	public, err := private.PublicKey()
	if err != nil {
		t.Fatalf("deriving public key: %v", err)
	}
	keys = jwk.NewSet()
	if err := keys.AddKey(public); err != nil {
		t.Fatalf("building key set: %v", err)
	}
	return private, keys
}

func newTestValidator13() *LTI13Validator {
	platforms := map[string]*Platform{
		testIssuer: {
			Issuer:   testIssuer,
			ClientID: testClientID,
		},
	}
	return NewLTI13Validator(platforms, false)
}

func TestValidateLaunchClaims(t *testing.T) {
	v := newTestValidator13()
	if err := v.ValidateLaunchClaims(newLaunchToken(t)); err != nil {
		t.Fatalf("valid claims rejected: %v", err)
	}

	// roleless launches are allowed
	tok := newLaunchToken(t)
	if err := tok.Set(claimRoles, []interface{}{}); err != nil {
		t.Fatalf("setting roles: %v", err)
	}
	if err := v.ValidateLaunchClaims(tok); err != nil {
		t.Errorf("empty roles list rejected: %v", err)
	}

	tests := []struct {
		name  string
		claim string
		value interface{}
	}{
		{"wrong message type", claimMessageType, "LtiDeepLinkingRequest"},
		{"wrong version", claimVersion, "1.1.0"},
		{"empty deployment id", claimDeploymentID, ""},
		{"resource link without id", claimResourceLink, map[string]interface{}{"title": "Lab 1"}},
		{"empty target link", claimTargetLink, ""},
	}
	for _, test := range tests {
		tok := newLaunchToken(t)
		if err := tok.Set(test.claim, test.value); err != nil {
			t.Fatalf("%s: setting claim: %v", test.name, err)
		}
		err := v.ValidateLaunchClaims(tok)
		if _, ok := err.(*InvalidClaimError); !ok {
			t.Errorf("%s: expected InvalidClaimError, got %v", test.name, err)
		}
	}

	// missing roles entirely is a rejection
	tok = newLaunchToken(t)
	if err := tok.Remove(claimRoles); err != nil {
		t.Fatalf("removing roles: %v", err)
	}
	err := v.ValidateLaunchClaims(tok)
	if _, ok := err.(*InvalidClaimError); !ok {
		t.Errorf("missing roles: expected InvalidClaimError, got %v", err)
	}
}

func TestVerifyAndDecode(t *testing.T) {
	private, keys := newTestKeys(t, testKeyID)
	signed, err := jwt.Sign(newLaunchToken(t), jwt.WithKey(jwa.RS256, private))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	v := newTestValidator13()
	ctx := context.Background()

	tok, err := v.VerifyAndDecode(ctx, signed, keys, testClientID)
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if tok == nil {
		t.Fatalf("valid token returned nil")
	}
	if tok.Subject() != "lms-user-1" {
		t.Errorf("subject = %q, expected lms-user-1", tok.Subject())
	}

	// a token signed by a key the platform never published: the kid is
	// not in the set, so the token is quietly refused
	_, otherKeys := newTestKeys(t, "some-other-kid")
	tok, err = v.VerifyAndDecode(ctx, signed, otherKeys, testClientID)
	if err != nil {
		t.Fatalf("unknown kid should not be an error: %v", err)
	}
	if tok != nil {
		t.Errorf("unknown kid returned a token")
	}

	// wrong audience
	if _, err := v.VerifyAndDecode(ctx, signed, keys, "someone-else"); err == nil {
		t.Errorf("token with wrong audience accepted")
	}

	// garbage
	if _, err := v.VerifyAndDecode(ctx, []byte("not-a-jwt"), keys, testClientID); err == nil {
		t.Errorf("garbage token accepted")
	}
}

func TestVerifyAndDecodeSkipVerify(t *testing.T) {
	private, _ := newTestKeys(t, testKeyID)
	signed, err := jwt.Sign(newLaunchToken(t), jwt.WithKey(jwa.RS256, private))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	v := NewLTI13Validator(map[string]*Platform{}, true)
	tok, err := v.VerifyAndDecode(context.Background(), signed, jwk.NewSet(), testClientID)
	if err != nil {
		t.Fatalf("skip-verify decode failed: %v", err)
	}
	if tok == nil || tok.Subject() != "lms-user-1" {
		t.Errorf("skip-verify did not decode the payload")
	}
}

func TestIdentityFromClaims(t *testing.T) {
	tok := newLaunchToken(t)
	identity, err := identityFromClaims(tok)
	if err != nil {
		t.Fatalf("identityFromClaims: %v", err)
	}
	want := LaunchIdentity{Username: "lms-user-1", CourseID: "intro101", Role: RoleLearner, LMSUserID: "lms-user-1"}
	if identity != want {
		t.Errorf("identity = %+v, expected %+v", identity, want)
	}

	// email beats the subject, instructor roles grant privileges
	tok = newLaunchToken(t)
	tok.Set("email", "Teacher.One+lti@school.edu")
	tok.Set(claimRoles, []interface{}{"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"})
	identity, err = identityFromClaims(tok)
	if err != nil {
		t.Fatalf("identityFromClaims: %v", err)
	}
	if identity.Username != "teacher.one" {
		t.Errorf("username = %q, expected teacher.one", identity.Username)
	}
	if identity.Role != RoleInstructor {
		t.Errorf("role = %q, expected %q", identity.Role, RoleInstructor)
	}

	// the canvas login id wins over everything
	tok.Set(claimCustom, map[string]interface{}{"canvas_user_login_id": "Teach1"})
	identity, err = identityFromClaims(tok)
	if err != nil {
		t.Fatalf("identityFromClaims: %v", err)
	}
	if identity.Username != "teach1" {
		t.Errorf("username = %q, expected teach1", identity.Username)
	}
}

func TestNextLink(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{`<https://lms.example.com/items?page=2>; rel="next"`, "https://lms.example.com/items?page=2"},
		{`<https://a/items?page=1>; rel="prev", <https://a/items?page=3>; rel="next"`, "https://a/items?page=3"},
		{`<https://a/items?page=1>; rel="last"`, ""},
	}
	for _, test := range tests {
		if got := nextLink(test.header); got != test.want {
			t.Errorf("nextLink(%q) = %q, expected %q", test.header, got, test.want)
		}
	}
}
