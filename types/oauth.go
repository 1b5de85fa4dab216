package types

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// OAuthEscape percent-encodes per RFC 5849 section 3.6. This differs from
// url.QueryEscape: spaces become %20 and only unreserved characters pass.
func OAuthEscape(s string) string {
	var buf bytes.Buffer
	for _, b := range []byte(s) {
		if b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '-' || b == '.' || b == '_' || b == '~' {
			buf.WriteByte(b)
		} else {
			fmt.Fprintf(&buf, "%%%02X", b)
		}
	}
	return buf.String()
}

// OAuthEncode encodes values sorted by key using OAuthEscape, the
// parameter normalization step of the signature base string.
func OAuthEncode(v url.Values) string {
	if v == nil {
		return ""
	}
	var buf bytes.Buffer
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vs := append([]string{}, v[k]...)
		sort.Strings(vs)
		prefix := OAuthEscape(k) + "="
		for _, val := range vs {
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(prefix)
			buf.WriteString(OAuthEscape(val))
		}
	}
	return buf.String()
}

// NormalizeURL reduces a launch URL to the base-string form: lower-cased
// scheme and host, default ports dropped, query and fragment dropped.
func NormalizeURL(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, map[string]string{"http": ":80", "https": ":443"}[scheme])
	path := u.Path
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, nil
}

// SignatureBaseString builds the OAuth 1.0 base string from the request
// method, URL, and the decoded parameter set (oauth_signature excluded).
func SignatureBaseString(method, rawurl string, params url.Values) (string, error) {
	normalized, err := NormalizeURL(rawurl)
	if err != nil {
		return "", err
	}
	filtered := make(url.Values)
	for k, vs := range params {
		if k == "oauth_signature" {
			continue
		}
		filtered[k] = vs
	}
	return strings.ToUpper(method) + "&" + OAuthEscape(normalized) + "&" + OAuthEscape(OAuthEncode(filtered)), nil
}

// SignHMACSHA1 computes the base64 HMAC-SHA1 signature over the base
// string. The token secret is empty for LTI launches.
func SignHMACSHA1(baseString, consumerSecret, tokenSecret string) string {
	key := OAuthEscape(consumerSecret) + "&" + OAuthEscape(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignatureMatches compares a supplied signature against the computed one
// in constant time.
func SignatureMatches(supplied, computed string) bool {
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(computed)) == 1
}

// BodyHash computes the oauth_body_hash value for a signed POST body.
func BodyHash(body []byte) string {
	sum := sha1.Sum(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// AuthorizationHeader renders OAuth parameters as an Authorization header
// for outgoing signed requests.
func AuthorizationHeader(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", OAuthEscape(k), OAuthEscape(params.Get(k))))
	}
	return "OAuth " + strings.Join(parts, ",")
}
