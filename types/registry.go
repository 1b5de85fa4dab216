package types

// ConsumerRegistry maps LTI 1.1 oauth_consumer_key values to shared
// secrets. Loaded at startup and immutable afterward.
type ConsumerRegistry map[string]string

// Platform describes one registered LTI 1.3 platform deployment. Loaded
// at startup and immutable afterward.
type Platform struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"clientID"`
	AuthorizeURL string `json:"authorizeURL"`
	TokenURL     string `json:"tokenURL"`
	JWKSURL      string `json:"jwksURL"`
}
