package agent

import "crypto/subtle"

// SharedSecretAuthenticator verifies Authenticate's token against one
// pre-shared value. Per spec.md's non-goal of client-initiated JWT
// authentication, the real identity boundary is the mTLS handshake in
// Listen; this collaborator only guards the legacy token field every
// request still carries.
type SharedSecretAuthenticator struct {
	token []byte
}

// NewSharedSecretAuthenticator returns an Authenticator comparing every
// presented token against secret in constant time.
func NewSharedSecretAuthenticator(secret string) *SharedSecretAuthenticator {
	return &SharedSecretAuthenticator{token: []byte(secret)}
}

func (a *SharedSecretAuthenticator) Verify(token string) (bool, error) {
	if len(token) != len(a.token) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(token), a.token) == 1, nil
}
