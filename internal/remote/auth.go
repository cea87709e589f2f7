package remote

// Authenticator provides credentials for registry operations.
type Authenticator interface {
	// Authenticate returns credentials for the given registry. Empty
	// credentials fall back to the ambient keychain.
	Authenticate(registry string) (username, password string, err error)
}

// KeychainAuthenticator defers to the system keychain, matching docker
// login behavior.
type KeychainAuthenticator struct{}

// NewKeychainAuthenticator creates the default authenticator.
func NewKeychainAuthenticator() *KeychainAuthenticator {
	return &KeychainAuthenticator{}
}

// Authenticate returns empty credentials; remoteOptions then selects the
// go-containerregistry default keychain.
func (a *KeychainAuthenticator) Authenticate(registry string) (string, string, error) {
	return "", "", nil
}
