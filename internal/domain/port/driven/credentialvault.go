package driven

import "context"

// CredentialVault defines the driven port for durable secret storage. The
// vault stores opaque bytes; interpreting them (token JSON, session JSON) is
// the owning client's business, never the vault's.
type CredentialVault interface {
	// Store writes or replaces the secret under key.
	Store(ctx context.Context, key string, secret []byte) error

	// Load returns the secret for key, or (nil, nil) when absent.
	Load(ctx context.Context, key string) ([]byte, error)

	// Clear removes the secret for key. Clearing an absent key is not an error.
	Clear(ctx context.Context, key string) error
}
