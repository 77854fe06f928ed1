package credential

import (
	"fmt"

	"github.com/fyrsmithlabs/batchd/internal/config"
)

// Keyring maps refs to the secrets they stand for. It is the only place
// secrets and refs meet; hand it to the code that calls the API, never
// to anything that logs or persists.
type Keyring struct {
	secrets map[Ref]config.Secret
	refs    []Ref
}

// NewKeyring assigns cred-<i> refs to secrets in order.
func NewKeyring(secrets []config.Secret) (*Keyring, error) {
	k := &Keyring{
		secrets: make(map[Ref]config.Secret, len(secrets)),
		refs:    RefsFor(len(secrets)),
	}
	seen := make(map[string]Ref, len(secrets))
	for i, s := range secrets {
		if !s.IsSet() {
			return nil, fmt.Errorf("credential %d is empty: %w", i, ErrUnknownCredential)
		}
		ref := k.refs[i]
		if prev, dup := seen[s.Value()]; dup {
			return nil, fmt.Errorf("%s duplicates %s: %w", ref, prev, ErrUnknownCredential)
		}
		seen[s.Value()] = ref
		k.secrets[ref] = s
	}
	return k, nil
}

// Refs returns the refs in configuration order.
func (k *Keyring) Refs() []Ref {
	return append([]Ref(nil), k.refs...)
}

// Secret returns the secret for ref.
func (k *Keyring) Secret(ref Ref) (config.Secret, error) {
	s, ok := k.secrets[ref]
	if !ok {
		return "", fmt.Errorf("%s: %w", ref, ErrUnknownCredential)
	}
	return s, nil
}
