package secrets

import (
	"context"
	"errors"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringResolver reads secrets from the system keyring:
// keyring://service/account.
type KeyringResolver struct{}

func (r *KeyringResolver) Scheme() string { return "keyring" }

func (r *KeyringResolver) Resolve(ctx context.Context, reference string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	service, account, err := parseKeyringReference(reference)
	if err != nil {
		return "", err
	}

	v, err := keyring.Get(service, account)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return "", &NotFoundError{Reference: reference, Backend: "keyring"}
	case err != nil:
		return "", &BackendError{
			Backend:   "keyring",
			Reference: reference,
			Reason:    err.Error(),
			Fix:       "On headless Linux hosts use env:// or awssm:// instead; the keyring needs a Secret Service provider.",
			Err:       err,
		}
	}
	return v, nil
}

// parseKeyringReference splits keyring://service/account.
func parseKeyringReference(ref string) (service, account string, err error) {
	rest := strings.TrimPrefix(ref, "keyring://")
	service, account, ok := strings.Cut(rest, "/")
	if !ok || service == "" || account == "" {
		return "", "", &InvalidReferenceError{Reference: ref, Reason: "expected keyring://service/account"}
	}
	return service, account, nil
}

// StoreKeyring saves value under keyring://service/account.
func StoreKeyring(reference, value string) error {
	service, account, err := parseKeyringReference(reference)
	if err != nil {
		return err
	}
	return keyring.Set(service, account, value)
}

func init() {
	Register(&KeyringResolver{})
}
