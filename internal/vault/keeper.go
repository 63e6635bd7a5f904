package vault

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
	"github.com/mtzanidakis/saat/internal/store"
)

// SecretRefPrefix marks an environment value that names a vault secret.
const SecretRefPrefix = "secret:"

var ErrSecretNotFound = errors.New("secret not found")

// Keeper stores named secrets encrypted in the run store.
type Keeper struct {
	vault *Vault
	db    *store.Store
}

func NewKeeper(v *Vault, db *store.Store) *Keeper {
	return &Keeper{vault: v, db: db}
}

// Set encrypts value and stores it under name, replacing an existing
// secret with the same name.
func (k *Keeper) Set(name, description string, value []byte) error {
	ciphertext, nonce, err := k.vault.Encrypt(value)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	existing, err := k.db.GetSecretByName(name)
	if err != nil {
		return err
	}
	if existing != nil {
		id = existing.ID
		if description == "" {
			description = existing.Description
		}
	}

	return k.db.SaveSecret(&store.Secret{
		ID:          id,
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	})
}

func (k *Keeper) Get(name string) ([]byte, error) {
	sec, err := k.db.GetSecretByName(name)
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return k.vault.Decrypt(sec.Value, sec.Nonce)
}

func (k *Keeper) Delete(name string) error {
	ok, err := k.db.DeleteSecretByName(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return nil
}

func (k *Keeper) List() ([]store.Secret, error) {
	return k.db.ListSecrets()
}

// ResolveEnv returns a copy of env with every "secret:<name>" value
// replaced by the decrypted secret.
func (k *Keeper) ResolveEnv(env map[string]string) (map[string]string, error) {
	out := maps.Clone(env)
	for key, val := range env {
		name, ok := strings.CutPrefix(val, SecretRefPrefix)
		if !ok {
			continue
		}
		plain, err := k.Get(name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", key, err)
		}
		out[key] = string(plain)
	}
	return out, nil
}
