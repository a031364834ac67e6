// Package vault encrypts provider API keys at rest.
//
// A 32-byte salt is generated once per install. The encryption key is derived
// from it with PBKDF2-HMAC-SHA256 and cached for the life of the Vault. Each
// key is sealed with AES-256-GCM under a fresh 12-byte IV and stored as
// base64(IV || ciphertext). A separate base64(SHA-256(key || salt)) lets
// callers check a candidate key without decrypting anything.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/llm"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/germanamz/pagechat/pkg/storage"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize   = 32
	IVSize     = 12
	KeySize    = 32
	Iterations = 100_000

	// DefaultPassphrase is mixed with the install salt when deriving the key.
	DefaultPassphrase = "pagechat-credential-vault"

	// LegacyProvider receives a legacy single "apiKey" value.
	LegacyProvider = "deepseek"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{32,128}$`)

// Vault stores and retrieves encrypted provider keys.
type Vault struct {
	store      storage.Queue
	passphrase string
	providers  []string
	random     io.Reader
	log        zerolog.Logger

	mu   sync.Mutex
	salt []byte
	aead cipher.AEAD
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(v *Vault) { v.log = l } }

// WithPassphrase overrides the install identity mixed into key derivation.
func WithPassphrase(p string) Option { return func(v *Vault) { v.passphrase = p } }

// WithProviders restricts which provider names may hold a key.
func WithProviders(p ...string) Option { return func(v *Vault) { v.providers = p } }

// WithRandom replaces the source of salts and IVs.
func WithRandom(r io.Reader) Option { return func(v *Vault) { v.random = r } }

// New creates a Vault over st. Writes to st are serialized per key.
func New(st storage.Storage, opts ...Option) *Vault {
	v := &Vault{
		store:      storage.Serialized(st),
		passphrase: DefaultPassphrase,
		providers:  slices.Clone(settings.Providers),
		random:     rand.Reader,
		log:        zerolog.Nop(),
	}

	for _, o := range opts {
		o(v)
	}

	return v
}

// cipher returns the AEAD and salt, creating the salt on first use.
func (v *Vault) cipher(ctx context.Context) (cipher.AEAD, []byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.aead != nil {
		return v.aead, v.salt, nil
	}

	var salt []byte

	err := v.store.Update(ctx, storage.KeyInstallSalt, func(current []byte, ok bool) ([]byte, error) {
		if ok {
			var encoded string
			if err := json.Unmarshal(current, &encoded); err != nil {
				return nil, chaterr.Wrap(chaterr.CredentialCorrupt, err, "install salt is unreadable")
			}
			decoded, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil || len(decoded) != SaltSize {
				return nil, chaterr.New(chaterr.CredentialCorrupt, "install salt is malformed")
			}
			salt = decoded
			return current, nil
		}

		salt = make([]byte, SaltSize)
		if _, err := io.ReadFull(v.random, salt); err != nil {
			return nil, fmt.Errorf("vault: generate salt: %w", err)
		}
		v.log.Info().Msg("vault: generated install salt")

		return json.Marshal(base64.StdEncoding.EncodeToString(salt))
	})
	if err != nil {
		return nil, nil, err
	}

	key := pbkdf2.Key([]byte(v.passphrase), salt, Iterations, KeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: gcm: %w", err)
	}

	v.aead = aead
	v.salt = salt

	return aead, salt, nil
}

func (v *Vault) checkProvider(provider string) error {
	if provider == "" {
		return chaterr.New(chaterr.CredentialMissing, "provider is required")
	}
	if !slices.Contains(v.providers, provider) {
		return chaterr.Newf(chaterr.CredentialInvalid, "unknown provider %q", provider)
	}
	return nil
}

// ValidateFormat checks key against the accepted API key shape.
func ValidateFormat(key string) error {
	if key == "" {
		return chaterr.New(chaterr.CredentialMissing, "api key is empty")
	}
	if !keyPattern.MatchString(key) {
		return chaterr.New(chaterr.CredentialInvalid, "api key has an invalid format")
	}
	return nil
}

func hashKey(key string, salt []byte) string {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write(salt)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Store encrypts key and records it for provider, replacing any previous key.
func (v *Vault) Store(ctx context.Context, provider, key string) error {
	if err := v.checkProvider(provider); err != nil {
		return err
	}
	if err := ValidateFormat(key); err != nil {
		return err
	}

	aead, salt, err := v.cipher(ctx)
	if err != nil {
		return err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(v.random, iv); err != nil {
		return fmt.Errorf("vault: generate iv: %w", err)
	}

	sealed := aead.Seal(iv, iv, []byte(key), []byte(provider))
	blob := base64.StdEncoding.EncodeToString(sealed)

	var (
		prev    string
		hadPrev bool
	)
	if err := v.updateMap(ctx, storage.KeyEncryptedAPIKeys, func(m map[string]string) {
		prev, hadPrev = m[provider]
		m[provider] = blob
	}); err != nil {
		return err
	}

	if err := v.updateMap(ctx, storage.KeyAPIKeyHashes, func(m map[string]string) {
		m[provider] = hashKey(key, salt)
	}); err != nil {
		// Restore the previous blob.
		if rerr := v.updateMap(ctx, storage.KeyEncryptedAPIKeys, func(m map[string]string) {
			if hadPrev {
				m[provider] = prev
			} else {
				delete(m, provider)
			}
		}); rerr != nil {
			v.log.Error().Err(rerr).Str("provider", provider).Msg("vault: roll back key after hash write failure")
		}
		return err
	}

	v.log.Info().Str("provider", provider).Msg("vault: stored key")

	return nil
}

// Get decrypts and returns the key stored for provider.
func (v *Vault) Get(ctx context.Context, provider string) (string, error) {
	if err := v.checkProvider(provider); err != nil {
		return "", err
	}

	blobs, err := v.readMap(ctx, storage.KeyEncryptedAPIKeys)
	if err != nil {
		return "", err
	}

	blob, ok := blobs[provider]
	if !ok {
		return "", chaterr.Newf(chaterr.CredentialMissing, "no api key stored for %s", provider)
	}

	aead, _, err := v.cipher(ctx)
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(sealed) < IVSize+aead.Overhead() {
		return "", chaterr.Newf(chaterr.CredentialCorrupt, "stored key for %s is malformed", provider)
	}

	plain, err := aead.Open(nil, sealed[:IVSize], sealed[IVSize:], []byte(provider))
	if err != nil {
		return "", chaterr.Wrap(chaterr.CredentialCorrupt, err, "stored key for "+provider+" failed authentication")
	}

	return string(plain), nil
}

// Has reports whether a key is recorded for provider. It does not decrypt.
func (v *Vault) Has(ctx context.Context, provider string) (bool, error) {
	hashes, err := v.readMap(ctx, storage.KeyAPIKeyHashes)
	if err != nil {
		return false, err
	}

	_, ok := hashes[provider]

	return ok, nil
}

// ValidateStoredKey reports whether candidate is the key stored for
// provider, by hash comparison only.
func (v *Vault) ValidateStoredKey(ctx context.Context, provider, candidate string) (bool, error) {
	hashes, err := v.readMap(ctx, storage.KeyAPIKeyHashes)
	if err != nil {
		return false, err
	}

	stored, ok := hashes[provider]
	if !ok || candidate == "" {
		return false, nil
	}

	_, salt, err := v.cipher(ctx)
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare([]byte(stored), []byte(hashKey(candidate, salt))) == 1, nil
}

// Remove deletes the key and hash for provider.
func (v *Vault) Remove(ctx context.Context, provider string) error {
	drop := func(m map[string]string) { delete(m, provider) }

	if err := v.updateMap(ctx, storage.KeyEncryptedAPIKeys, drop); err != nil {
		return err
	}
	if err := v.updateMap(ctx, storage.KeyAPIKeyHashes, drop); err != nil {
		return err
	}

	v.log.Info().Str("provider", provider).Msg("vault: removed key")

	return nil
}

// Providers returns the sorted names of providers with a stored key.
func (v *Vault) Providers(ctx context.Context) ([]string, error) {
	blobs, err := v.readMap(ctx, storage.KeyEncryptedAPIKeys)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(blobs))
	for name := range blobs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

// MigrateLegacy moves plaintext keys left by older versions into the vault
// and deletes the plaintext copies. Keys that fail format validation are
// dropped. It returns the providers that were migrated.
func (v *Vault) MigrateLegacy(ctx context.Context) ([]string, error) {
	legacy := make(map[string]string)

	if raw, ok, err := v.store.Get(ctx, storage.KeyLegacyAPIKeys); err != nil {
		return nil, err
	} else if ok {
		if err := json.Unmarshal(raw, &legacy); err != nil {
			v.log.Warn().Err(err).Msg("vault: legacy key map is unreadable")
		}
	}

	if raw, ok, err := v.store.Get(ctx, storage.KeyLegacyAPIKey); err != nil {
		return nil, err
	} else if ok {
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			single = strings.TrimSpace(string(raw))
		}
		if _, exists := legacy[LegacyProvider]; !exists && single != "" {
			legacy[LegacyProvider] = single
		}
	}

	var migrated []string

	providers := make([]string, 0, len(legacy))
	for p := range legacy {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	for _, p := range providers {
		if err := v.Store(ctx, p, legacy[p]); err != nil {
			if chaterr.Is(err, chaterr.CredentialInvalid) || chaterr.Is(err, chaterr.CredentialMissing) {
				v.log.Warn().Str("provider", p).Str("kind", string(chaterr.KindOf(err))).Msg("vault: dropped legacy key")
				continue
			}
			return migrated, err
		}
		migrated = append(migrated, p)
	}

	if err := v.store.Remove(ctx, storage.KeyLegacyAPIKeys); err != nil {
		return migrated, err
	}
	if err := v.store.Remove(ctx, storage.KeyLegacyAPIKey); err != nil {
		return migrated, err
	}

	if len(migrated) > 0 {
		v.log.Info().Strs("providers", migrated).Msg("vault: migrated legacy keys")
	}

	return migrated, nil
}

// AuthorizationHeader returns the headers a provider request needs: a bearer
// Authorization and a random 128-bit hex X-Request-ID.
func (v *Vault) AuthorizationHeader(ctx context.Context, provider string) (http.Header, error) {
	key, err := v.Get(ctx, provider)
	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	h.Set("Authorization", "Bearer "+key)
	h.Set("X-Request-ID", llm.NewRequestID())

	return h, nil
}

func (v *Vault) readMap(ctx context.Context, key string) (map[string]string, error) {
	raw, ok, err := v.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	m := make(map[string]string)
	if !ok {
		return m, nil
	}

	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, chaterr.Wrap(chaterr.CredentialCorrupt, err, key+" is unreadable")
	}

	return m, nil
}

func (v *Vault) updateMap(ctx context.Context, key string, fn func(map[string]string)) error {
	return v.store.Update(ctx, key, func(current []byte, ok bool) ([]byte, error) {
		m := make(map[string]string)
		if ok {
			if err := json.Unmarshal(current, &m); err != nil {
				return nil, chaterr.Wrap(chaterr.CredentialCorrupt, err, key+" is unreadable")
			}
		}

		fn(m)

		return json.Marshal(m)
	})
}
