// Package credentials implements encrypted at-rest storage of named
// database credential profiles, key rotation and masking.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/angelitosystems/tenancy/internal/config"
	"github.com/angelitosystems/tenancy/internal/domain"
	"github.com/angelitosystems/tenancy/internal/resilience"
)

// ErrRotationFailed indicates a mid-rotation re-encryption error. The store
// guarantees no partial key state: every profile remains decryptable under
// the original key.
var ErrRotationFailed = errors.New("credential key rotation failed")

// Fields is a credential profile's field set (host, port, username,
// password, driver, plus arbitrary extra keys).
type Fields map[string]string

// clone returns a shallow copy so callers never share the cached map.
func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Backend is the durable store for encrypted profiles.
type Backend interface {
	Get(ctx context.Context, profile string) (Fields, error)
	Load(ctx context.Context) (map[string]Fields, error)
	Save(ctx context.Context, profile string, f Fields) error
	Delete(ctx context.Context, profile string) error
	// ReplaceAll atomically swaps the full profile set. Used by key
	// rotation; a failure must leave the previous contents intact.
	ReplaceAll(ctx context.Context, all map[string]Fields) error
}

// Prober attempts a lightweight connectivity check with the given fields.
type Prober func(ctx context.Context, f Fields) error

// PoolConfig is the connection pool sizing the store advertises.
type PoolConfig struct {
	Min            int
	Max            int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// Masked is the fixed redaction marker for sensitive fields.
const Masked = "********"

// Store encrypts, persists, retrieves, rotates and masks credential
// profiles. Sensitive fields (matched by the configured name pattern) are
// sealed before they reach the backend and decrypted transparently on Get.
type Store struct {
	cfg       config.Credentials
	pool      PoolConfig
	backend   Backend
	sensitive *regexp.Regexp
	prober    Prober
	breaker   *resilience.Breaker
	log       *slog.Logger

	// mu serializes key rotation against every other profile operation
	// and guards the decrypted in-memory cache.
	mu    sync.Mutex
	box   *cipherBox // nil = encryption disabled
	cache map[string]Fields
}

// NewStore creates a credential store. An empty encryption key disables
// sealing (values are stored as-is); this is logged loudly.
func NewStore(backend Backend, cfg config.Credentials, connCfg config.Connections, prober Prober, breaker *resilience.Breaker, log *slog.Logger) (*Store, error) {
	sensitive, err := regexp.Compile(cfg.SensitivePattern)
	if err != nil {
		return nil, fmt.Errorf("sensitive pattern: %w", err)
	}

	var box *cipherBox
	if cfg.EncryptionKey != "" {
		if box, err = newCipherBox(cfg.EncryptionKey); err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
	} else {
		log.Warn("credential encryption disabled: no encryption key configured")
	}

	return &Store{
		cfg:     cfg,
		backend: backend,
		pool: PoolConfig{
			Min:            connCfg.MinOpen,
			Max:            connCfg.MaxOpen,
			ConnectTimeout: connCfg.ConnectTimeout,
			IdleTimeout:    connCfg.IdleTimeout,
		},
		sensitive: sensitive,
		prober:    prober,
		breaker:   breaker,
		log:       log,
		box:       box,
		cache:     make(map[string]Fields),
	}, nil
}

// Get returns the profile's fields with sensitive values decrypted.
// Fails with an error wrapping ErrDecryptFailed when stored ciphertext
// cannot be opened under the current key.
func (s *Store) Get(ctx context.Context, profile string) (Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.cache[profile]; ok {
		return f.clone(), nil
	}

	stored, err := s.backend.Get(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("get profile %q: %w", profile, err)
	}
	plain, err := s.open(stored)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", profile, err)
	}
	s.cache[profile] = plain
	return plain.clone(), nil
}

// StoreProfile encrypts sensitive fields and persists the profile,
// overwriting any existing profile of the same name.
func (s *Store) StoreProfile(ctx context.Context, profile string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.seal(f)
	if err != nil {
		return fmt.Errorf("store profile %q: %w", profile, err)
	}
	if err := s.backend.Save(ctx, profile, sealed); err != nil {
		return fmt.Errorf("store profile %q: %w", profile, err)
	}
	s.cache[profile] = f.clone()
	s.log.Info("credential profile stored", "profile", profile)
	return nil
}

// Remove deletes the profile from the backend and the in-memory cache.
func (s *Store) Remove(ctx context.Context, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, profile); err != nil {
		return fmt.Errorf("remove profile %q: %w", profile, err)
	}
	delete(s.cache, profile)
	s.log.Info("credential profile removed", "profile", profile)
	return nil
}

// Has reports whether the profile exists.
func (s *Store) Has(ctx context.Context, profile string) bool {
	s.mu.Lock()
	if _, ok := s.cache[profile]; ok {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	_, err := s.backend.Get(ctx, profile)
	return err == nil
}

// Profiles returns the sorted names of all stored profiles.
func (s *Store) Profiles(ctx context.Context) ([]string, error) {
	all, err := s.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Validate probes connectivity with the profile's fields. Failures of any
// kind, including an open circuit, are swallowed into false.
func (s *Store) Validate(ctx context.Context, profile string) bool {
	if s.prober == nil {
		return false
	}
	f, err := s.Get(ctx, profile)
	if err != nil {
		return false
	}

	probe := func() error {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ValidateTimeout)
		defer cancel()
		return s.prober(pctx, f)
	}

	if s.breaker != nil {
		err = s.breaker.Do(probe)
	} else {
		err = probe()
	}
	if err != nil {
		s.log.Debug("credential validation failed", "profile", profile, "error", err)
		return false
	}
	return true
}

// RotateKey re-encrypts every profile's sensitive fields under newKey and
// swaps the active key. All-or-nothing: on any failure the previous key and
// ciphertexts remain in effect. Rotation is serialized against all other
// store operations.
func (s *Store) RotateKey(ctx context.Context, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newBox, err := newCipherBox(newKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}

	all, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load: %v", ErrRotationFailed, err)
	}

	reencrypted := make(map[string]Fields, len(all))
	for name, stored := range all {
		plain, err := s.open(stored)
		if err != nil {
			return fmt.Errorf("%w: profile %q: %v", ErrRotationFailed, name, err)
		}
		sealed, err := sealWith(newBox, s.sensitive, plain)
		if err != nil {
			return fmt.Errorf("%w: profile %q: %v", ErrRotationFailed, name, err)
		}
		reencrypted[name] = sealed
	}

	if err := s.backend.ReplaceAll(ctx, reencrypted); err != nil {
		return fmt.Errorf("%w: swap: %v", ErrRotationFailed, err)
	}

	s.box = newBox
	s.log.Info("credential encryption key rotated", "profiles", len(reencrypted))
	return nil
}

// MaskedProfile returns a copy with every sensitive field replaced by the
// redaction marker; non-sensitive fields pass through unchanged.
func (s *Store) MaskedProfile(ctx context.Context, profile string) (Fields, error) {
	f, err := s.Get(ctx, profile)
	if err != nil {
		return nil, err
	}
	for k := range f {
		if s.sensitive.MatchString(k) {
			f[k] = Masked
		}
	}
	return f, nil
}

// Clear wipes the in-memory decrypted cache. The durable encrypted store
// is untouched.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]Fields)
}

// GenerateDatabaseName derives the deterministic database name for a tenant.
func (s *Store) GenerateDatabaseName(tenantSlug, tenantID string) string {
	return GenerateDatabaseName(tenantSlug, tenantID)
}

// PoolConfig returns the advertised connection pool sizing.
func (s *Store) PoolConfig() PoolConfig {
	return s.pool
}

// IsNotFound reports whether err means the profile does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// seal encrypts the sensitive fields of f under the active key.
func (s *Store) seal(f Fields) (Fields, error) {
	return sealWith(s.box, s.sensitive, f)
}

func sealWith(box *cipherBox, sensitive *regexp.Regexp, f Fields) (Fields, error) {
	out := f.clone()
	if box == nil {
		return out, nil
	}
	for k, v := range out {
		if !sensitive.MatchString(k) || v == "" {
			continue
		}
		sealed, err := box.Seal(v)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", k, err)
		}
		out[k] = sealed
	}
	return out, nil
}

// open decrypts any sealed values in stored.
func (s *Store) open(stored Fields) (Fields, error) {
	out := stored.clone()
	for k, v := range out {
		if !isSealed(v) {
			continue
		}
		if s.box == nil {
			return nil, fmt.Errorf("%w: value sealed but encryption is disabled", ErrDecryptFailed)
		}
		plain, err := s.box.Open(v)
		if err != nil {
			return nil, err
		}
		out[k] = plain
	}
	return out, nil
}
