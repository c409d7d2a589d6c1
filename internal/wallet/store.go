package wallet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"solana-yield-agent/internal/storage"
)

var (
	// ErrNotFound means no wallet exists for the user
	ErrNotFound = errors.New("wallet not found")
	// ErrAlreadyExists rejects a second wallet for the same user
	ErrAlreadyExists = errors.New("wallet already exists for user")
	// ErrInvalidMnemonic rejects phrases that fail BIP39 validation
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	// ErrInvalidUserID rejects user IDs outside the allowed charset
	ErrInvalidUserID = errors.New("invalid user id")
	// ErrUnauthorized rejects callers operating on another user's wallet
	ErrUnauthorized = errors.New("caller does not own this wallet")
)

// User IDs become blob filenames, so the charset is locked down
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// CreateResult carries the one-time mnemonic back to the caller. It is
// never persisted in plaintext.
type CreateResult struct {
	PublicKey string
	Mnemonic  string
}

// Store manages one encrypted keypair per user. Mnemonics live on disk in
// sealed envelopes, metadata lives in SQLite, and decrypted handles are
// cached in memory for signing.
type Store struct {
	db     *storage.DB
	dir    string
	secret []byte
	words  int

	mu      sync.RWMutex
	handles map[string]*Wallet

	group singleflight.Group
}

// NewStore creates the wallet store. The secret is the system-held
// encryption secret; an empty secret refuses to start.
func NewStore(db *storage.DB, dir, secret string, words int) (*Store, error) {
	if secret == "" {
		return nil, errors.New("wallet store secret is not set")
	}
	if words != 12 && words != 24 {
		words = 24
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create wallet dir: %w", err)
	}

	return &Store{
		db:      db,
		dir:     dir,
		secret:  []byte(secret),
		words:   words,
		handles: make(map[string]*Wallet),
	}, nil
}

// Create generates a fresh wallet for the user. The mnemonic is returned
// exactly once for backup.
func (s *Store) Create(userID, callerID string) (*CreateResult, error) {
	if err := s.verifyOwner(userID, callerID); err != nil {
		return nil, err
	}

	if existing, err := s.db.GetWallet(userID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrAlreadyExists
	}

	mnemonic, err := NewMnemonic(s.words)
	if err != nil {
		return nil, err
	}

	w, err := FromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}

	if err := s.persist(userID, mnemonic, w); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("address", w.Address()).Msg("wallet created")

	return &CreateResult{PublicKey: w.Address(), Mnemonic: mnemonic}, nil
}

// Import registers an existing mnemonic for the user
func (s *Store) Import(userID, mnemonic, callerID string) (string, error) {
	if err := s.verifyOwner(userID, callerID); err != nil {
		return "", err
	}

	mnemonic = NormalizeMnemonic(mnemonic)
	w, err := FromMnemonic(mnemonic)
	if err != nil {
		return "", err
	}

	if existing, err := s.db.GetWallet(userID); err != nil {
		return "", err
	} else if existing != nil {
		return "", ErrAlreadyExists
	}

	if err := s.persist(userID, mnemonic, w); err != nil {
		return "", err
	}

	log.Info().Str("user_id", userID).Str("address", w.Address()).Msg("wallet imported")

	return w.Address(), nil
}

// Export decrypts and returns the user's mnemonic. Every export is audit
// logged.
func (s *Store) Export(userID, callerID string) (string, error) {
	if err := s.verifyOwner(userID, callerID); err != nil {
		return "", err
	}

	rec, err := s.db.GetWallet(userID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", ErrNotFound
	}

	blob, err := os.ReadFile(rec.BlobPath)
	if err != nil {
		return "", fmt.Errorf("read key blob: %w", err)
	}

	plaintext, err := open(s.secret, blob, []byte(userID))
	if err != nil {
		return "", err
	}

	if err := s.db.TouchWalletUnlock(userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to record wallet unlock")
	}

	log.Warn().Str("user_id", userID).Msg("mnemonic exported")

	return string(plaintext), nil
}

// Get returns the decrypted signing handle for the user
func (s *Store) Get(userID, callerID string) (*Wallet, error) {
	if err := s.verifyOwner(userID, callerID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	w, ok := s.handles[userID]
	s.mu.RUnlock()
	if ok {
		return w, nil
	}

	// Collapse concurrent loads of the same wallet into one decrypt
	v, err, _ := s.group.Do(userID, func() (interface{}, error) {
		return s.load(userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Wallet), nil
}

// Address returns the user's public key without unlocking the keypair
func (s *Store) Address(userID string) (string, error) {
	s.mu.RLock()
	w, ok := s.handles[userID]
	s.mu.RUnlock()
	if ok {
		return w.Address(), nil
	}

	rec, err := s.db.GetWallet(userID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", ErrNotFound
	}
	return rec.PublicKey, nil
}

// ListUserIDs returns every user with a wallet, oldest first
func (s *Store) ListUserIDs() ([]string, error) {
	recs, err := s.db.ListWallets()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.UserID)
	}
	return ids, nil
}

// LoadAll decrypts every stored wallet into the handle cache. Wallets that
// fail to open are logged and skipped so one corrupt blob cannot block
// startup.
func (s *Store) LoadAll() error {
	recs, err := s.db.ListWallets()
	if err != nil {
		return err
	}

	loaded := 0
	for _, rec := range recs {
		if _, err := s.load(rec.UserID); err != nil {
			log.Error().Err(err).Str("user_id", rec.UserID).Msg("failed to load wallet")
			continue
		}
		loaded++
	}

	log.Info().Int("loaded", loaded).Int("total", len(recs)).Msg("wallet store loaded")
	return nil
}

// Count returns the number of wallets currently unlocked in memory
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

func (s *Store) verifyOwner(userID, callerID string) error {
	if !userIDPattern.MatchString(userID) {
		return ErrInvalidUserID
	}
	if callerID != userID {
		return ErrUnauthorized
	}
	return nil
}

// persist writes the sealed blob first, then the metadata row. If the row
// insert fails the blob is removed, so no orphan key material stays on
// disk.
func (s *Store) persist(userID, mnemonic string, w *Wallet) error {
	blob, err := seal(s.secret, []byte(mnemonic), []byte(userID))
	if err != nil {
		return err
	}

	blobPath := filepath.Join(s.dir, userID+".enc")
	if err := os.WriteFile(blobPath, blob, 0600); err != nil {
		return fmt.Errorf("write key blob: %w", err)
	}

	rec := &storage.WalletRecord{
		UserID:           userID,
		PublicKey:        w.Address(),
		DerivationPath:   DerivationPath,
		MnemonicWords:    len(strings.Fields(mnemonic)),
		KDFMethod:        kdfArgon2id,
		EncryptionMethod: encAESGCM,
		CreatedAt:        storage.Now(),
		BlobPath:         blobPath,
	}

	if err := s.db.InsertWallet(rec); err != nil {
		if rmErr := os.Remove(blobPath); rmErr != nil {
			log.Error().Err(rmErr).Str("path", blobPath).Msg("failed to remove orphan key blob")
		}
		if errors.Is(err, storage.ErrDuplicate) {
			return ErrAlreadyExists
		}
		return err
	}

	s.mu.Lock()
	s.handles[userID] = w
	s.mu.Unlock()

	return nil
}

func (s *Store) load(userID string) (*Wallet, error) {
	rec, err := s.db.GetWallet(userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	blob, err := os.ReadFile(rec.BlobPath)
	if err != nil {
		return nil, fmt.Errorf("read key blob: %w", err)
	}

	plaintext, err := open(s.secret, blob, []byte(userID))
	if err != nil {
		return nil, err
	}

	w, err := FromMnemonic(string(plaintext))
	if err != nil {
		return nil, err
	}

	if rec.PublicKey != "" && rec.PublicKey != w.Address() {
		return nil, fmt.Errorf("decrypted key does not match stored public key for %s", userID)
	}

	if err := s.db.TouchWalletUnlock(userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to record wallet unlock")
	}

	s.mu.Lock()
	s.handles[userID] = w
	s.mu.Unlock()

	return w, nil
}
