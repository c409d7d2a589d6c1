package wallet

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"

	"solana-yield-agent/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.DB, string) {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	store, err := NewStore(db, dir, "test-store-secret", 12)
	require.NoError(t, err)

	return store, db, dir
}

func TestStoreRequiresSecret(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = NewStore(db, t.TempDir(), "", 12)
	assert.Error(t, err)
}

func TestCreateWallet(t *testing.T) {
	store, _, _ := newTestStore(t)

	res, err := store.Create("user-1", "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.PublicKey)
	assert.Len(t, strings.Fields(res.Mnemonic), 12)
	assert.True(t, bip39.IsMnemonicValid(res.Mnemonic))

	w, err := store.Get("user-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, res.PublicKey, w.Address())

	// One wallet per user
	_, err = store.Create("user-1", "user-1")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestImportExportRoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t)

	pubkey, err := store.Import("user-1", testMnemonic, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, pubkey)

	exported, err := store.Export("user-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, testMnemonic, exported)

	// Importing the same phrase elsewhere derives the same address
	w, err := FromMnemonic(testMnemonic)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), pubkey)
}

func TestImportNormalizesInput(t *testing.T) {
	store, _, _ := newTestStore(t)

	messy := "  " + strings.ToUpper(testMnemonic) + "  "
	pubkey, err := store.Import("user-1", messy, "user-1")
	require.NoError(t, err)

	w, err := FromMnemonic(testMnemonic)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), pubkey)
}

func TestImportInvalidMnemonic(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Import("user-1", "twelve bogus words that do not validate at all in any list", "user-1")
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestImportRejectsFifteenWordMnemonic(t *testing.T) {
	store, db, _ := newTestStore(t)

	// Checksum-valid per BIP39, but not a word count this system issues.
	entropy, err := bip39.NewEntropy(160)
	require.NoError(t, err)
	fifteen, err := bip39.NewMnemonic(entropy)
	require.NoError(t, err)
	require.True(t, bip39.IsMnemonicValid(fifteen))

	_, err = store.Import("user-1", fifteen, "user-1")
	assert.ErrorIs(t, err, ErrInvalidMnemonic)

	// The rejection must leave no wallet behind.
	rec, err := db.GetWallet("user-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestOwnerAuthorization(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Create("user-1", "user-1")
	require.NoError(t, err)

	_, err = store.Export("user-1", "user-2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = store.Get("user-1", "user-2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = store.Import("user-1", testMnemonic, "user-2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = store.Create("user-3", "user-2")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGetMissingWallet(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Get("ghost", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Export("ghost", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidUserID(t *testing.T) {
	store, _, _ := newTestStore(t)

	for _, id := range []string{"", "../evil", "user 1", "user#1", strings.Repeat("a", 65)} {
		_, err := store.Create(id, id)
		assert.ErrorIs(t, err, ErrInvalidUserID, "id %q", id)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	dir := t.TempDir()

	store1, err := NewStore(db, dir, "test-store-secret", 12)
	require.NoError(t, err)

	res, err := store1.Create("user-1", "user-1")
	require.NoError(t, err)

	// Fresh store over the same database and blob dir
	store2, err := NewStore(db, dir, "test-store-secret", 12)
	require.NoError(t, err)
	require.NoError(t, store2.LoadAll())

	ids, err := store2.ListUserIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, ids)

	w, err := store2.Get("user-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, res.PublicKey, w.Address())
	assert.Equal(t, 1, store2.Count())
}

func TestWrongSecretCannotUnlock(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	dir := t.TempDir()

	store1, err := NewStore(db, dir, "right-secret", 12)
	require.NoError(t, err)
	_, err = store1.Create("user-1", "user-1")
	require.NoError(t, err)

	store2, err := NewStore(db, dir, "wrong-secret", 12)
	require.NoError(t, err)

	_, err = store2.Get("user-1", "user-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestAddressWithoutUnlock(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	dir := t.TempDir()

	store1, err := NewStore(db, dir, "test-store-secret", 12)
	require.NoError(t, err)
	res, err := store1.Create("user-1", "user-1")
	require.NoError(t, err)

	// Address reads metadata only; no decrypt, works even with the wrong
	// secret loaded
	store2, err := NewStore(db, dir, "different-secret", 12)
	require.NoError(t, err)

	addr, err := store2.Address("user-1")
	require.NoError(t, err)
	assert.Equal(t, res.PublicKey, addr)
	assert.Equal(t, 0, store2.Count())
}

func TestBlobCleanupOnInsertFailure(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	dir1, dir2 := t.TempDir(), t.TempDir()

	store1, err := NewStore(db, dir1, "test-store-secret", 12)
	require.NoError(t, err)
	_, err = store1.Create("user-1", "user-1")
	require.NoError(t, err)

	// Same database, separate blob dir. Calling persist directly skips the
	// duplicate precheck and forces the row conflict at insert time.
	store2, err := NewStore(db, dir2, "test-store-secret", 12)
	require.NoError(t, err)

	w, err := FromMnemonic(testMnemonic)
	require.NoError(t, err)
	err = store2.persist("user-1", testMnemonic, w)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// The orphan blob must be gone
	matches, err := filepath.Glob(filepath.Join(dir2, "*.enc"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
