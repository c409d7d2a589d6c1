package wallet

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

// DerivationPath is recorded with every wallet. Keys are derived from the
// first 32 bytes of the BIP39 seed, the convention Solana CLI wallets use
// for the default account.
const DerivationPath = "m/44'/501'/0'/0'"

// Wallet holds the keypair for signing transactions
type Wallet struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
}

// NewWalletFromSeed creates a wallet from a 32-byte ed25519 seed
func NewWalletFromSeed(seed []byte) (*Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: %d (expected %d)", len(seed), ed25519.SeedSize)
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	address := base58.Encode(publicKey)

	return &Wallet{
		privateKey: privateKey,
		publicKey:  publicKey,
		address:    address,
	}, nil
}

// FromMnemonic derives the default Solana account from a BIP39 mnemonic.
// Only 12 and 24 word phrases are accepted; BIP39 also allows 15/18/21
// words but no supported wallet issues those.
func FromMnemonic(mnemonic string) (*Wallet, error) {
	if words := len(strings.Fields(mnemonic)); words != 12 && words != 24 {
		return nil, ErrInvalidMnemonic
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")
	return NewWalletFromSeed(seed[:ed25519.SeedSize])
}

// NewMnemonic generates a fresh mnemonic with 12 or 24 words
func NewMnemonic(words int) (string, error) {
	var bits int
	switch words {
	case 12:
		bits = 128
	case 24:
		bits = 256
	default:
		return "", fmt.Errorf("unsupported mnemonic length: %d words", words)
	}

	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// NormalizeMnemonic collapses whitespace and lowercases, so user-pasted
// phrases validate against the wordlist
func NormalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}

// Address returns the wallet's public key as Base58 string
func (w *Wallet) Address() string {
	return w.address
}

// PublicKey returns the wallet's public key bytes
func (w *Wallet) PublicKey() []byte {
	return w.publicKey
}

// Sign signs a message with the wallet's private key
func (w *Wallet) Sign(message []byte) []byte {
	return ed25519.Sign(w.privateKey, message)
}

// SignSerializedTransaction signs a base64 transaction produced by a
// route builder. Wire layout: [compact-u16 signature count] [signatures]
// [message]. The owner's signature goes into the first slot; counts of
// 128 or more would need a second length byte and are rejected.
func (w *Wallet) SignSerializedTransaction(serializedTxBase64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(serializedTxBase64)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	if len(txBytes) < 2 {
		return "", fmt.Errorf("transaction too short: %d bytes", len(txBytes))
	}

	sigCount := int(txBytes[0])
	if sigCount >= 128 {
		return "", fmt.Errorf("unsupported signature count: %d", sigCount)
	}

	if sigCount == 0 {
		// No signature slots reserved: prepend ours.
		message := txBytes[1:]
		signature := w.Sign(message)

		signedTx := make([]byte, 1+ed25519.SignatureSize+len(message))
		signedTx[0] = 1
		copy(signedTx[1:1+ed25519.SignatureSize], signature)
		copy(signedTx[1+ed25519.SignatureSize:], message)

		return base64.StdEncoding.EncodeToString(signedTx), nil
	}

	sigOffset := 1
	messageOffset := sigOffset + sigCount*ed25519.SignatureSize
	if messageOffset >= len(txBytes) {
		return "", fmt.Errorf("malformed transaction: message missing after %d signatures", sigCount)
	}

	message := txBytes[messageOffset:]
	signature := w.Sign(message)
	copy(txBytes[sigOffset:sigOffset+ed25519.SignatureSize], signature)

	return base64.StdEncoding.EncodeToString(txBytes), nil
}
