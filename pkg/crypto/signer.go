package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// AccountKey is a secp256k1 key that owns an exchange account.
// The account is identified by the Ethereum address of the key.
type AccountKey struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateAccountKey creates a new random secp256k1 key pair.
func GenerateAccountKey() (*AccountKey, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newAccountKey(privateKey)
}

// AccountKeyFromHex loads a key from a hex encoded private key (no 0x prefix).
func AccountKeyFromHex(hexKey string) (*AccountKey, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newAccountKey(privateKey)
}

func newAccountKey(privateKey *ecdsa.PrivateKey) (*AccountKey, error) {
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	return &AccountKey{privateKey: privateKey, address: crypto.PubkeyToAddress(*publicKey)}, nil
}

func (k *AccountKey) Address() common.Address { return k.address }

// PrivateKeyHex returns the private key as hex string (WITHOUT 0x prefix).
func (k *AccountKey) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(k.privateKey))
}

// Sign signs a 32 byte hash and returns a 65 byte [R || S || V] signature.
func (k *AccountKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	signature, err := crypto.Sign(hash, k.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// SignRequest stamps the account address on a client request payload and
// attaches the signature over its signing hash.
func (k *AccountKey) SignRequest(p *quantum.Payload) error {
	if !p.Type.IsClientRequest() || p.Request == nil {
		return fmt.Errorf("payload %s is not a client request", p.Type)
	}
	p.Request.Account = k.address
	p.Request.Signature = nil
	sig, err := k.Sign(p.SigningHash())
	if err != nil {
		return err
	}
	p.Request.Signature = sig
	return nil
}

// VerifySignature verifies that signature was created by address for given hash.
func VerifySignature(address common.Address, hash []byte, signature []byte) bool {
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false
	}
	return recovered == address
}

// RecoverAddress recovers the signer's address from a message hash and signature.
func RecoverAddress(hash []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("invalid hash length: %d", len(hash))
	}
	publicKeyBytes, err := crypto.Ecrecover(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	publicKey, err := crypto.UnmarshalPubkey(publicKeyBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*publicKey), nil
}

// VerifyRequest checks that a client request is signed by its account.
func VerifyRequest(p *quantum.Payload) error {
	if p.Request == nil {
		return quantum.Errorf(quantum.StatusBadRequest, "missing request")
	}
	if len(p.Request.Signature) == 0 {
		return quantum.Errorf(quantum.StatusUnauthorized, "request is not signed")
	}
	if !VerifySignature(p.Request.Account, p.SigningHash(), p.Request.Signature) {
		return quantum.Errorf(quantum.StatusUnauthorized, "invalid signature for %s", p.Request.Account.Hex())
	}
	return nil
}
