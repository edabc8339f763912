package auth

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// HashPersonalMessage hashes a message the way personal_sign does before
// signing: keccak256 over the EIP-191 prefix, the decimal byte length,
// and the message itself.
func HashPersonalMessage(message string) []byte {
	return crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)))
}

// RecoverPersonalSigner recovers the address that produced a personal_sign
// signature over message. The signature must be the usual 65 bytes with
// the recovery id stored as V = 27 or 28.
func RecoverPersonalSigner(message, signature string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("decoding signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		return "", fmt.Errorf("invalid recovery id %d, want 27 or 28", sig[64])
	}
	sig[64] -= 27

	pub, err := crypto.SigToPub(HashPersonalMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("recovering public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
