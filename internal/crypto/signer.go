package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned when a signature cannot be decoded or does
// not recover to a public key.
var ErrBadSignature = errors.New("crypto: bad signature")

// RequestMessage is the text a caller signs to authenticate an API
// request:
//
//	METHOD\nPATH\nSIGNED_AT\nkeccak256(body) as 0x-hex
func RequestMessage(method, path string, signedAt int64, body []byte) []byte {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(signedAt, 10))
	b.WriteByte('\n')
	b.WriteString(hexutilEncode(ethcrypto.Keccak256(body)))
	return []byte(b.String())
}

// SignRequest signs the request message with EIP-191 personal_sign
// framing and returns a 0x-hex 65-byte signature.
func (id *Identity) SignRequest(method, path string, signedAt int64, body []byte) (string, error) {
	return id.SignText(RequestMessage(method, path, signedAt, body))
}

// SignText signs msg with EIP-191 personal_sign framing.
func (id *Identity) SignText(msg []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), id.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; wallets produce {27,28}.
	sig[64] += 27
	return hexutilEncode(sig), nil
}

// RecoverRequest returns the address that signed the request message.
func RecoverRequest(method, path string, signedAt int64, body []byte, sigHex string) (common.Address, error) {
	return RecoverText(RequestMessage(method, path, signedAt, body), sigHex)
}

// RecoverText returns the address whose personal_sign signature over msg
// is sigHex.
func RecoverText(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func hexutilEncode(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
