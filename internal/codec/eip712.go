package codec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
var eip712DomainTypeHash = ethcrypto.Keccak256(
	[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
)

// domainSeparator returns
// keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func domainSeparator(name, version string, chainID int64, verifying common.Address) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(chainID)),
			addressWord(verifying),
		),
	)
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// bigIntTo32Bytes left-pads a non-negative integer to a 32-byte word.
func bigIntTo32Bytes(n *big.Int) []byte {
	if n == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(n.Bytes(), 32)
}

func uintWord(v uint64) []byte {
	return bigIntTo32Bytes(new(big.Int).SetUint64(v))
}

func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func hashWord(h common.Hash) []byte {
	return h.Bytes()
}

// hashBytes encodes a dynamic bytes member.
func hashBytes(b []byte) []byte {
	return ethcrypto.Keccak256(b)
}

// hashUintArray encodes a uint256[] member.
func hashUintArray(vs []*big.Int) []byte {
	words := make([][]byte, len(vs))
	for i, v := range vs {
		words[i] = bigIntTo32Bytes(v)
	}
	return ethcrypto.Keccak256(concatBytes(words...))
}

// hashStructs encodes an array of already-hashed structs.
func hashStructs(hashes [][]byte) []byte {
	return ethcrypto.Keccak256(concatBytes(hashes...))
}

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// recoverSigner returns the address that produced a 65-byte r||s||v
// signature over digest. v may be 0/1 or 27/28.
func recoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("signature recovery id %d", sig[64])
	}

	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// verifySigner checks that sig over digest was produced by want.
func verifySigner(digest, sig []byte, want common.Address) error {
	got, err := recoverSigner(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if got != want {
		return fmt.Errorf("%w: recovered %s, want %s", ErrSignature, got.Hex(), want.Hex())
	}
	return nil
}

func hexID(h []byte) string {
	return common.BytesToHash(h).Hex()
}
