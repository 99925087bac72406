// Package crypto computes the canonical order identity hash. The encoding
// mirrors Solidity's abi.encode so an off-chain party can pre-commit to
// order terms and reproduce the hash byte for byte.
package crypto

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// OrderHash returns keccak256(abi.encode(maker, marketId, price, salt)):
// four 32-byte words, addresses left-padded, integers big-endian.
func OrderHash(maker common.Address, marketID uint64, price, salt *big.Int) common.Hash {
	encoded := concatBytes(
		common.LeftPadBytes(maker.Bytes(), 32),
		bigIntTo32Bytes(new(big.Int).SetUint64(marketID)),
		bigIntTo32Bytes(price),
		bigIntTo32Bytes(salt),
	)
	return common.BytesToHash(ethcrypto.Keccak256(encoded))
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n. A nil n
// encodes as zero.
func bigIntTo32Bytes(n *big.Int) []byte {
	if n == nil {
		return make([]byte, 32)
	}
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
