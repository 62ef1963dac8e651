package permit

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	permitTypeHash = crypto.Keccak256Hash([]byte(
		"Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)",
	))
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
)

// domainSeparator computes the EIP-712 domain separator.
func domainSeparator(d Domain) [32]byte {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	// abi.encode(bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	big.NewInt(d.ChainID).FillBytes(encoded[96:128])
	copy(encoded[140:160], d.VerifyingContract.Bytes())

	return crypto.Keccak256Hash(encoded)
}

// Hash returns the EIP-712 digest the owner signs:
// keccak256(0x1901 || domainSeparator || structHash)
func Hash(m Message, d Domain) ([]byte, error) {
	if m.Value == nil || m.Nonce == nil {
		return nil, errors.New("permit value and nonce are required")
	}
	if m.Value.Sign() < 0 || m.Nonce.Sign() < 0 || m.Deadline < 0 {
		return nil, errors.New("permit fields must be non-negative")
	}

	encoded := make([]byte, 6*32)
	copy(encoded[0:32], permitTypeHash[:])
	copy(encoded[44:64], m.Owner.Bytes())
	copy(encoded[76:96], m.Spender.Bytes())
	m.Value.FillBytes(encoded[96:128])
	m.Nonce.FillBytes(encoded[128:160])
	big.NewInt(m.Deadline).FillBytes(encoded[160:192])
	structHash := crypto.Keccak256Hash(encoded)

	sep := domainSeparator(d)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256(msg), nil
}

// TypedData renders the permit as eth_signTypedData_v4 input.
func TypedData(m Message, d Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": {
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(d.ChainID)),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		// apitypes only accepts addresses as hex strings.
		Message: apitypes.TypedDataMessage{
			"owner":    m.Owner.Hex(),
			"spender":  m.Spender.Hex(),
			"value":    new(big.Int).Set(m.Value),
			"nonce":    new(big.Int).Set(m.Nonce),
			"deadline": big.NewInt(m.Deadline),
		},
	}
}

// Verify recovers the address that signed the permit.
func Verify(m Message, d Domain, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	digest, err := Hash(m, d)
	if err != nil {
		return common.Address{}, err
	}
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
