package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// Polygon mainnet exchange contracts that verify order signatures.
var (
	ExchangeAddress        = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	NegRiskExchangeAddress = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
)

const clobAuthMessage = "This message attests that I control the given wallet"

var (
	authDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	exchangeDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	clobAuthTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"),
	)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// Signature types accepted by the exchange.
const (
	SigEOA        = 0
	SigPolyProxy  = 1
	SigGnosisSafe = 2
)

// Order sides as encoded on chain.
const (
	OrderSideBuy  = 0
	OrderSideSell = 1
)

// OrderPayload is the signed portion of a CLOB order. Integers are decimal
// strings so they survive JSON without precision loss.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`
	SignatureType int    `json:"signatureType"`
}

// Signer signs CLOB auth challenges and orders with the operator key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID int64

	authDomain     []byte
	exchangeDomain []byte
	negRiskDomain  []byte
}

// NewSigner parses a hex private key for the given chain (137 on Polygon).
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: parse key: %w: %w", domain.ErrConfigurationFatal, err)
	}
	s := &Signer{
		key:     pk,
		address: ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID: chainID,
	}
	chain := uint256(big.NewInt(chainID))
	s.authDomain = ethcrypto.Keccak256(authDomainTypeHash,
		ethcrypto.Keccak256([]byte("ClobAuthDomain")),
		ethcrypto.Keccak256([]byte("1")),
		chain,
	)
	s.exchangeDomain = exchangeDomain(chain, ExchangeAddress)
	s.negRiskDomain = exchangeDomain(chain, NegRiskExchangeAddress)
	return s, nil
}

func exchangeDomain(chain []byte, contract common.Address) []byte {
	return ethcrypto.Keccak256(exchangeDomainTypeHash,
		ethcrypto.Keccak256([]byte("Polymarket CTF Exchange")),
		ethcrypto.Keccak256([]byte("1")),
		chain,
		common.LeftPadBytes(contract.Bytes(), 32),
	)
}

// Address is the signing EOA.
func (s *Signer) Address() common.Address { return s.address }

// SignClobAuth signs the L1 challenge used to derive API credentials.
func (s *Signer) SignClobAuth(timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(clobAuthTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		ethcrypto.Keccak256([]byte(strconv.FormatInt(timestamp, 10))),
		uint256(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(clobAuthMessage)),
	)
	return s.sign(typedDataHash(s.authDomain, structHash))
}

// SignOrder signs o for the standard or neg-risk exchange.
func (s *Signer) SignOrder(o OrderPayload, negRisk bool) (string, error) {
	structHash, err := orderStructHash(o)
	if err != nil {
		return "", err
	}
	dom := s.exchangeDomain
	if negRisk {
		dom = s.negRiskDomain
	}
	return s.sign(typedDataHash(dom, structHash))
}

func typedDataHash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
}

// sign returns r||s||v hex with v in {27,28}.
func (s *Signer) sign(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign: %w: %w", domain.ErrSigningFailed, err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

func orderStructHash(o OrderPayload) ([]byte, error) {
	fields := []struct {
		name, value string
	}{
		{"salt", o.Salt},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	}
	ints := make(map[string][]byte, len(fields))
	for _, f := range fields {
		n, ok := new(big.Int).SetString(f.value, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("crypto/signer: %s %q: %w", f.name, f.value, domain.ErrSigningFailed)
		}
		ints[f.name] = uint256(n)
	}

	return ethcrypto.Keccak256(orderTypeHash,
		ints["salt"],
		common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Signer).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Taker).Bytes(), 32),
		ints["tokenId"],
		ints["makerAmount"],
		ints["takerAmount"],
		ints["expiration"],
		ints["nonce"],
		ints["feeRateBps"],
		uint256(big.NewInt(int64(o.Side))),
		uint256(big.NewInt(int64(o.SignatureType))),
	), nil
}

// uint256 encodes n as a 32-byte big-endian word.
func uint256(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}
