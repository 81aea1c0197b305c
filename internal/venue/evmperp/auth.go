// Package evmperp implements a Trader (internal/venue) against a generic
// EVM-settled perpetual venue: EIP-712 typed-data order signing plus an
// HMAC-signed L2 trading session, a REST client, and a WebSocket market/fill
// feed. Generalized from a CTF-exchange client into a perp-venue shape: one
// signer key, one account, many markets by integer market ID.
package evmperp

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Credentials is the L2 trading-session triplet a venue issues after L1
// (wallet-signed) authentication.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Signer handles two layers of auth against the venue:
//   - L1 (EIP-712): signs a typed-data auth message once with the wallet's
//     private key to bootstrap an L2 session.
//   - L2 (HMAC-SHA256): signs "timestamp+method+path[+body]" with the
//     session secret for every subsequent trading call.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	creds      Credentials
}

// NewSigner builds a Signer from a hex-encoded private key and chain ID.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	pk, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("evmperp: parse private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the signer's account address.
func (s *Signer) Address() common.Address { return s.address }

// HasSession reports whether an L2 session has been derived.
func (s *Signer) HasSession() bool {
	return s.creds.APIKey != "" && s.creds.Secret != "" && s.creds.Passphrase != ""
}

// SetSession installs a derived (or pre-configured) L2 session.
func (s *Signer) SetSession(c Credentials) { s.creds = c }

// AuthHeaders produces the L1 auth headers used to bootstrap/refresh a
// session: a signed EIP-712 "VenueAuth" message proving wallet ownership.
func (s *Signer) AuthHeaders(nonce int64) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := s.signAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("evmperp: sign auth: %w", err)
	}
	return map[string]string{
		"X-Account-Address": s.address.Hex(),
		"X-Signature":       sig,
		"X-Timestamp":       timestamp,
		"X-Nonce":           strconv.FormatInt(nonce, 10),
	}, nil
}

// TradeHeaders produces L2 HMAC headers for a trading request.
func (s *Signer) TradeHeaders(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := s.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("evmperp: build hmac: %w", err)
	}
	return map[string]string{
		"X-Account-Address": s.address.Hex(),
		"X-Signature":       sig,
		"X-Timestamp":       timestamp,
		"X-Api-Key":         s.creds.APIKey,
		"X-Passphrase":      s.creds.Passphrase,
	}, nil
}

func (s *Signer) signAuthMessage(timestamp string, nonce int64) (string, error) {
	domain := apitypes.TypedDataDomain{
		Name:    "VenueAuthDomain",
		Version: "1",
		ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
	}
	typesDef := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
		},
		"VenueAuth": {
			{Name: "address", Type: "address"},
			{Name: "timestamp", Type: "string"},
			{Name: "nonce", Type: "uint256"},
			{Name: "message", Type: "string"},
		},
	}
	message := apitypes.TypedDataMessage{
		"address":   s.address.Hex(),
		"timestamp": timestamp,
		"nonce":     fmt.Sprintf("%d", nonce),
		"message":   "This message attests that I control the given wallet",
	}
	sig, err := s.SignTypedData(&domain, typesDef, message, "VenueAuth")
	if err != nil {
		return "", err
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// SignTypedData signs an arbitrary EIP-712 payload, normalizing V to 27/28.
func (s *Signer) SignTypedData(domain *apitypes.TypedDataDomain, typesDef apitypes.Types, message apitypes.TypedDataMessage, primaryType string) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("evmperp: typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("evmperp: sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

func (s *Signer) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding,
	}
	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(s.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("evmperp: decode secret: %w", err)
	}
	message := timestamp + method + path + body
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
