// live.go implements the Builder-path live executor: EIP-712 signed CTF
// Exchange orders posted over the gasless order endpoint with L2 HMAC
// auth headers.
package executor

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/config"
)

// Polymarket CTF Exchange constants (Polygon mainnet).
const (
	polygonChainID     = 137
	ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	zeroAddress        = "0x0000000000000000000000000000000000000000"

	sigTypeEOA = 0
	sideBuy    = 0
	sideSell   = 1

	// Token amounts are 6-decimal USDC units.
	usdcDecimals = 6
)

// LiveExecutor signs and submits orders to the Builder endpoint.
type LiveExecutor struct {
	http    *resty.Client
	cfg     config.ExecutorConfig
	privKey *ecdsa.PrivateKey
	address common.Address
	funder  common.Address
}

// NewLiveExecutor parses the wallet key and prepares the HTTP client.
func NewLiveExecutor(cfg config.ExecutorConfig) (*LiveExecutor, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(cfg.Builder.WalletPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid wallet key: %v", ErrExecution, err)
	}

	address := crypto.PubkeyToAddress(key.PublicKey)
	funder := address
	if cfg.Builder.FunderAddress != "" {
		funder = common.HexToAddress(cfg.Builder.FunderAddress)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.Builder.URL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &LiveExecutor{
		http:    httpClient,
		cfg:     cfg,
		privKey: key,
		address: address,
		funder:  funder,
	}, nil
}

type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

type signedOrder struct {
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
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type orderResponse struct {
	OrderID   string `json:"orderID"`
	Status    string `json:"status"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// Open signs and posts a marketable limit order.
func (l *LiveExecutor) Open(ctx context.Context, req OpenRequest) (Fill, error) {
	side := sideBuy
	if req.Side == "sell" {
		side = sideSell
	}
	resp, err := l.submit(ctx, req.AssetID, req.SizeUSD, req.LimitPrice, side)
	if err != nil {
		return Fill{}, err
	}

	log.Info().
		Str("order", resp.OrderID).
		Str("market", req.MarketID).
		Str("side", req.Side).
		Str("size", req.SizeUSD.StringFixed(2)).
		Msg("live order placed")

	return Fill{
		Price:      req.LimitPrice,
		Commission: req.SizeUSD.Mul(l.cfg.CommissionRate),
		GasCost:    l.cfg.GasCostUSD,
		ExternalID: resp.OrderID,
	}, nil
}

// Close posts the opposite-side order for the position's notional.
func (l *LiveExecutor) Close(ctx context.Context, ref PositionRef) (Fill, error) {
	side := sideSell
	if ref.Side == "sell" {
		side = sideBuy
	}
	resp, err := l.submit(ctx, ref.AssetID, ref.SizeUSD, ref.ExitPrice, side)
	if err != nil {
		return Fill{}, err
	}

	log.Info().
		Str("order", resp.OrderID).
		Str("position", ref.PositionID).
		Msg("live close order placed")

	return Fill{
		Price:      ref.ExitPrice,
		Commission: ref.SizeUSD.Mul(l.cfg.CommissionRate),
		GasCost:    l.cfg.GasCostUSD,
		ExternalID: resp.OrderID,
	}, nil
}

func (l *LiveExecutor) submit(ctx context.Context, tokenID string, sizeUSD, price decimal.Decimal, side int) (*orderResponse, error) {
	order, err := l.buildOrder(tokenID, sizeUSD, price, side)
	if err != nil {
		return nil, err
	}

	payload := orderPayload{Order: *order, Owner: l.cfg.Builder.APIKey, OrderType: "FOK"}

	var result orderResponse
	resp, err := l.http.R().
		SetContext(ctx).
		SetHeaders(l.authHeaders(http.MethodPost, "/order")).
		SetBody(payload).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("%w: post order: %v", ErrExecution, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrExecution, resp.StatusCode(), resp.String())
	}
	if result.ErrorCode != "" {
		return nil, fmt.Errorf("%w: %s: %s", ErrExecution, result.ErrorCode, result.Message)
	}
	return &result, nil
}

// buildOrder converts dollar size at a probability price into 6-decimal
// maker/taker amounts and signs the EIP-712 order struct.
func (l *LiveExecutor) buildOrder(tokenID string, sizeUSD, price decimal.Decimal, side int) (*signedOrder, error) {
	token, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("%w: token id %q is not numeric", ErrExecution, tokenID)
	}

	shares := sizeUSD.Div(price)
	scale := decimal.New(1, usdcDecimals)

	var makerAmount, takerAmount *big.Int
	if side == sideBuy {
		makerAmount = sizeUSD.Mul(scale).Round(0).BigInt()
		takerAmount = shares.Mul(scale).Round(0).BigInt()
	} else {
		makerAmount = shares.Mul(scale).Round(0).BigInt()
		takerAmount = sizeUSD.Mul(scale).Round(0).BigInt()
	}

	salt := big.NewInt(rand.Int63())

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(polygonChainID),
			VerifyingContract: ctfExchangeAddress,
		},
		Message: apitypes.TypedDataMessage{
			"salt":          salt.String(),
			"maker":         l.funder.Hex(),
			"signer":        l.address.Hex(),
			"taker":         zeroAddress,
			"tokenId":       token.String(),
			"makerAmount":   makerAmount.String(),
			"takerAmount":   takerAmount.String(),
			"expiration":    "0",
			"nonce":         "0",
			"feeRateBps":    "0",
			"side":          strconv.Itoa(side),
			"signatureType": strconv.Itoa(sigTypeEOA),
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("%w: typed data hash: %v", ErrExecution, err)
	}

	sig, err := crypto.Sign(digest, l.privKey)
	if err != nil {
		return nil, fmt.Errorf("%w: sign order: %v", ErrExecution, err)
	}
	// Transform V from 0/1 to 27/28 per Ethereum convention.
	sig[64] += 27

	return &signedOrder{
		Salt:          salt.String(),
		Maker:         l.funder.Hex(),
		Signer:        l.address.Hex(),
		Taker:         zeroAddress,
		TokenID:       token.String(),
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          strconv.Itoa(side),
		SignatureType: sigTypeEOA,
		Signature:     "0x" + common.Bytes2Hex(sig),
	}, nil
}

// authHeaders builds the L2 HMAC headers for one request.
func (l *LiveExecutor) authHeaders(method, path string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	message := ts + method + path

	secret, err := base64.URLEncoding.DecodeString(l.cfg.Builder.APISecret)
	if err != nil {
		secret = []byte(l.cfg.Builder.APISecret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    l.address.Hex(),
		"POLY_API_KEY":    l.cfg.Builder.APIKey,
		"POLY_PASSPHRASE": l.cfg.Builder.APIPassphrase,
		"POLY_TIMESTAMP":  ts,
		"POLY_SIGNATURE":  sig,
	}
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0:2] == "0x" {
		return s[2:]
	}
	return s
}

var _ Executor = (*LiveExecutor)(nil)
