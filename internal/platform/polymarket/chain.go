package polymarket

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// PolygonUSDC is the bridged USDC.e collateral token on Polygon.
const PolygonUSDC = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

// balanceOf(address)
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// ChainBalances reads ERC-20 collateral balances over JSON-RPC.
type ChainBalances struct {
	client *ethclient.Client
	token  common.Address
}

// DialChain connects to rpcURL. token defaults to PolygonUSDC.
func DialChain(ctx context.Context, rpcURL, token string) (*ChainBalances, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("polymarket/chain: dial: %w", err)
	}
	if token == "" {
		token = PolygonUSDC
	}
	if !common.IsHexAddress(token) {
		client.Close()
		return nil, fmt.Errorf("polymarket/chain: token %q: %w", token, domain.ErrConfigurationFatal)
	}
	return &ChainBalances{client: client, token: common.HexToAddress(token)}, nil
}

// BalanceOf returns account's token balance in whole units.
func (c *ChainBalances) BalanceOf(ctx context.Context, account string) (decimal.Decimal, error) {
	if !common.IsHexAddress(account) {
		return decimal.Zero, fmt.Errorf("polymarket/chain: account %q: %w", account, domain.ErrMalformedData)
	}
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(common.HexToAddress(account).Bytes(), 32)...)
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/chain: balanceOf %s: %w: %w", account, domain.ErrTransientIO, err)
	}
	if len(out) < 32 {
		return decimal.Zero, fmt.Errorf("polymarket/chain: balanceOf %s: %d-byte result: %w", account, len(out), domain.ErrMalformedData)
	}
	return decimal.NewFromBigInt(new(big.Int).SetBytes(out[:32]), -usdcDecimals), nil
}

// Close releases the RPC connection.
func (c *ChainBalances) Close() { c.client.Close() }
