package polymarket

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// flexBool accepts a JSON bool or a "true"/"false" string; Gamma sends both.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// stringList decodes Gamma's JSON-in-a-string arrays such as
// "[\"Yes\",\"No\"]", and plain arrays too.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var direct []string
	if err := json.Unmarshal(data, &direct); err == nil {
		*l = direct
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	if encoded == "" {
		*l = nil
		return nil
	}
	return json.Unmarshal([]byte(encoded), (*[]string)(l))
}

// gammaMarket is the subset of a Gamma /markets row the executor needs.
type gammaMarket struct {
	ID              string          `json:"id"`
	Question        string          `json:"question"`
	ConditionID     string          `json:"conditionId"`
	Active          flexBool        `json:"active"`
	Closed          flexBool        `json:"closed"`
	AcceptingOrders flexBool        `json:"acceptingOrders"`
	EnableOrderBook flexBool        `json:"enableOrderBook"`
	NegRisk         flexBool        `json:"negRisk"`
	TickSize        decimal.Decimal `json:"orderPriceMinTickSize"`
	MinSize         decimal.Decimal `json:"orderMinSize"`
	Outcomes        stringList      `json:"outcomes"`
	ClobTokenIDs    stringList      `json:"clobTokenIds"`
}

func (m gammaMarket) toDomain() (domain.MarketInfo, error) {
	if len(m.Outcomes) != len(m.ClobTokenIDs) {
		return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: market %s: %d outcomes for %d tokens: %w",
			m.ConditionID, len(m.Outcomes), len(m.ClobTokenIDs), domain.ErrMalformedData)
	}
	info := domain.MarketInfo{
		ID:              m.ConditionID,
		Question:        m.Question,
		Active:          bool(m.Active),
		Closed:          bool(m.Closed),
		AcceptingOrders: bool(m.AcceptingOrders) && bool(m.EnableOrderBook),
		NegRisk:         bool(m.NegRisk),
		TickSize:        m.TickSize,
		MinSize:         m.MinSize,
		Tokens:          make([]domain.OutcomeToken, len(m.Outcomes)),
	}
	for i := range m.Outcomes {
		info.Tokens[i] = domain.OutcomeToken{TokenID: m.ClobTokenIDs[i], Outcome: m.Outcomes[i]}
	}
	return info, nil
}

// signedOrder is the wire form of an order inside POST /order.
type signedOrder struct {
	Salt          int64  `json:"salt"`
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

type postOrderBody struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

// postOrderResponse is the CLOB's answer to POST /order.
type postOrderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"` // matched | live | delayed | unmatched
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
}

// result maps the response onto a venue outcome. filled is measured in
// outcome tokens, which is the taking side of a buy and the making side of
// a sell.
func (r postOrderResponse) result(req domain.OrderRequest) domain.OrderResult {
	res := domain.OrderResult{VenueOrderID: r.OrderID, Message: r.ErrorMsg}

	tokens := r.TakingAmount
	usdc := r.MakingAmount
	if req.Side == domain.SideSell {
		tokens, usdc = usdc, tokens
	}
	filled, _ := decimal.NewFromString(tokens)
	paid, _ := decimal.NewFromString(usdc)
	if filled.IsPositive() {
		res.FilledSize = filled
		res.AvgPrice = paid.DivRound(filled, 6)
	}

	switch strings.ToLower(r.Status) {
	case "matched":
		switch {
		case !filled.IsPositive():
			res.Status = domain.VenueFilled
			res.FilledSize = req.Size
			res.AvgPrice = req.LimitPrice
		case filled.LessThan(req.Size):
			res.Status = domain.VenuePartial
		default:
			res.Status = domain.VenueFilled
		}
	case "live", "delayed":
		res.Status = domain.VenueResting
		if filled.IsPositive() {
			res.Status = domain.VenuePartial
		}
	default:
		res.Status = domain.VenueUnfilled
		if filled.IsPositive() {
			res.Status = domain.VenuePartial
		}
	}
	return res
}

type apiKeyResponse struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type errorResponse struct {
	Error string `json:"error"`
}
