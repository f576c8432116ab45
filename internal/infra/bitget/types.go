package bitget

import "time"

const (
	Venue = "bitget"

	DefaultWSURL   = "wss://ws.bitget.com/v2/ws/public"
	DefaultRestURL = "https://api.bitget.com"

	placeOrderPath = "/api/v2/spot/trade/place-order"
	successCode    = "00000"

	maxRetries    = 10
	maxSymbols    = 50 // per connection
	pingInterval  = 25 * time.Second
	readTimeout   = 35 * time.Second
	handshakeWait = 10 * time.Second
)

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstId   string `json:"instId"`
}

// tickerResponse is a ticker channel push.
type tickerResponse struct {
	Action string       `json:"action"` // snapshot, update
	Arg    subscribeArg `json:"arg"`
	Data   []tickerData `json:"data"`
	Ts     int64        `json:"ts"`
}

type tickerData struct {
	InstId string `json:"instId"`
	LastPr string `json:"lastPr"`
	AskPr  string `json:"askPr"`
	BidPr  string `json:"bidPr"`
	Ts     string `json:"ts"` // ms
}

// apiResponse is the REST envelope.
type apiResponse struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        placeOrderReply `json:"data"`
}

type placeOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`      // buy, sell
	OrderType     string `json:"orderType"` // limit, market
	Force         string `json:"force"`     // gtc
	Price         string `json:"price,omitempty"`
	Size          string `json:"size"`
	ClientOrderId string `json:"clientOid"`
}

type placeOrderReply struct {
	OrderId       string `json:"orderId"`
	ClientOrderId string `json:"clientOid"`
}
