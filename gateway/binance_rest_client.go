package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"order-tracker-go/connector"
)

const (
	// BinanceSpotRESTURL 现货 REST 入口。
	BinanceSpotRESTURL = "https://api.binance.com"
	// BinanceSpotWSEndpoint 现货用户数据流入口。
	BinanceSpotWSEndpoint = "wss://stream.binance.com:9443"

	defaultRecvWindow  = 5000
	defaultRESTTimeout = 10 * time.Second
)

// Binance 错误码
const (
	codeBackendTimeout = -1007
	codeCancelRejected = -2011
	codeNoSuchOrder    = -2013
)

// APIError Binance 返回的业务错误。
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// RESTConfig REST 客户端参数。
type RESTConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	Rate      float64 // 每秒请求数
	Burst     int
	Logger    *zap.Logger
}

// BinanceRESTClient 可签名的 REST 客户端，所有请求先经过令牌桶。
type BinanceRESTClient struct {
	http       *resty.Client
	apiKey     string
	secret     string
	limiter    RateLimiter
	recvWindow int64
	now        func() time.Time
	logger     *zap.Logger
}

func NewBinanceRESTClient(cfg RESTConfig) *BinanceRESTClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BinanceSpotRESTURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRESTTimeout
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cli := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("X-MBX-APIKEY", cfg.APIKey).
		SetHeader("Accept", "application/json")
	return &BinanceRESTClient{
		http:       cli,
		apiKey:     cfg.APIKey,
		secret:     cfg.APISecret,
		limiter:    NewTokenBucketLimiter(cfg.Rate, cfg.Burst),
		recvWindow: defaultRecvWindow,
		now:        time.Now,
		logger:     logger,
	}
}

// Do 发送请求，signed 时追加 timestamp/recvWindow/signature。
// out 为 nil 时忽略响应体。
func (c *BinanceRESTClient) Do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
		var sig string
		query, sig = SignParams(params, c.secret)
		query += "&signature=" + sig
	}
	endpoint := path
	if query != "" {
		endpoint += "?" + query
	}

	c.logger.Debug("binance request", zap.String("method", method), zap.String("path", path), zap.Bool("signed", signed))
	resp, err := c.http.R().SetContext(ctx).Execute(method, endpoint)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &APIError{}
		if jsonErr := json.Unmarshal(resp.Body(), apiErr); jsonErr != nil || apiErr.Code == 0 {
			apiErr = &APIError{Message: string(resp.Body())}
		}
		apiErr.Status = resp.StatusCode()
		return mapAPIError(apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// mapAPIError 把已知错误码映射到 connector 的错误分类。
func mapAPIError(e *APIError) error {
	switch {
	case e.Code == codeNoSuchOrder || e.Code == codeCancelRejected && e.Message == "Unknown order sent.":
		return fmt.Errorf("%w: %v", connector.ErrOrderNotFound, e)
	case e.Code == codeBackendTimeout, e.Status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %v", connector.ErrTimeout, e)
	default:
		return e
	}
}

// IsAPIError 取出底层 APIError。
func IsAPIError(err error) (*APIError, bool) {
	var e *APIError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

type listenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

// CreateListenKey 申请用户数据流 listenKey。
func (c *BinanceRESTClient) CreateListenKey(ctx context.Context) (string, error) {
	var out listenKeyResp
	if err := c.Do(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false, &out); err != nil {
		return "", err
	}
	if out.ListenKey == "" {
		return "", errors.New("empty listenKey")
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey 延长 listenKey 有效期（60 分钟）。
func (c *BinanceRESTClient) KeepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	return c.Do(ctx, http.MethodPut, "/api/v3/userDataStream", params, false, nil)
}
