package money

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// HTTPPriceFeed 通过 HTTP JSON 接口获取报价
type HTTPPriceFeed struct {
	url      string
	jsonPath string
	client   *http.Client
}

// NewHTTPPriceFeed 创建报价源，url 与 jsonPath 中的 {currency} 会被替换
func NewHTTPPriceFeed(url, jsonPath string, client *http.Client) *HTTPPriceFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPriceFeed{url: url, jsonPath: jsonPath, client: client}
}

// FetchPrice 获取报价，超时由调用方的 ctx 控制
func (f *HTTPPriceFeed) FetchPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	url := strings.ReplaceAll(f.url, "{currency}", currency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read response: %w", err)
	}

	path := strings.ReplaceAll(f.jsonPath, "{currency}", currency)
	value := gjson.GetBytes(body, path)
	if !value.Exists() {
		return decimal.Zero, fmt.Errorf("price not found at %q", path)
	}

	// 使用原始文本，避免经过 float64
	raw := value.Raw
	if value.Type == gjson.String {
		raw = value.Str
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse price %q: %w", raw, err)
	}
	return price, nil
}
