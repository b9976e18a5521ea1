// Package rates разрешает модели годовой ставки в конкретные значения.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/goalstake-system/internal/model"
)

// ErrUnknownModel возвращается, если провайдер не знает именованную модель ставки.
var (
	ErrUnknownModel = errors.New("unknown rate model")
	// ErrNotConfigured возвращается при обращении к переменной модели без настроенного провайдера.
	ErrNotConfigured = errors.New("rate provider not configured")
)

// Resolver разрешает модели ставок: фиксированные — локально, переменные —
// запросом к внешнему провайдеру рыночных ставок. HTTP-клиент повторяет
// временные сбои и учитывает Retry-After при ответе 429.
type Resolver struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewResolver создаёт резолвер ставок с указанным адресом провайдера.
// Пустой адрес допустим: фиксированные модели продолжают работать.
func NewResolver(baseURL string) *Resolver {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type rateResponse struct {
	Model string          `json:"model"`
	Rate  decimal.Decimal `json:"rate"`
}

// Resolve возвращает годовую ставку для модели m на текущий момент.
func (r *Resolver) Resolve(ctx context.Context, m model.APRModel) (decimal.Decimal, error) {
	if m.Kind == model.APRModelFixed {
		return m.Rate, nil
	}

	if r == nil || r.baseURL == "" {
		return decimal.Zero, fmt.Errorf("%w: variable model %q", ErrNotConfigured, m.Name)
	}

	base := r.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/rates/%s", base, m.Name)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownModel, m.Name)
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}

	if result.Rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("provider returned negative rate %s for model %q", result.Rate, m.Name)
	}

	return result.Rate, nil
}
