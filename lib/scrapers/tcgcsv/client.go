package tcgcsv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cardwatch-backend/lib/ratelimit"
	"cardwatch-backend/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
)

// Client fetches the three-level catalog hierarchy: categories, the
// groups of a category, and the product prices of a group.
type Client struct {
	http *resty.Client
}

type ClientOptions struct {
	// e.g. https://tcgcsv.com/tcgplayer
	BaseUrl string
	// Proxy is the egress endpoint requests leave through, typically
	// the local mihomo mixed port. Empty means direct.
	Proxy   string
	Timeout time.Duration
}

func NewClient(opts ClientOptions) *Client {
	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	if opts.Proxy != "" {
		client.SetProxy(opts.Proxy)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second * 30
	}
	client.SetTimeout(opts.Timeout)
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	telemetry.InstrumentResty(client, "scrapers/tcgcsv")

	return &Client{http: client}
}

// StatusError is a non-2xx response from the catalog API.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// ErrMalformed is a response body that could not be decoded, treated as
// a permanent client error because retrying will not change the payload.
var ErrMalformed = fmt.Errorf("malformed upstream payload")

// Classify maps a request error onto the rate-limit taxonomy. A nil
// error is OutcomeOK; transport errors (timeouts, resets) count as
// server errors so they feed backoff and proxy rotation.
func Classify(err error) ratelimit.Outcome {
	if err == nil {
		return ratelimit.OutcomeOK
	}
	if errors.Is(err, ErrMalformed) {
		return ratelimit.OutcomeClientError
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 403 || statusErr.Code == 429:
			return ratelimit.OutcomeRateLimited
		case statusErr.Code >= 500:
			return ratelimit.OutcomeServerError
		default:
			return ratelimit.OutcomeClientError
		}
	}
	return ratelimit.OutcomeServerError
}

func fetchList[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	res, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, &StatusError{Code: res.StatusCode()}
	}

	var out envelope[T]
	err = json.Unmarshal(res.Body(), &out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: upstream reported errors: %v", ErrMalformed, out.Errors)
	}
	return out.Results, nil
}

// Categories lists every catalog category.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	return fetchList[Category](ctx, c, "/categories")
}

// Groups lists the groups of one category.
func (c *Client) Groups(ctx context.Context, categoryID int64) ([]Group, error) {
	return fetchList[Group](ctx, c, fmt.Sprintf("/%d/groups", categoryID))
}

// Prices lists the product price rows of one group.
func (c *Client) Prices(ctx context.Context, categoryID, groupID int64) ([]Price, error) {
	return fetchList[Price](ctx, c, fmt.Sprintf("/%d/%d/prices", categoryID, groupID))
}
