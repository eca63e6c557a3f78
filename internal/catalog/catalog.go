package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	ohttp "github.com/ligustah/ordersync/internal/http"
)

// ErrNoCompleteRuns is returned when the catalog reports no complete run for a model.
var ErrNoCompleteRuns = errors.New("catalog: no complete runs for model")

// Accept type sent with file data requests.
const gribContentType = "application/x-grib"

// Credentials authenticate requests to the catalog. An API key takes
// precedence over a client id and secret pair.
type Credentials struct {
	ClientID     string
	ClientSecret string
	APIKey       string
}

// Header returns the request headers carrying the credentials.
func (c Credentials) Header() http.Header {
	h := http.Header{}
	if c.APIKey != "" {
		h.Set("x-api-key", c.APIKey)
		return h
	}
	h.Set("x-ibm-client-id", c.ClientID)
	h.Set("x-ibm-client-secret", c.ClientSecret)
	return h
}

// Order is an active subscription to a model's files.
type Order struct {
	OrderID            string   `json:"orderId"`
	Name               string   `json:"name,omitempty"`
	ModelID            string   `json:"modelId"`
	RequiredLatestRuns []string `json:"requiredLatestRuns"`
}

// Requires reports whether the order is configured to receive run.
func (o Order) Requires(run string) bool {
	for _, r := range o.RequiredLatestRuns {
		if r == run {
			return true
		}
	}
	return false
}

// OrderList is the caller's set of active orders.
type OrderList struct {
	Orders []Order `json:"orders"`
}

// Find looks up an order by id, ignoring case.
func (l *OrderList) Find(orderID string) (Order, bool) {
	for _, o := range l.Orders {
		if strings.EqualFold(o.OrderID, orderID) {
			return o, true
		}
	}
	return Order{}, false
}

// FileRef is one file listed in an order's details.
type FileRef struct {
	FileID      string `json:"fileId"`
	RunDateTime string `json:"runDateTime,omitempty"`
}

// OrderDetails lists the files currently available for an order.
type OrderDetails struct {
	Files []FileRef `json:"files"`
}

// Run is a complete model run as reported by the catalog.
type Run struct {
	Label string
	Time  time.Time
}

type orderDetailsResponse struct {
	OrderDetails OrderDetails `json:"orderDetails"`
}

type runsResponse struct {
	CompleteRuns []struct {
		Run         string `json:"run"`
		RunDateTime string `json:"runDateTime"`
	} `json:"completeRuns"`
}

// Client talks to the catalog service.
type Client struct {
	http    *ohttp.Client
	baseURL string
	creds   Credentials
	logger  *slog.Logger
}

// NewClient creates a catalog client rooted at baseURL.
func NewClient(httpClient *ohttp.Client, baseURL string, creds Credentials, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		logger:  logger,
	}
}

// ListOrders returns the caller's active orders.
func (c *Client) ListOrders(ctx context.Context) (*OrderList, error) {
	u := c.baseURL + "/orders?detail=MINIMAL"

	var list OrderList
	header, err := c.http.GetJSON(ctx, u, c.creds.Header(), &list)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	c.logRateLimit(header)
	return &list, nil
}

// GetOrderDetails returns the files available for the latest delivery of an
// order. When exactly one run is requested the catalog filters server-side.
func (c *Client) GetOrderDetails(ctx context.Context, orderID string, runs []string) (*OrderDetails, error) {
	u := c.baseURL + "/orders/" + url.PathEscape(orderID) + "/latest?detail=MINIMAL"
	if len(runs) == 1 {
		u += "&runfilter=" + url.QueryEscape(runs[0])
	}

	var resp orderDetailsResponse
	header, err := c.http.GetJSON(ctx, u, c.creds.Header(), &resp)
	if err != nil {
		return nil, fmt.Errorf("order details for %s: %w", orderID, err)
	}
	c.logRateLimit(header)
	return &resp.OrderDetails, nil
}

// GetLatestRun returns the newest complete run of a model.
func (c *Client) GetLatestRun(ctx context.Context, modelID string) (Run, error) {
	u := c.baseURL + "/runs/" + url.PathEscape(modelID) + "?sort=RUNDATETIME"

	var resp runsResponse
	if _, err := c.http.GetJSON(ctx, u, c.creds.Header(), &resp); err != nil {
		return Run{}, fmt.Errorf("latest run for %s: %w", modelID, err)
	}

	var latest Run
	for _, r := range resp.CompleteRuns {
		t, err := time.Parse(time.RFC3339, r.RunDateTime)
		if err != nil {
			return Run{}, fmt.Errorf("latest run for %s: parse runDateTime %q: %w", modelID, r.RunDateTime, err)
		}
		if latest.Time.IsZero() || t.After(latest.Time) {
			latest = Run{Label: r.Run, Time: t.UTC()}
		}
	}
	if latest.Time.IsZero() {
		return Run{}, fmt.Errorf("%w: %s", ErrNoCompleteRuns, modelID)
	}
	return latest, nil
}

// FileURL returns the data URL of a file within an order's latest delivery.
func (c *Client) FileURL(orderID, fileID string) string {
	return c.baseURL + "/orders/" + url.PathEscape(orderID) + "/latest/" + url.PathEscape(fileID) + "/data"
}

// FileHeader returns the headers for a file data request.
func (c *Client) FileHeader() http.Header {
	h := c.creds.Header()
	h.Set("Accept", gribContentType)
	return h
}

func (c *Client) logRateLimit(header http.Header) {
	if limit := header.Get("X-RateLimit-Limit"); limit != "" {
		c.logger.Debug("catalog rate limit",
			"limit", limit,
			"remaining", header.Get("X-RateLimit-Remaining"))
	}
}
