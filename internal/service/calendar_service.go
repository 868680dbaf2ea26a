// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// CalendarClient answers whether the market identified by a calendar
// code is open at a point in time. The holiday data source behind it is
// an external collaborator.
type CalendarClient interface {
	IsMarketOpen(ctx context.Context, code string, at time.Time) (bool, error)
}

// HTTPCalendarClient queries the calendar service over HTTP
type HTTPCalendarClient struct {
	http *resty.Client
}

// NewHTTPCalendarClient creates a calendar client against the given base URL
func NewHTTPCalendarClient(baseURL string) *HTTPCalendarClient {
	return &HTTPCalendarClient{
		http: resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
	}
}

type calendarResponse struct {
	Open bool `json:"open"`
}

// IsMarketOpen asks the calendar service for the session state
func (c *HTTPCalendarClient) IsMarketOpen(ctx context.Context, code string, at time.Time) (bool, error) {
	var out calendarResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"calendar": code,
			"at":       at.UTC().Format(time.RFC3339),
		}).
		SetResult(&out).
		Get("/calendar/open")
	if err != nil {
		return false, Wrap(KindTransient, "calendar request failed", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, E(KindTransient, fmt.Sprintf("calendar service returned %d", resp.StatusCode()))
	}
	return out.Open, nil
}
