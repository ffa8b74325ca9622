package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/signal-notifier/internal/domain"
)

const (
	defaultDeliveryTimeout = 10 * time.Second
	maxErrorBodyLength     = 256
)

type deliveryRequest struct {
	Notifications []Message `json:"notifications"`
}

type deliveryResponse struct {
	Successes []struct {
		NotificationID string `json:"notificationId"`
	} `json:"successes"`
	Failures []struct {
		NotificationID string `json:"notificationId"`
		Error          string `json:"error"`
	} `json:"failures"`
}

var _ DeliveryClient = (*HTTPDeliveryClient)(nil)

// HTTPDeliveryClient posts notification batches to mini app notification endpoints.
type HTTPDeliveryClient struct {
	client *resty.Client
}

func NewHTTPDeliveryClient(timeout time.Duration) *HTTPDeliveryClient {
	client := resty.New()
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	client.SetTimeout(timeout)

	c, _ := NewHTTPDeliveryClientWithClient(client)
	return c
}

func NewHTTPDeliveryClientWithClient(client *resty.Client) (*HTTPDeliveryClient, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultDeliveryTimeout)
	}
	client.SetRetryCount(0)

	return &HTTPDeliveryClient{client: client}, nil
}

func (c *HTTPDeliveryClient) Deliver(ctx context.Context, destination string, messages []Message) (domain.DeliveryResult, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("delivery client is not initialized")
	}

	endpoint := strings.TrimSpace(destination)
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, &ProviderError{
			Message: "invalid destination url",
			Cause:   err,
		}
	}
	if len(messages) == 0 {
		return domain.DeliveryResult{}, nil
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(deliveryRequest{Notifications: messages}).
		Post(endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "delivery request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "delivery endpoint returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &ProviderError{
			StatusCode: statusCode,
			Message:    statusMessage(statusCode, response.String()),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	var decoded deliveryResponse
	if err := json.Unmarshal(response.Body(), &decoded); err != nil {
		return nil, &ProviderError{
			StatusCode: statusCode,
			Message:    "malformed delivery response",
			Transient:  true,
			Cause:      err,
		}
	}

	return toDeliveryResult(decoded), nil
}

func toDeliveryResult(resp deliveryResponse) domain.DeliveryResult {
	result := make(domain.DeliveryResult, len(resp.Successes)+len(resp.Failures))
	for _, s := range resp.Successes {
		if s.NotificationID == "" {
			continue
		}
		result[s.NotificationID] = domain.Sent()
	}
	// A failure report wins over a success for the same id.
	for _, f := range resp.Failures {
		if f.NotificationID == "" {
			continue
		}
		reason := strings.TrimSpace(f.Error)
		if reason == "" {
			reason = "delivery failed"
		}
		result[f.NotificationID] = domain.Failed(reason)
	}
	return result
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func statusMessage(statusCode int, body string) string {
	base := fmt.Sprintf("HTTP %d: %s", statusCode, http.StatusText(statusCode))
	body = strings.TrimSpace(body)
	if body == "" {
		return base
	}
	if len(body) > maxErrorBodyLength {
		body = body[:maxErrorBodyLength]
	}
	return fmt.Sprintf("%s: %s", base, body)
}
