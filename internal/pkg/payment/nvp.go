package payment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mayone/pledges/internal/pkg/config"
)

const nvpVersion = "113"

// NVP error code returned when a checkout token was already captured.
const nvpDuplicateTransaction = "10415"

// NVPCaller issues one PayPal Name-Value-Pair API call.
type NVPCaller interface {
	Call(ctx context.Context, method string, fields url.Values) (url.Values, error)
}

// NVPClient talks to the PayPal classic NVP API.
type NVPClient struct {
	User      string
	Password  string
	Signature string
	APIURL    string

	HTTPClient *http.Client
}

func NewNVPClient(cfg config.PayPalConfig, timeout time.Duration) *NVPClient {
	return &NVPClient{
		User:      cfg.User,
		Password:  cfg.Password,
		Signature: cfg.Signature,
		APIURL:    cfg.APIURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NVPError is a response whose ACK was not successful. It unwraps to
// ErrPaymentDeclined.
type NVPError struct {
	Method       string
	Ack          string
	Code         string
	ShortMessage string
	LongMessage  string
}

func (e *NVPError) Error() string {
	return fmt.Sprintf("paypal %s ack=%s code=%s: %s", e.Method, e.Ack, e.Code, e.LongMessage)
}

func (e *NVPError) Unwrap() error { return ErrPaymentDeclined }

// Duplicate reports whether PayPal rejected the call because the payment
// was already completed.
func (e *NVPError) Duplicate() bool {
	return e.Code == nvpDuplicateTransaction
}

// Call posts method with fields plus credentials. Transport failures and
// non-2xx statuses map to ErrGatewayUnavailable; a failed ACK is an
// *NVPError.
func (c *NVPClient) Call(ctx context.Context, method string, fields url.Values) (url.Values, error) {
	form := url.Values{}
	for k, v := range fields {
		form[k] = v
	}
	form.Set("VERSION", nvpVersion)
	form.Set("USER", c.User)
	form.Set("PWD", c.Password)
	form.Set("SIGNATURE", c.Signature)
	form.Set("METHOD", method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: paypal %s: %v", ErrGatewayUnavailable, method, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: paypal %s failed: status=%d", ErrGatewayUnavailable, method, resp.StatusCode)
	}

	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: paypal %s returned unparseable body: %v", ErrGatewayUnavailable, method, err)
	}

	switch ack := vals.Get("ACK"); ack {
	case "Success", "SuccessWithWarning":
		return vals, nil
	default:
		return vals, &NVPError{
			Method:       method,
			Ack:          ack,
			Code:         vals.Get("L_ERRORCODE0"),
			ShortMessage: vals.Get("L_SHORTMESSAGE0"),
			LongMessage:  vals.Get("L_LONGMESSAGE0"),
		}
	}
}
