// Package relayclient talks to a relayer daemon over its HTTP API so a
// coordinator can run in a separate process from the relayer.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/relay"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

const (
	componentName      = "relayclient"
	idempotencyHeader  = "X-CBAL-Idempotency-Key"
	adminHeader        = "X-CBAL-Admin-Token"
	defaultTimeout     = 3 * time.Minute
	defaultMaxAttempts = 3
	maxResponseBytes   = 1 << 20
)

type Options struct {
	HTTPClient *http.Client
	AdminToken string
	// MaxAttempts bounds forward attempts on retryable submission failures.
	MaxAttempts uint64
	Logger      *slog.Logger
}

// Relayer is the record published by the lookup endpoint.
type Relayer struct {
	ID           string    `json:"relayerId"`
	Address      string    `json:"relayerAddress"`
	PublicKey    string    `json:"publicKey"`
	FeeTokenMint string    `json:"feeTokenMint"`
	Fee          uint64    `json:"fee"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Client struct {
	base        *url.URL
	http        *http.Client
	adminToken  string
	maxAttempts uint64
	logger      *slog.Logger
}

func New(baseURL string, opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &contracts.ConfigurationError{Field: "relayer url", Err: fmt.Errorf("invalid url %q", baseURL)}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		base:        base,
		http:        opts.HTTPClient,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
	}, nil
}

// Relay encodes tx and forwards it; it satisfies the coordinator's relay port.
func (c *Client) Relay(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	encoded, err := relay.EncodeEnvelope(tx)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.Forward(ctx, encoded)
}

// Forward posts a base64 envelope. Only submissions the ledger refused are
// retried, under one idempotency key. A response lost after the request was
// sent is ambiguous and comes back as a *contracts.ConfirmationTimeoutError
// without a signature.
func (c *Client) Forward(ctx context.Context, encoded string) (solana.Signature, error) {
	key := uuid.NewString()
	body := map[string]string{"transaction": encoded}
	var sig solana.Signature
	attempt := 0
	op := func() error {
		attempt++
		var resp struct {
			Signature string `json:"signature"`
		}
		err := c.do(ctx, http.MethodPost, "/api/relayer/forward", body, map[string]string{idempotencyHeader: key}, &resp)
		if err != nil {
			var lost *responseLostError
			if errors.As(err, &lost) {
				return backoff.Permanent(&contracts.ConfirmationTimeoutError{Err: err})
			}
			if contracts.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		parsed, err := solana.SignatureFromBase58(resp.Signature)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("relayer returned malformed signature: %w", err))
		}
		sig = parsed
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxAttempts-1), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.logger.Warn("forward failed, retrying",
			"component", componentName,
			"operation", "forward",
			"correlation_id", contracts.CorrelationID(ctx, key),
			"attempt", attempt,
			"wait", wait.String(),
			"error", err.Error(),
		)
	})
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

func (c *Client) Lookup(ctx context.Context) (Relayer, error) {
	var out Relayer
	if err := c.do(ctx, http.MethodGet, "/api/relayer", nil, nil, &out); err != nil {
		return Relayer{}, err
	}
	return out, nil
}

// Setup registers the daemon's signing key. A conflict is returned as a
// *contracts.RegistryConflictError describing the existing record.
func (c *Client) Setup(ctx context.Context, fee uint64, feeTokenMint solana.PublicKey) (Relayer, error) {
	body := map[string]any{"fee": fee, "associatedTokenMint": feeTokenMint.String()}
	headers := map[string]string{}
	if c.adminToken != "" {
		headers[adminHeader] = c.adminToken
	}
	var out Relayer
	if err := c.do(ctx, http.MethodPost, "/api/relayer/setup", body, headers, &out); err != nil {
		return Relayer{}, err
	}
	return out, nil
}

// responseLostError means the request reached the relayer but no response came
// back, so whatever it triggered may have happened.
type responseLostError struct {
	Err error
}

func (e *responseLostError) Error() string {
	return fmt.Sprintf("relayer response lost: %v", e.Err)
}

func (e *responseLostError) Unwrap() error { return e.Err }

type errorResponse struct {
	Error          string `json:"error"`
	Category       string `json:"category"`
	Signature      string `json:"signature"`
	RelayerID      string `json:"relayerId"`
	RelayerAddress string `json:"relayerAddress"`
}

func (c *Client) do(ctx context.Context, method, path string, in any, headers map[string]string, out any) (retErr error) {
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	var wrote atomic.Bool
	req = req.WithContext(httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}))
	resp, err := c.http.Do(req)
	if err != nil {
		if wrote.Load() {
			return &responseLostError{Err: err}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &contracts.SubmissionError{Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode relayer response: %w", err)
		}
		return nil
	}
	var decoded errorResponse
	_ = json.Unmarshal(data, &decoded)
	return statusError(resp.StatusCode, decoded)
}

// statusError maps a relayer API failure back onto the error taxonomy.
func statusError(status int, body errorResponse) error {
	cause := errors.New(strings.TrimSpace(body.Error))
	if body.Error == "" {
		cause = fmt.Errorf("relayer status %d", status)
	}
	switch status {
	case http.StatusBadRequest:
		if body.Category == contracts.CategoryValidation {
			return fmt.Errorf("%w: %w", contracts.ErrInvalidRequest, cause)
		}
		return &contracts.EnvelopeFormatError{Reason: cause.Error(), Err: cause}
	case http.StatusConflict:
		if body.RelayerID == "" {
			return fmt.Errorf("%w: %w", contracts.ErrIdempotencyConflict, cause)
		}
		return &contracts.RegistryConflictError{ExistingID: body.RelayerID, Address: body.RelayerAddress}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", contracts.ErrNotFound, cause)
	case http.StatusGatewayTimeout:
		if body.Category == contracts.CategoryFinalizationTimeout {
			return &contracts.FinalizationTimeoutError{Err: cause}
		}
		return &contracts.ConfirmationTimeoutError{Signature: body.Signature, Err: cause}
	case http.StatusBadGateway, http.StatusTooManyRequests:
		return &contracts.SubmissionError{Err: cause}
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %w", contracts.ErrRelayerUnavailable, cause)
	default:
		return fmt.Errorf("relayer status %d: %w", status, cause)
	}
}
