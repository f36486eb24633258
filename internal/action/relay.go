package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// DefaultMismatchMarkers are revert reason fragments the game contracts use when a call no
// longer fits the entity's state.
var DefaultMismatchMarkers = []string{"invalid state", "not your turn", "already", "wrong phase"}

// RelayConfig configures a RelayClient.
type RelayConfig struct {
	URL            string
	APIKey         string
	Timeout        time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// MismatchMarkers defaults to DefaultMismatchMarkers.
	MismatchMarkers []string
}

// RelayClient submits intents to an HTTP meta-transaction relayer.
type RelayClient struct {
	baseURL        string
	apiKey         string
	client         *http.Client
	timeout        time.Duration
	confirmTimeout time.Duration
	pollInterval   time.Duration
	markers        []string
	logger         *zap.Logger
}

var _ Executor = (*RelayClient)(nil)

// Relay statuses reported by GET /v1/relay/{id}.
const (
	relayPending  = "pending"
	relayMined    = "mined"
	relayReverted = "reverted"
	relayFailed   = "failed"
)

var errPending = errors.New("transaction pending")

type relayRequest struct {
	Kind      string         `json:"kind"`
	Key       string         `json:"key"`
	ActionKey string         `json:"actionKey"`
	Contract  string         `json:"contract"`
	Method    string         `json:"method"`
	Args      map[string]any `json:"args,omitempty"`
}

type relayResponse struct {
	ID     string `json:"id"`
	TxHash string `json:"txHash"`
}

type relayStatus struct {
	Status       string `json:"status"`
	TxHash       string `json:"txHash"`
	BlockNumber  uint64 `json:"blockNumber"`
	RevertReason string `json:"revertReason"`
}

type relayError struct {
	Error string `json:"error"`
}

// NewRelayClient creates a relayer client. cfg.Timeout bounds every request, whatever http
// client is supplied; ConfirmTimeout bounds the whole confirmation wait.
func NewRelayClient(cfg RelayConfig, client *http.Client, logger *zap.Logger) *RelayClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	markers := cfg.MismatchMarkers
	if len(markers) == 0 {
		markers = DefaultMismatchMarkers
	}
	return &RelayClient{
		baseURL:        strings.TrimRight(cfg.URL, "/"),
		apiKey:         cfg.APIKey,
		client:         client,
		timeout:        cfg.Timeout,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		markers:        markers,
		logger:         logger.With(zap.String("component", "relayer")),
	}
}

// Submit posts the intent to the relayer.
func (c *RelayClient) Submit(ctx context.Context, intent Intent) (TxHandle, error) {
	body, err := json.Marshal(relayRequest{
		Kind:      intent.Kind,
		Key:       intent.Key,
		ActionKey: intent.ActionKey,
		Contract:  intent.Contract,
		Method:    intent.Method,
		Args:      intent.Args,
	})
	if err != nil {
		return TxHandle{}, fmt.Errorf("encode relay request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/relay", bytes.NewReader(body))
	if err != nil {
		return TxHandle{}, fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return TxHandle{}, Retryable(fmt.Errorf("relay request: %w", err))
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.StatusOK, http.StatusCreated, http.StatusAccepted); err != nil {
		return TxHandle{}, err
	}

	var out relayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TxHandle{}, Retryable(fmt.Errorf("decode relay response: %w", err))
	}
	if out.ID == "" {
		return TxHandle{}, Retryable(errors.New("relay response without id"))
	}

	c.logger.Debug("intent relayed",
		zap.String("kind", intent.Kind),
		zap.String("key", intent.Key),
		zap.String("action_key", intent.ActionKey),
		zap.String("relay_id", out.ID),
		zap.String("tx_hash", out.TxHash),
	)
	return TxHandle{ID: out.ID, TxHash: out.TxHash}, nil
}

// AwaitConfirmation polls the relayer until the transaction is mined, reverted or failed,
// or until the confirm timeout elapses.
func (c *RelayClient) AwaitConfirmation(ctx context.Context, handle TxHandle) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.pollInterval
	policy.MaxInterval = 4 * c.pollInterval

	receipt, err := backoff.Retry(ctx, func() (Receipt, error) {
		return c.poll(ctx, handle)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(c.confirmTimeout),
	)
	if err == nil {
		return receipt, nil
	}
	var categorised *Error
	if errors.As(err, &categorised) {
		return Receipt{}, err
	}
	return Receipt{}, Retryable(fmt.Errorf("await confirmation of %s: %w", handle.ID, err))
}

// poll fetches the relay status once. Pending and transport errors are retried by the
// caller; terminal outcomes are wrapped as permanent.
func (c *RelayClient) poll(ctx context.Context, handle TxHandle) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/relay/"+url.PathEscape(handle.ID), nil)
	if err != nil {
		return Receipt{}, backoff.Permanent(fmt.Errorf("build status request: %w", err))
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.StatusOK); err != nil {
		if IsStateMismatch(err) || (resp.StatusCode >= 400 && resp.StatusCode < 500) {
			return Receipt{}, backoff.Permanent(err)
		}
		return Receipt{}, err
	}

	var st relayStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Receipt{}, fmt.Errorf("decode status response: %w", err)
	}

	switch st.Status {
	case relayMined:
		txHash := st.TxHash
		if txHash == "" {
			txHash = handle.TxHash
		}
		return Receipt{TxHash: txHash, BlockNumber: st.BlockNumber, ConfirmedAt: time.Now()}, nil
	case relayReverted:
		return Receipt{}, backoff.Permanent(c.classify(fmt.Errorf("transaction %s reverted: %s", handle.ID, st.RevertReason), st.RevertReason))
	case relayFailed:
		return Receipt{}, backoff.Permanent(c.classify(fmt.Errorf("relay %s failed: %s", handle.ID, st.RevertReason), st.RevertReason))
	case relayPending, "":
		return Receipt{}, errPending
	default:
		return Receipt{}, fmt.Errorf("unknown relay status %q", st.Status)
	}
}

// checkStatus maps an unexpected HTTP status to a categorised error. 409 and bodies that
// carry a mismatch marker are state mismatches.
func (c *RelayClient) checkStatus(resp *http.Response, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	reason := strings.TrimSpace(string(raw))
	var body relayError
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		reason = body.Error
	}

	err := fmt.Errorf("relayer returned %s: %s", resp.Status, reason)
	if resp.StatusCode == http.StatusConflict {
		return StateMismatch(err)
	}
	return c.classify(err, reason)
}

// classify wraps err as a state mismatch when reason contains a configured marker.
func (c *RelayClient) classify(err error, reason string) error {
	lower := strings.ToLower(reason)
	for _, marker := range c.markers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return StateMismatch(err)
		}
	}
	return Retryable(err)
}

func (c *RelayClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
