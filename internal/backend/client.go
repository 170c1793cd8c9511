// Package backend is the client for the marketplace backend: reservation
// creation, escrow payload preparation, and authoritative post-payment
// verification.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the backend's REST endpoints with HMAC-signed requests.
type Client struct {
	baseURL string
	httpc   *http.Client
	signer  *Signer
}

func NewClient(baseURL, hmacSecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		signer:  &Signer{Secret: hmacSecret},
	}
}

type ReservationRequest struct {
	ProductRef   string `json:"productRef"`
	BuyerAddress string `json:"buyerAddress"`
}

type ReservationResponse struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type PrepareRequest struct {
	SellerAddress string `json:"sellerAddress"`
	BuyerAddress  string `json:"buyerAddress"`
	ProductCode   string `json:"productCode"`
	Amount        string `json:"amount"` // decimal string in wei
}

// PreparedPayload is the backend's suggested escrow-creation call. It is
// advisory: the builder re-validates every field before use.
type PreparedPayload struct {
	To       string `json:"to"`
	Value    string `json:"value"` // decimal string in wei
	Data     string `json:"data"`  // hex calldata
	GasLimit uint64 `json:"gasLimit"`
}

type VerifyRequest struct {
	TxHash        string `json:"txHash"`
	BuyerAddress  string `json:"buyerAddress"`
	SellerAddress string `json:"sellerAddress"`
	ProductCode   string `json:"productCode"`
	Amount        string `json:"amount"`
}

type VerifyResponse struct {
	EscrowID      string `json:"escrowId"`
	TransactionID string `json:"transactionId"`
}

// RejectionError is a definitive backend "no": the request reached the
// backend and it refused, as opposed to a transport failure.
type RejectionError struct {
	Status int
	Body   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("backend rejected request: status %d: %s", e.Status, e.Body)
}

// CreateReservation acquires the product lock on the backend.
func (c *Client) CreateReservation(ctx context.Context, req ReservationRequest) (ReservationResponse, error) {
	var resp ReservationResponse
	err := c.post(ctx, "/api/v1/reservations", req, &resp, http.StatusCreated)
	return resp, err
}

// PrepareEscrowPayload asks the backend to construct the escrow call.
func (c *Client) PrepareEscrowPayload(ctx context.Context, req PrepareRequest) (PreparedPayload, error) {
	var resp PreparedPayload
	err := c.post(ctx, "/api/v1/escrow/prepare", req, &resp, http.StatusOK)
	return resp, err
}

// VerifyEscrow hands the mined transaction to the backend for independent
// confirmation and linkage to the business transaction record.
func (c *Client) VerifyEscrow(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	var resp VerifyResponse
	err := c.post(ctx, "/api/v1/escrow/verify", req, &resp, http.StatusOK)
	return resp, err
}

func (c *Client) post(ctx context.Context, path string, payload, out any, wantStatus int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.signer.Sign(req, body)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read backend response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		// Only a 4xx is a definitive refusal; a 5xx is indistinguishable
		// from a transport failure and must not be treated as final.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &RejectionError{Status: resp.StatusCode, Body: string(raw)}
		}
		return fmt.Errorf("backend %s: unexpected status %d: %s", path, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}
