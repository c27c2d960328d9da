package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/platform/ratelimiter"
	"confbal/go-backend/internal/registry"

	"github.com/gagliardetto/solana-go"
)

type forwardRequest struct {
	Transaction string `json:"transaction"`
}

type forwardResponse struct {
	Signature string `json:"signature"`
}

type setupRequest struct {
	Fee                 json.Number `json:"fee"`
	AssociatedTokenMint string      `json:"associatedTokenMint"`
}

type setupResponse struct {
	RelayerID      string `json:"relayerId"`
	RelayerAddress string `json:"relayerAddress"`
}

type relayerResponse struct {
	RelayerID      string `json:"relayerId"`
	RelayerAddress string `json:"relayerAddress"`
	PublicKey      string `json:"publicKey"`
	FeeTokenMint   string `json:"feeTokenMint"`
	Fee            uint64 `json:"fee"`
	Active         bool   `json:"active"`
	CreatedAt      string `json:"createdAt"`
}

type errorResponse struct {
	Error          string `json:"error"`
	Category       string `json:"category,omitempty"`
	Signature      string `json:"signature,omitempty"`
	RelayerID      string `json:"relayerId,omitempty"`
	RelayerAddress string `json:"relayerAddress,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), contracts.CategoryEnvelope)
		return
	}
	if strings.TrimSpace(req.Transaction) == "" {
		writeError(w, http.StatusBadRequest, "transaction is required", contracts.CategoryEnvelope)
		return
	}

	cacheKey := idempotencyKey(r.Header.Get(idempotencyHeader), ratelimiter.ClientKey(r, ""))
	hash := requestHash(req.Transaction)
	if cacheKey != "" {
		cached, ok, conflict := s.idempotency.get(cacheKey, hash)
		if conflict {
			writeError(w, http.StatusConflict, "idempotency key reused with a different transaction", contracts.CategoryConflict)
			return
		}
		if ok {
			writeJSON(w, cached.status, cached.body)
			return
		}
	}

	// The forward outlives the request: once a transaction is signed and sent,
	// a client disconnect must not lose the signature.
	ctx := context.WithoutCancel(r.Context())
	forward := func() (any, error) {
		sig, err := s.forwarder.Forward(ctx, req.Transaction)
		outcome, landed := forwardResult(sig, err)
		if landed && cacheKey != "" {
			s.idempotency.set(cacheKey, hash, outcome)
		}
		return outcome, nil
	}
	var result any
	if cacheKey != "" {
		result, _, _ = s.inflight.Do(cacheKey+"|"+hash, forward)
	} else {
		result, _ = forward()
	}
	outcome := result.(forwardOutcome)
	writeJSON(w, outcome.status, outcome.body)
}

// forwardResult renders a forward into its HTTP response and reports whether
// the transaction may have reached the ledger. Those outcomes are the ones a
// retry must replay rather than resubmit.
func forwardResult(sig solana.Signature, err error) (forwardOutcome, bool) {
	if err == nil {
		return forwardOutcome{status: http.StatusOK, body: forwardResponse{Signature: sig.String()}}, true
	}
	resp := errorResponse{Error: err.Error(), Category: contracts.Category(err)}
	var timeoutErr *contracts.ConfirmationTimeoutError
	landed := false
	if errors.As(err, &timeoutErr) {
		resp.Signature = timeoutErr.Signature
		landed = timeoutErr.Signature != ""
	}
	return forwardOutcome{status: statusFor(err), body: resp}, landed
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(w, r) {
		return
	}
	var req setupRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), contracts.CategoryValidation)
		return
	}
	fee, err := parseFee(req.Fee)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), contracts.CategoryValidation)
		return
	}
	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(req.AssociatedTokenMint))
	if err != nil {
		writeError(w, http.StatusBadRequest, "associatedTokenMint must be a base58 public key", contracts.CategoryValidation)
		return
	}

	rec, err := s.registry.Register(r.Context(), s.signingKey, fee, mint)
	if err != nil {
		var conflict *contracts.RegistryConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, errorResponse{
				Error:          "relayer already registered",
				Category:       contracts.CategoryConflict,
				RelayerID:      conflict.ExistingID,
				RelayerAddress: conflict.Address,
			})
			return
		}
		writeError(w, statusFor(err), err.Error(), contracts.Category(err))
		return
	}
	writeJSON(w, http.StatusOK, setupResponse{RelayerID: rec.ID.String(), RelayerAddress: rec.Address.String()})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Lookup(r.Context(), s.signingKey)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "relayer is not registered", contracts.CategoryNotFound)
			return
		}
		writeError(w, statusFor(err), err.Error(), contracts.Category(err))
		return
	}
	writeJSON(w, http.StatusOK, toRelayerResponse(rec))
}

func toRelayerResponse(rec registry.Record) relayerResponse {
	return relayerResponse{
		RelayerID:      rec.ID.String(),
		RelayerAddress: rec.Address.String(),
		PublicKey:      rec.PublicKey.String(),
		FeeTokenMint:   rec.FeeTokenMint.String(),
		Fee:            rec.Fee,
		Active:         rec.Active,
		CreatedAt:      rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func parseFee(raw json.Number) (uint64, error) {
	text := strings.TrimSpace(raw.String())
	if text == "" {
		return 0, errors.New("fee is required")
	}
	fee, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, errors.New("fee must be a non-negative integer")
	}
	return fee, nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch contracts.Category(err) {
	case contracts.CategoryEnvelope, contracts.CategoryValidation:
		return http.StatusBadRequest
	case contracts.CategorySubmission:
		return http.StatusBadGateway
	case contracts.CategoryConfirmationTimeout, contracts.CategoryFinalizationTimeout:
		return http.StatusGatewayTimeout
	case contracts.CategoryConflict:
		return http.StatusConflict
	case contracts.CategoryNotFound:
		return http.StatusNotFound
	case contracts.CategoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, category string) {
	writeJSON(w, status, errorResponse{Error: message, Category: category})
}
