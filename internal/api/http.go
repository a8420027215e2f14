// Package signerapi 提供 AnySigner 的 HTTP/JSON 与 gRPC 接入层。
package signerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	playvalidator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/aegis-sign/anysigner/internal/coin"
	"github.com/aegis-sign/anysigner/internal/planner"
	"github.com/aegis-sign/anysigner/internal/utxoproto"
	"github.com/aegis-sign/anysigner/pkg/apierrors"
	"github.com/aegis-sign/anysigner/pkg/validator"
)

// RequestIDHeader 是请求追踪头。
const RequestIDHeader = "X-Request-Id"

const maxBodyBytes = 1 << 20

type requestIDKey struct{}

// RequestIDFromContext 返回中间件写入的请求编号。
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// HTTPHandler 实现 /v1 下的 HTTP/JSON 接口。
type HTTPHandler struct {
	backend  Backend
	validate *playvalidator.Validate
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// HTTPOption 自定义 HTTPHandler。
type HTTPOption func(*HTTPHandler)

// WithRateLimit 启用令牌桶限流，perSecond<=0 表示不限流。
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(h *HTTPHandler) {
		if perSecond <= 0 {
			h.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHTTPLogger 注入 slog Logger。
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHTTPHandler 构造 HTTP handler。
func NewHTTPHandler(backend Backend, opts ...HTTPOption) *HTTPHandler {
	if backend == nil {
		panic("signer backend is required")
	}
	validate := playvalidator.New(playvalidator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	h := &HTTPHandler{backend: backend, validate: validate, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 将 handler 注册到 mux。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sign", h.handleSign)
	mux.HandleFunc("/v1/plan", h.handlePlan)
	mux.HandleFunc("/v1/sign-json", h.handleSignJSON)
	mux.HandleFunc("/v1/supports-json", h.handleSupportsJSON)
	mux.HandleFunc("/v1/coins", h.handleCoins)
}

// Wrap 为 /v1 请求分配请求编号并执行限流。
func (h *HTTPHandler) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
		if h.limiter != nil && !h.limiter.Allow() {
			wait := time.Duration(float64(time.Second) / float64(h.limiter.Limit()))
			h.writeAPIError(w, r, apierrors.New(apierrors.CodeRetryLater, "rate limit exceeded").WithRetryAfter(wait))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type signRequestBody struct {
	Coin     *uint32 `json:"coin" validate:"required"`
	Input    string  `json:"input" validate:"required"`
	Encoding string  `json:"encoding" validate:"omitempty,oneof=hex base64"`
}

type signResponseBody struct {
	Output   string `json:"output"`
	Encoding string `json:"encoding"`
}

type signJSONRequestBody struct {
	Coin       *uint32 `json:"coin" validate:"required"`
	JSON       string  `json:"json" validate:"required"`
	PrivateKey string  `json:"privateKey" validate:"required"`
}

type signJSONResponseBody struct {
	Encoded string `json:"encoded"`
}

type planResponseBody struct {
	Plan     string      `json:"plan"`
	Encoding string      `json:"encoding"`
	Summary  planSummary `json:"summary"`
}

type planSummary struct {
	Inputs     []planInput  `json:"inputs"`
	Outputs    []planOutput `json:"outputs"`
	Change     *planOutput  `json:"change,omitempty"`
	InputTotal string       `json:"inputTotal"`
	Fee        string       `json:"fee"`
	Error      string       `json:"error,omitempty"`
}

type planInput struct {
	TxID   string `json:"txid"`
	Index  uint32 `json:"index"`
	Amount string `json:"amount"`
}

type planOutput struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type supportsJSONResponseBody struct {
	Coin      uint32 `json:"coin"`
	Supported bool   `json:"supported"`
}

type coinBody struct {
	Coin         uint32   `json:"coin"`
	Name         string   `json:"name"`
	Symbol       string   `json:"symbol"`
	Decimals     int32    `json:"decimals"`
	Curve        string   `json:"curve"`
	Family       string   `json:"family"`
	Capabilities []string `json:"capabilities"`
	Dust         int64    `json:"dust,omitempty"`
}

type errorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RequestID      string `json:"requestId,omitempty"`
	RetryAfterHint string `json:"retryAfterHint,omitempty"`
}

func (h *HTTPHandler) handleSign(w http.ResponseWriter, r *http.Request) {
	body, input, enc, ok := h.decodeSignBody(w, r)
	if !ok {
		return
	}
	out, err := h.backend.Sign(r.Context(), input, coin.Type(*body.Coin))
	if err != nil {
		h.writeUnknownError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, signResponseBody{Output: validator.EncodePayload(out, enc), Encoding: string(enc)})
}

func (h *HTTPHandler) handlePlan(w http.ResponseWriter, r *http.Request) {
	body, input, enc, ok := h.decodeSignBody(w, r)
	if !ok {
		return
	}
	t := coin.Type(*body.Coin)
	out, err := h.backend.Plan(r.Context(), input, t)
	if err != nil {
		h.writeUnknownError(w, r, err)
		return
	}
	desc, err := h.backend.Registry().Lookup(t)
	if err != nil {
		h.writeUnknownError(w, r, err)
		return
	}
	plan, err := utxoproto.DecodePlan(out)
	if err != nil {
		h.writeUnknownError(w, r, apierrors.Wrap(apierrors.CodeInternalSigningError, "decode plan", err))
		return
	}
	h.writeJSON(w, http.StatusOK, planResponseBody{
		Plan:     validator.EncodePayload(out, enc),
		Encoding: string(enc),
		Summary:  summarize(plan, desc.Decimals),
	})
}

func (h *HTTPHandler) handleSignJSON(w http.ResponseWriter, r *http.Request) {
	var body signJSONRequestBody
	if !h.decodeBody(w, r, &body) {
		return
	}
	key, err := validator.DecodePrivateKey(body.PrivateKey)
	if err != nil {
		h.writeAPIError(w, r, apierrors.Wrap(apierrors.CodeInvalidInput, "privateKey", err))
		return
	}
	out, err := h.backend.SignJSON(r.Context(), body.JSON, key, coin.Type(*body.Coin))
	if err != nil {
		h.writeUnknownError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, signJSONResponseBody{Encoded: out})
}

func (h *HTTPHandler) handleSupportsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeAPIError(w, r, apierrors.New(apierrors.CodeInvalidInput, "GET required"))
		return
	}
	t, err := coin.ParseType(r.URL.Query().Get("coin"))
	if err != nil {
		h.writeAPIError(w, r, apierrors.Wrap(apierrors.CodeInvalidInput, "coin query parameter", err))
		return
	}
	supported, err := h.backend.SupportsJSON(t)
	if err != nil {
		h.writeUnknownError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, supportsJSONResponseBody{Coin: uint32(t), Supported: supported})
}

func (h *HTTPHandler) handleCoins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeAPIError(w, r, apierrors.New(apierrors.CodeInvalidInput, "GET required"))
		return
	}
	all := h.backend.Registry().All()
	coins := make([]coinBody, 0, len(all))
	for _, d := range all {
		caps, err := h.backend.Capabilities(d.Type)
		if err != nil {
			h.writeUnknownError(w, r, err)
			return
		}
		coins = append(coins, coinBody{
			Coin:         uint32(d.Type),
			Name:         d.Name,
			Symbol:       d.Symbol,
			Decimals:     d.Decimals,
			Curve:        d.Curve.String(),
			Family:       d.Family.String(),
			Capabilities: caps.Names(),
			Dust:         d.DustThreshold,
		})
	}
	h.writeJSON(w, http.StatusOK, coins)
}

func (h *HTTPHandler) decodeSignBody(w http.ResponseWriter, r *http.Request) (signRequestBody, []byte, validator.PayloadEncoding, bool) {
	var body signRequestBody
	if !h.decodeBody(w, r, &body) {
		return body, nil, "", false
	}
	enc, err := validator.NormalizeEncoding(body.Encoding)
	if err != nil {
		h.writeAPIError(w, r, apierrors.New(apierrors.CodeInvalidInput, err.Error()))
		return body, nil, "", false
	}
	input, err := validator.DecodePayload(body.Input, enc)
	if err != nil {
		h.writeAPIError(w, r, apierrors.New(apierrors.CodeInvalidInput, err.Error()))
		return body, nil, "", false
	}
	return body, input, enc, true
}

// decodeBody 要求 POST，解析 JSON 并执行结构体校验。
func (h *HTTPHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		h.writeAPIError(w, r, apierrors.New(apierrors.CodeInvalidInput, "POST required"))
		return false
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		h.writeAPIError(w, r, apierrors.New(apierrors.CodeInvalidInput, "invalid JSON body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeAPIError(w, r, apierrors.New(apierrors.CodeInvalidInput, validationMessage(err)))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs playvalidator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "required" {
			return fe.Field() + " is required"
		}
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
	return err.Error()
}

func summarize(plan planner.Plan, decimals int32) planSummary {
	amount := func(v int64) string { return decimal.New(v, -decimals).String() }
	s := planSummary{
		Inputs:     make([]planInput, 0, len(plan.Inputs)),
		Outputs:    make([]planOutput, 0, len(plan.Outputs)),
		InputTotal: amount(plan.InputTotal()),
		Fee:        amount(plan.Fee),
		Error:      string(plan.Error),
	}
	for _, in := range plan.Inputs {
		s.Inputs = append(s.Inputs, planInput{TxID: in.OutPoint.Hash.String(), Index: in.OutPoint.Index, Amount: amount(in.Amount)})
	}
	for _, out := range plan.Outputs {
		s.Outputs = append(s.Outputs, planOutput{Address: out.Address, Amount: amount(out.Amount)})
	}
	if plan.Change != nil {
		s.Change = &planOutput{Address: plan.Change.Address, Amount: amount(plan.Change.Amount)}
	}
	return s
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) writeUnknownError(w http.ResponseWriter, r *http.Request, err error) {
	if apiErr, ok := apierrors.FromError(err); ok {
		h.writeAPIError(w, r, apiErr)
		return
	}
	h.logger.Error("unclassified handler error", slog.String("path", r.URL.Path), slog.Any("err", err))
	h.writeAPIError(w, r, apierrors.New(apierrors.CodeInternalSigningError, "internal error"))
}

func (h *HTTPHandler) writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *apierrors.Error) {
	if apiErr == nil {
		apiErr = apierrors.New(apierrors.CodeInternalSigningError, "internal error")
	}
	status := apierrors.HTTPStatus(apiErr.Code)
	if status == 0 {
		status = http.StatusInternalServerError
	}
	hint := apiErr.RetryAfterHint()
	if hint != "" && apierrors.RequiresRetryAfter(apiErr.Code) {
		w.Header().Set("Retry-After", hint)
	}
	resp := errorResponse{
		Code:           string(apiErr.Code),
		Message:        apiErr.Error(),
		RequestID:      RequestIDFromContext(r.Context()),
		RetryAfterHint: hint,
	}
	if status >= http.StatusInternalServerError {
		resp.Message = apiErr.Message
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", resp.RequestID),
			slog.String("code", resp.Code),
			slog.Any("err", apiErr),
		)
	}
	h.writeJSON(w, status, resp)
}
