// Package anysigner 按链编号把 Sign / Plan / SignJSON 请求分发给各链实现。
//
// 分发器只负责查表与能力校验，签名输入输出对它来说是不透明的字节。各链通过 WithChain
// 在构造时绑定，构造完成后只读，可被任意 goroutine 并发调用。
package anysigner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-sign/anysigner/internal/coin"
	"github.com/aegis-sign/anysigner/internal/planner"
	"github.com/aegis-sign/anysigner/internal/utxoproto"
	"github.com/aegis-sign/anysigner/pkg/apierrors"
)

// ErrInvalidInput 由链实现返回，表示签名输入无法解析或语义非法。
var ErrInvalidInput = errors.New("invalid signing input")

// ChainSigner 是单条链的签名实现。
type ChainSigner interface {
	Sign(ctx context.Context, input []byte) ([]byte, error)
}

// JSONSigner 是支持 JSON 交易描述签名的链实现。
type JSONSigner interface {
	SignJSON(ctx context.Context, json string, privateKey []byte) (string, error)
}

// UTXOChain 为 UTXO 链提供专属的手续费模型与 dust 阈值。
type UTXOChain interface {
	FeeEstimator(byteFee int64) planner.FeeEstimator
	DustThreshold(byteFee int64) int64
}

// AnySigner 是统一签名入口。
type AnySigner struct {
	registry   *coin.Registry
	chains     map[coin.Type]ChainSigner
	bindings   []binding
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *Metrics
}

type binding struct {
	coin   coin.Type
	signer ChainSigner
}

// Option 定义可选参数。
type Option func(*AnySigner)

// WithChain 将链实现绑定到链编号，编号必须已注册。
func WithChain(t coin.Type, signer ChainSigner) Option {
	return func(a *AnySigner) {
		a.bindings = append(a.bindings, binding{coin: t, signer: signer})
	}
}

// WithLogger 注入结构化日志。
func WithLogger(logger *slog.Logger) Option {
	return func(a *AnySigner) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *AnySigner) {
		a.registerer = reg
	}
}

// WithMetrics 复用已创建的指标，适用于同一进程内多个分发器。
func WithMetrics(m *Metrics) Option {
	return func(a *AnySigner) {
		a.metrics = m
	}
}

// New 构造分发器，绑定未注册的链或重复绑定会返回错误。
func New(registry *coin.Registry, opts ...Option) (*AnySigner, error) {
	if registry == nil {
		return nil, errors.New("coin registry is required")
	}
	a := &AnySigner{
		registry: registry,
		chains:   make(map[coin.Type]ChainSigner),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, b := range a.bindings {
		if b.signer == nil {
			return nil, fmt.Errorf("coin %d: nil chain signer", b.coin)
		}
		if _, err := registry.Lookup(b.coin); err != nil {
			return nil, fmt.Errorf("bind chain signer: %w", err)
		}
		if _, dup := a.chains[b.coin]; dup {
			return nil, fmt.Errorf("coin %d: chain signer already bound", b.coin)
		}
		a.chains[b.coin] = b.signer
	}
	a.bindings = nil
	if a.metrics == nil {
		a.metrics = NewMetrics(a.registerer)
	}
	return a, nil
}

// Registry 返回底层链注册表。
func (a *AnySigner) Registry() *coin.Registry {
	return a.registry
}

// Descriptor 返回链描述，未注册时返回 UNKNOWN_COIN。
func (a *AnySigner) Descriptor(t coin.Type) (coin.Descriptor, error) {
	desc, err := a.registry.Lookup(t)
	if err != nil {
		return coin.Descriptor{}, apierrors.Wrap(apierrors.CodeUnknownCoin, fmt.Sprintf("coin %d is not registered", t), err)
	}
	return desc, nil
}

// Capabilities 返回链当前真正可用的能力：声明且有对应实现。
func (a *AnySigner) Capabilities(t coin.Type) (coin.Capability, error) {
	desc, err := a.Descriptor(t)
	if err != nil {
		return 0, err
	}
	var caps coin.Capability
	signer, bound := a.chains[t]
	if bound && desc.Supports(coin.CapabilitySign) {
		caps |= coin.CapabilitySign
	}
	if desc.Family == coin.FamilyUTXO && desc.Supports(coin.CapabilityPlan) {
		caps |= coin.CapabilityPlan
	}
	if _, ok := signer.(JSONSigner); ok && desc.Supports(coin.CapabilitySignJSON) {
		caps |= coin.CapabilitySignJSON
	}
	return caps, nil
}

// Sign 将签名输入原样交给链实现。
func (a *AnySigner) Sign(ctx context.Context, input []byte, t coin.Type) (out []byte, err error) {
	start := time.Now()
	label := unknownCoin
	defer func() { a.record(label, opSign, err, start) }()

	desc, err := a.Descriptor(t)
	if err != nil {
		return nil, err
	}
	label = t.String()
	signer, bound := a.chains[t]
	if !desc.Supports(coin.CapabilitySign) || !bound {
		return nil, unsupported(desc, opSign)
	}
	out, err = signer.Sign(ctx, input)
	if err != nil {
		return nil, a.classify(desc, opSign, err)
	}
	return out, nil
}

// SignJSON 使用 JSON 交易描述与私钥签名，仅声明并实现 JSONSigner 的链可用。
func (a *AnySigner) SignJSON(ctx context.Context, json string, privateKey []byte, t coin.Type) (out string, err error) {
	start := time.Now()
	label := unknownCoin
	defer func() { a.record(label, opSignJSON, err, start) }()

	desc, err := a.Descriptor(t)
	if err != nil {
		return "", err
	}
	label = t.String()
	signer, ok := a.chains[t].(JSONSigner)
	if !desc.Supports(coin.CapabilitySignJSON) || !ok {
		return "", unsupported(desc, opSignJSON)
	}
	out, err = signer.SignJSON(ctx, json, privateKey)
	if err != nil {
		return "", a.classify(desc, opSignJSON, err)
	}
	return out, nil
}

// SupportsJSON 判断链是否支持 SignJSON，未注册的链返回 (false, UNKNOWN_COIN)。
func (a *AnySigner) SupportsJSON(t coin.Type) (bool, error) {
	caps, err := a.Capabilities(t)
	if err != nil {
		a.record(unknownCoin, opSupportsJSON, err, time.Now())
		return false, err
	}
	return caps.Has(coin.CapabilitySignJSON), nil
}

// Plan 为 UTXO 链计算选币规划，规划失败写入结果的 error 字段而非返回 error。
func (a *AnySigner) Plan(_ context.Context, input []byte, t coin.Type) (out []byte, err error) {
	start := time.Now()
	label := unknownCoin
	var planErr apierrors.Code
	defer func() {
		if err == nil && planErr != "" {
			a.metrics.observe(label, opPlan, string(planErr), time.Since(start))
			return
		}
		a.record(label, opPlan, err, start)
	}()

	desc, err := a.Descriptor(t)
	if err != nil {
		return nil, err
	}
	label = t.String()
	if desc.Family != coin.FamilyUTXO || !desc.Supports(coin.CapabilityPlan) {
		return nil, unsupported(desc, opPlan)
	}
	in, err := utxoproto.UnmarshalSigningInput(input)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidInput, "decode signing input", err)
	}

	var plan planner.Plan
	if in.ByteFee < 0 {
		plan = planner.Plan{Error: apierrors.CodeInvalidInput}
	} else {
		fee, dust := a.feeModel(desc, in.ByteFee)
		plan = planner.Build(in.PlanRequest(fee, dust))
	}
	if plan.Error != "" {
		planErr = plan.Error
		a.logger.Debug("plan rejected",
			slog.String("coin", desc.Name),
			slog.String("code", string(plan.Error)),
			slog.Int("utxos", len(in.UTXOs)),
		)
	}
	return utxoproto.EncodePlan(plan), nil
}

func (a *AnySigner) feeModel(desc coin.Descriptor, byteFee int64) (planner.FeeEstimator, int64) {
	if chain, ok := a.chains[desc.Type].(UTXOChain); ok {
		return chain.FeeEstimator(byteFee), chain.DustThreshold(byteFee)
	}
	return planner.LinearFee{ByteFee: byteFee}, desc.DustThreshold
}

func unsupported(desc coin.Descriptor, op string) error {
	return apierrors.New(apierrors.CodeUnsupportedOperation, fmt.Sprintf("%s is not supported for %s", op, desc.Name))
}

// classify 将链实现返回的错误收敛为 INVALID_INPUT / RETRY_LATER / INTERNAL_SIGNING_ERROR。
func (a *AnySigner) classify(desc coin.Descriptor, op string, err error) error {
	code := apierrors.CodeOf(err)
	switch {
	case errors.Is(err, ErrInvalidInput) || code == apierrors.CodeInvalidInput:
		return apierrors.Wrap(apierrors.CodeInvalidInput, fmt.Sprintf("%s %s", desc.Name, op), err)
	case code == apierrors.CodeRetryLater:
		return err
	}
	a.logger.Error("chain signer failed",
		slog.String("coin", desc.Name),
		slog.String("operation", op),
		slog.Any("err", err),
	)
	return apierrors.Wrap(apierrors.CodeInternalSigningError, fmt.Sprintf("%s %s failed", desc.Name, op), err)
}

func (a *AnySigner) record(coinLabel, op string, err error, start time.Time) {
	code := outcomeOK
	if err != nil {
		code = string(apierrors.CodeOf(err))
		if code == "" {
			code = string(apierrors.CodeInternalSigningError)
		}
	}
	a.metrics.observe(coinLabel, op, code, time.Since(start))
}
