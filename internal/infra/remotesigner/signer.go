package remotesigner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/aegis-sign/anysigner/pkg/anysignerrpc"
	"github.com/aegis-sign/anysigner/pkg/apierrors"
)

// Signer 把单条链的签名请求转发到远端 AnySigner 服务，
// 实现 anysigner.ChainSigner 与 anysigner.JSONSigner。
type Signer struct {
	pool     *Pool
	selector *CoinSelector
	coin     uint32
	logger   *slog.Logger
}

// NewSigner 为指定链创建远端签名器。
func NewSigner(pool *Pool, selector *CoinSelector, coin uint32) (*Signer, error) {
	if pool == nil {
		return nil, errors.New("remote signer pool is required")
	}
	if selector == nil {
		return nil, errors.New("coin selector is required")
	}
	return &Signer{pool: pool, selector: selector, coin: coin, logger: pool.logger}, nil
}

// Sign 调用远端 Sign。
func (s *Signer) Sign(ctx context.Context, input []byte) ([]byte, error) {
	var out []byte
	err := s.call(ctx, "Sign", func(ctx context.Context, client anysignerrpc.AnySignerClient) error {
		resp, err := client.Sign(ctx, wrapperspb.Bytes(input))
		if err != nil {
			return err
		}
		out = resp.GetValue()
		return nil
	})
	return out, err
}

// SignJSON 调用远端 SignJSON。
func (s *Signer) SignJSON(ctx context.Context, json string, privateKey []byte) (string, error) {
	var out string
	err := s.call(ctx, "SignJSON", func(ctx context.Context, client anysignerrpc.AnySignerClient) error {
		resp, err := client.SignJSON(ctx, anysignerrpc.NewSignJSONRequest(json, privateKey))
		if err != nil {
			return err
		}
		out = resp.GetValue()
		return nil
	})
	return out, err
}

func (s *Signer) call(ctx context.Context, method string, fn func(context.Context, anysignerrpc.AnySignerClient) error) error {
	target := s.selector.Select(s.coin)
	cfg := s.pool.Config()
	lease, err := s.pool.Acquire(ctx, target)
	if err != nil {
		return s.acquireError(target, err)
	}
	callCtx := anysignerrpc.WithCoin(ctx, s.coin)
	if cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, cfg.CallTimeout)
		defer cancel()
	}
	err = fn(callCtx, lease.Client())
	st := status.Convert(err)
	var connErr error
	if st.Code() == codes.Unavailable {
		connErr = err
	}
	lease.Release(connErr)
	s.pool.metrics.incCall(target, method, st.Code().String())
	if err == nil {
		return nil
	}
	switch st.Code() {
	case codes.Unavailable:
		return apierrors.Wrap(apierrors.CodeRetryLater, fmt.Sprintf("remote signer %s unavailable", target), err).
			WithRetryAfter(cfg.RetryAfter)
	case codes.ResourceExhausted:
		return apierrors.Wrap(apierrors.CodeRetryLater, fmt.Sprintf("remote signer %s busy", target), err).
			WithRetryAfter(cfg.RetryAfter)
	}
	return apierrors.Wrap(apierrors.FromGRPCStatus(st.Code()), fmt.Sprintf("remote signer %s", target), err)
}

func (s *Signer) acquireError(target string, err error) error {
	var retry *retryError
	switch {
	case errors.As(err, &retry):
		wait := retry.wait
		if wait <= 0 {
			wait = s.pool.Config().RetryAfter
		}
		return apierrors.Wrap(apierrors.CodeRetryLater, fmt.Sprintf("remote signer %s", target), err).WithRetryAfter(wait)
	case errors.Is(err, ErrPoolDraining):
		return apierrors.Wrap(apierrors.CodeRetryLater, fmt.Sprintf("remote signer %s", target), err).
			WithRetryAfter(s.pool.Config().RetryAfter)
	}
	s.logger.Warn("remote signer acquire failed", slog.String("target", target), slog.Any("err", err))
	return err
}
