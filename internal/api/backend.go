package signerapi

import (
	"context"

	"github.com/aegis-sign/anysigner/internal/coin"
)

// Backend 定义 handler 依赖的签名分发接口，*anysigner.AnySigner 即为其实现。
type Backend interface {
	Sign(ctx context.Context, input []byte, t coin.Type) ([]byte, error)
	Plan(ctx context.Context, input []byte, t coin.Type) ([]byte, error)
	SignJSON(ctx context.Context, json string, privateKey []byte, t coin.Type) (string, error)
	SupportsJSON(t coin.Type) (bool, error)
	Capabilities(t coin.Type) (coin.Capability, error)
	Registry() *coin.Registry
}
