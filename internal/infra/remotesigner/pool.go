// Package remotesigner 将链签名转发到进程外的签名服务（例如 Enclave），
// 通过长连接池访问 tcp、unix socket 或 vsock 终端。
package remotesigner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/aegis-sign/anysigner/pkg/anysignerrpc"
)

var (
	// ErrTargetNotFound 表示请求的目标未注册。
	ErrTargetNotFound = errors.New("remote signer target not registered")
	// ErrPoolDraining 表示目标正在摘除。
	ErrPoolDraining = errors.New("remote signer target is draining")
	// ErrBreakerOpen 表示目标连续失败，熔断器处于打开状态。
	ErrBreakerOpen = errors.New("remote signer circuit breaker open")
	// ErrAcquireTimeout 表示在 AcquireTimeout 内未获取到连接。
	ErrAcquireTimeout = errors.New("acquire remote signer connection timeout")
)

const (
	breakerThreshold = 3
	breakerCooldown  = time.Second
)

// Dialer 允许自定义拨号逻辑，测试中用于接入 bufconn。
type Dialer func(ctx context.Context, target Target, cfg Config) (*grpc.ClientConn, error)

// Target 描述一个远端签名服务终端。
type Target struct {
	ID       string
	Endpoint string
}

// Pool 管理到各远端签名服务的长连接。
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer  Dialer
	metrics *Metrics
	logger  *slog.Logger

	cfg atomic.Value // Config

	mu      sync.RWMutex
	targets map[string]*targetPool
}

// Option 允许自定义 Pool 行为。
type Option func(*Pool)

// WithDialer 自定义拨号器。
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dialer = d }
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pool) { p.metrics = NewMetrics(reg) }
}

// NewPool 根据配置创建连接池。
func NewPool(cfg Config, opts ...Option) (*Pool, error) {
	if cfg.MinConns <= 0 || cfg.MaxConns <= 0 {
		return nil, fmt.Errorf("invalid pool size: min=%d max=%d", cfg.MinConns, cfg.MaxConns)
	}
	if cfg.MaxConns < cfg.MinConns {
		cfg.MaxConns = cfg.MinConns
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		targets: make(map[string]*targetPool),
		logger:  slog.Default(),
		dialer:  defaultDialer,
	}
	p.cfg.Store(cfg)
	for _, opt := range opts {
		opt(p)
	}
	if p.dialer == nil {
		p.dialer = defaultDialer
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	return p, nil
}

// Close 停止后台任务并关闭全部连接。
func (p *Pool) Close() error {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tp := range p.targets {
		tp.close()
	}
	p.targets = map[string]*targetPool{}
	return nil
}

// Config 返回当前配置副本。
func (p *Pool) Config() Config {
	return p.cfg.Load().(Config)
}

// UpdateConfig 热更新配置。
func (p *Pool) UpdateConfig(cfg Config) {
	if cfg.MaxConns < cfg.MinConns {
		cfg.MaxConns = cfg.MinConns
	}
	p.cfg.Store(cfg)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, tp := range p.targets {
		tp.updateCapacity(cfg.MaxConns)
		go tp.ensureMin(cfg.MinConns)
	}
}

// RegisterTarget 新增目标并在后台预热 MinConns 条连接；已存在时更新 endpoint。
func (p *Pool) RegisterTarget(target Target) {
	if target.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.targets[target.ID]; ok {
		existing.updateTarget(target)
		return
	}
	tp := newTargetPool(p, target)
	p.targets[target.ID] = tp
	go tp.ensureMin(p.Config().MinConns)
}

// RemoveTarget 移除目标并关闭其连接。
func (p *Pool) RemoveTarget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tp, ok := p.targets[id]; ok {
		tp.close()
		delete(p.targets, id)
	}
}

// TargetIDs 返回已注册的目标编号。
func (p *Pool) TargetIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.targets))
	for id := range p.targets {
		ids = append(ids, id)
	}
	return ids
}

// Acquire 借用一条连接，用完后必须调用 Lease.Release。
func (p *Pool) Acquire(ctx context.Context, targetID string) (*Lease, error) {
	p.mu.RLock()
	tp := p.targets[targetID]
	p.mu.RUnlock()
	if tp == nil {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	return tp.acquire(ctx)
}

// Drain 摘除目标，之后的 Acquire 返回 ErrPoolDraining。
func (p *Pool) Drain(targetID string) error {
	p.mu.RLock()
	tp := p.targets[targetID]
	p.mu.RUnlock()
	if tp == nil {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	tp.breaker.Drain()
	tp.close()
	return nil
}

// Lease 表示从池中借出的连接。
type Lease struct {
	conn     *connWrapper
	released atomic.Bool
}

// Conn 返回底层 *grpc.ClientConn。
func (l *Lease) Conn() *grpc.ClientConn {
	if l == nil || l.conn == nil {
		return nil
	}
	return l.conn.conn
}

// Client 返回 AnySigner RPC 客户端。
func (l *Lease) Client() anysignerrpc.AnySignerClient {
	return anysignerrpc.NewAnySignerClient(l.Conn())
}

// Release 归还连接；err 非空表示连接层故障，连接会被丢弃并重建。
func (l *Lease) Release(err error) {
	if l == nil || l.conn == nil || l.released.Swap(true) {
		return
	}
	l.conn.pool.release(l.conn, err)
}

type connWrapper struct {
	conn      *grpc.ClientConn
	pool      *targetPool
	cancel    context.CancelFunc
	unhealthy atomic.Bool
}

func (cw *connWrapper) close() {
	if cw.cancel != nil {
		cw.cancel()
	}
	_ = cw.conn.Close()
}

func (cw *connWrapper) start() {
	ctx, cancel := context.WithCancel(cw.pool.parent.ctx)
	cw.cancel = cancel
	go cw.watchConnectivity(ctx)
	go cw.healthProbe(ctx)
}

func (cw *connWrapper) watchConnectivity(ctx context.Context) {
	tp := cw.pool
	backoff := NewBackoff(tp.parent.Config().Backoff)
	for {
		state := cw.conn.GetState()
		if state == connectivity.Shutdown {
			return
		}
		if !cw.conn.WaitForStateChange(ctx, state) {
			return
		}
		switch cw.conn.GetState() {
		case connectivity.TransientFailure:
			tp.parent.metrics.incTransientFailure(tp.id)
			tp.failure()
			select {
			case <-time.After(backoff.Next()):
				cw.conn.ResetConnectBackoff()
			case <-ctx.Done():
				return
			}
		case connectivity.Ready:
			backoff.Reset()
			tp.breaker.Success()
		}
	}
}

func (cw *connWrapper) healthProbe(ctx context.Context) {
	tp := cw.pool
	interval := tp.parent.Config().HealthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	client := healthpb.NewHealthClient(cw.conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg := tp.parent.Config()
			if next := cfg.HealthCheckInterval; next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
			probeCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
			resp, err := client.Check(probeCtx, &healthpb.HealthCheckRequest{Service: cfg.ServiceName})
			cancel()
			if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				cw.unhealthy.Store(true)
				tp.failure()
				tp.parent.logger.Warn("remote signer health degraded", slog.String("target", tp.id), slog.Any("err", err))
				continue
			}
			tp.breaker.Success()
		}
	}
}

// targetPool 管理单个目标的连接集合。
type targetPool struct {
	parent  *Pool
	id      string
	breaker *circuitBreaker

	mu       sync.Mutex
	endpoint string
	conns    chan *connWrapper
	total    int
	closed   bool
}

func newTargetPool(parent *Pool, target Target) *targetPool {
	return &targetPool{
		parent:   parent,
		id:       target.ID,
		endpoint: target.Endpoint,
		conns:    make(chan *connWrapper, parent.Config().MaxConns),
		breaker:  newCircuitBreaker(breakerThreshold, breakerCooldown),
	}
}

func (tp *targetPool) target() Target {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return Target{ID: tp.id, Endpoint: tp.endpoint}
}

func (tp *targetPool) updateTarget(t Target) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.endpoint = t.Endpoint
}

func (tp *targetPool) updateCapacity(size int) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed || cap(tp.conns) == size {
		return
	}
	next := make(chan *connWrapper, size)
	for {
		select {
		case conn := <-tp.conns:
			select {
			case next <- conn:
			default:
				conn.close()
				tp.total--
			}
		default:
			tp.conns = next
			return
		}
	}
}

func (tp *targetPool) failure() {
	if tp.breaker.Failure() {
		tp.parent.metrics.incBreakerTrip(tp.id)
		tp.parent.logger.Warn("remote signer circuit breaker open", slog.String("target", tp.id))
	}
}

func (tp *targetPool) ensureMin(minConns int) {
	ctx := tp.parent.ctx
	for {
		tp.mu.Lock()
		done := tp.closed || tp.total >= minConns
		tp.mu.Unlock()
		if done || ctx.Err() != nil {
			return
		}
		if err := tp.maybeOpen(ctx); err != nil {
			tp.parent.logger.Warn("prewarm connection failed", slog.String("target", tp.id), slog.Any("err", err))
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (tp *targetPool) channel() (chan *connWrapper, bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.conns, tp.closed
}

func (tp *targetPool) acquire(ctx context.Context) (*Lease, error) {
	ok, wait := tp.breaker.Allow()
	if !ok {
		if tp.breaker.State() == stateDraining {
			return nil, ErrPoolDraining
		}
		return nil, &retryError{err: ErrBreakerOpen, wait: wait}
	}
	cfg := tp.parent.Config()
	start := time.Now()
	acquireCtx := ctx
	if cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, cfg.AcquireTimeout)
		defer cancel()
	}
	opened := false
	for {
		conns, closed := tp.channel()
		if closed {
			return nil, ErrPoolDraining
		}
		var conn *connWrapper
		select {
		case conn = <-conns:
		default:
			if !opened {
				opened = true
				if err := tp.maybeOpen(acquireCtx); err != nil && ctx.Err() == nil {
					tp.parent.logger.Warn("open connection failed", slog.String("target", tp.id), slog.Any("err", err))
				}
			}
			select {
			case conn = <-conns:
			case <-acquireCtx.Done():
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, &retryError{err: ErrAcquireTimeout, wait: cfg.RetryAfter}
			}
		}
		if conn == nil {
			continue
		}
		if conn.unhealthy.Load() {
			tp.discard(conn)
			opened = false
			continue
		}
		tp.parent.metrics.observeAcquire(tp.id, time.Since(start))
		return &Lease{conn: conn}, nil
	}
}

func (tp *targetPool) maybeOpen(ctx context.Context) error {
	tp.mu.Lock()
	if tp.closed || tp.total >= tp.parent.Config().MaxConns {
		tp.mu.Unlock()
		return nil
	}
	tp.total++
	tp.mu.Unlock()
	if err := tp.openConnection(ctx); err != nil {
		tp.decrement()
		return err
	}
	return nil
}

func (tp *targetPool) openConnection(ctx context.Context) error {
	cfg := tp.parent.Config()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, err := tp.parent.dialer(dialCtx, tp.target(), cfg)
	if err != nil {
		tp.failure()
		return err
	}
	wrapper := &connWrapper{conn: conn, pool: tp}
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		_ = conn.Close()
		return ErrPoolDraining
	}
	select {
	case tp.conns <- wrapper:
		total := tp.total
		tp.mu.Unlock()
		wrapper.start()
		tp.parent.metrics.setActive(tp.id, total)
		return nil
	default:
		tp.mu.Unlock()
		_ = conn.Close()
		return errors.New("connection channel full")
	}
}

func (tp *targetPool) release(conn *connWrapper, err error) {
	if err != nil {
		conn.unhealthy.Store(true)
		tp.failure()
	}
	if conn.unhealthy.Load() {
		tp.discard(conn)
		go tp.ensureMin(tp.parent.Config().MinConns)
		return
	}
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		tp.discard(conn)
		return
	}
	select {
	case tp.conns <- conn:
		tp.mu.Unlock()
	default:
		tp.mu.Unlock()
		tp.discard(conn)
	}
}

func (tp *targetPool) discard(conn *connWrapper) {
	conn.close()
	tp.decrement()
}

func (tp *targetPool) decrement() {
	tp.mu.Lock()
	if tp.total > 0 {
		tp.total--
	}
	total := tp.total
	tp.mu.Unlock()
	tp.parent.metrics.setActive(tp.id, total)
}

func (tp *targetPool) close() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return
	}
	tp.closed = true
	for {
		select {
		case conn := <-tp.conns:
			conn.close()
		default:
			tp.total = 0
			tp.parent.metrics.setActive(tp.id, 0)
			return
		}
	}
}

// retryError 携带建议的重试等待时长。
type retryError struct {
	err  error
	wait time.Duration
}

func (e *retryError) Error() string { return e.err.Error() }
func (e *retryError) Unwrap() error { return e.err }

// defaultDialer 启用 keepalive 并按 endpoint 前缀选择 tcp、unix 或 vsock。
func defaultDialer(ctx context.Context, target Target, cfg Config) (*grpc.ClientConn, error) {
	params := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: true,
	}
	methodTimeout := cfg.CallTimeout
	if methodTimeout <= 0 {
		methodTimeout = 2 * time.Second
	}
	serviceConfig := fmt.Sprintf(`{"methodConfig":[{"name":[{"service":%q}],"timeout":%q}]}`,
		anysignerrpc.ServiceName, methodTimeout.String())
	return grpc.DialContext(ctx, target.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(params),
		grpc.WithDefaultServiceConfig(serviceConfig),
		grpc.WithContextDialer(dialEndpoint),
		grpc.WithBlock(),
	)
}

func dialEndpoint(ctx context.Context, endpoint string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(endpoint, "unix://"))
	case strings.HasPrefix(endpoint, "unix:"):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(endpoint, "unix:"))
	case strings.HasPrefix(endpoint, "vsock://"):
		return dialVsock(ctx, strings.TrimPrefix(endpoint, "vsock://"))
	case strings.HasPrefix(endpoint, "vsock:"):
		return dialVsock(ctx, strings.TrimPrefix(endpoint, "vsock:"))
	default:
		return (&net.Dialer{}).DialContext(ctx, "tcp", endpoint)
	}
}

// parseVsock 解析 "cid:port"。
func parseVsock(target string) (uint32, uint32, error) {
	cidRaw, portRaw, ok := strings.Cut(target, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid vsock endpoint: %s", target)
	}
	cid, err := strconv.ParseUint(cidRaw, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock cid: %w", err)
	}
	port, err := strconv.ParseUint(portRaw, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock port: %w", err)
	}
	return uint32(cid), uint32(port), nil
}

func dialVsock(ctx context.Context, target string) (net.Conn, error) {
	cid, port, err := parseVsock(target)
	if err != nil {
		return nil, err
	}
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, dialErr := vsock.Dial(cid, port, nil)
		resultCh <- dialResult{conn: conn, err: dialErr}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.conn, res.err
	}
}
