package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"lanlink/pkg/transport"
)

// Config controls browsing.
type Config struct {
	Domain    string
	Interval  time.Duration // time between query rounds in Browse
	Timeout   time.Duration // how long one query round listens for answers
	CacheTTL  time.Duration // how long a seen endpoint suppresses re-emission
	CacheSize int
	Interface string
	// EnableIPv6 adds IPv6 to the queries; they are IPv4 only by default.
	EnableIPv6 bool
}

// DefaultConfig returns the values used for zero fields.
func DefaultConfig() Config {
	return Config{
		Domain:    DefaultDomain,
		Interval:  5 * time.Second,
		Timeout:   2 * time.Second,
		CacheTTL:  time.Minute,
		CacheSize: 128,
	}
}

// QueryFunc runs one mDNS query round. mdns.Query by default.
type QueryFunc func(*mdns.QueryParam) error

// Browser finds Endpoints advertised on the local network.
type Browser struct {
	cfg   Config
	clock clock.Clock
	query QueryFunc
	log   *zap.Logger
	seen  *expirable.LRU[string, transport.Endpoint]
}

type Option func(*Browser)

func WithClock(c clock.Clock) Option  { return func(b *Browser) { b.clock = c } }
func WithQuery(q QueryFunc) Option    { return func(b *Browser) { b.query = q } }
func WithLogger(l *zap.Logger) Option { return func(b *Browser) { b.log = l } }

func NewBrowser(cfg Config, opts ...Option) *Browser {
	def := DefaultConfig()
	if cfg.Domain == "" {
		cfg.Domain = def.Domain
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	b := &Browser{cfg: cfg, clock: clock.New(), query: mdns.Query}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = zap.L().Named("discovery")
	}
	b.seen = expirable.NewLRU[string, transport.Endpoint](cfg.CacheSize, nil, cfg.CacheTTL)
	return b
}

// Lookup runs a single query round for service over kind and returns every
// endpoint that answered, de-duplicated.
func (b *Browser) Lookup(ctx context.Context, service string, kind transport.Kind) ([]transport.Endpoint, error) {
	svcType := transport.ServiceType(service, kind)
	entries := make(chan *mdns.ServiceEntry, 16)
	params := &mdns.QueryParam{
		Service:             svcType,
		Domain:              strings.TrimSuffix(b.cfg.Domain, "."),
		Timeout:             b.cfg.Timeout,
		Entries:             entries,
		WantUnicastResponse: true,
		DisableIPv6:         !b.cfg.EnableIPv6,
	}
	if b.cfg.Interface != "" {
		if iface, err := net.InterfaceByName(b.cfg.Interface); err == nil {
			params.Interface = iface
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.query(params)
		close(entries)
	}()

	var out []transport.Endpoint
	byKey := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			go func() {
				for range entries {
				}
			}()
			return out, ctx.Err()
		case e, ok := <-entries:
			if !ok {
				err := <-errCh
				return out, err
			}
			ep, ok := toEndpoint(e, service, kind, svcType, b.cfg.Domain)
			if !ok || byKey[endpointKey(ep)] {
				continue
			}
			byKey[endpointKey(ep)] = true
			b.seen.Add(endpointKey(ep), ep)
			out = append(out, ep)
		}
	}
}

// Browse queries immediately and then every Interval, emitting endpoints not
// seen within CacheTTL. The channel closes when ctx is done.
func (b *Browser) Browse(ctx context.Context, service string, kind transport.Kind) <-chan transport.Endpoint {
	out := make(chan transport.Endpoint, 16)
	go func() {
		defer close(out)
		t := b.clock.Ticker(b.cfg.Interval)
		defer t.Stop()
		for {
			b.round(ctx, service, kind, out)
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return out
}

func (b *Browser) round(ctx context.Context, service string, kind transport.Kind, out chan<- transport.Endpoint) {
	known := make(map[string]bool)
	for _, k := range b.seen.Keys() {
		known[k] = true
	}
	eps, err := b.Lookup(ctx, service, kind)
	if err != nil && ctx.Err() == nil {
		b.log.Debug("mdns query failed", zap.String("service", service), zap.Error(err))
	}
	for _, ep := range eps {
		if known[endpointKey(ep)] {
			continue
		}
		b.log.Debug("endpoint found", zap.Stringer("endpoint", ep))
		select {
		case out <- ep:
		case <-ctx.Done():
			return
		}
	}
}

// Known returns the endpoints seen within CacheTTL.
func (b *Browser) Known() []transport.Endpoint { return b.seen.Values() }

func endpointKey(ep transport.Endpoint) string { return ep.Instance + "|" + ep.Addr }

// toEndpoint converts an mDNS answer. Entries without an address or port are
// dropped.
func toEndpoint(e *mdns.ServiceEntry, service string, kind transport.Kind, svcType, domain string) (transport.Endpoint, bool) {
	if e == nil || e.Port <= 0 {
		return transport.Endpoint{}, false
	}
	ip := e.AddrV4
	if ip == nil {
		ip = e.AddrV6
	}
	if ip == nil {
		return transport.Endpoint{}, false
	}
	txt := parseTXT(e.InfoFields)
	if k, ok := txt["kind"]; ok {
		if parsed, err := transport.ParseKind(k); err == nil {
			kind = parsed
		}
	}
	instance := e.Name
	suffix := "." + svcType + "." + strings.TrimSuffix(domain, ".") + "."
	if strings.HasSuffix(instance, suffix) {
		instance = strings.TrimSuffix(instance, suffix)
	}
	instance = strings.ReplaceAll(instance, `\ `, " ")
	return transport.Endpoint{
		Kind:     kind,
		Service:  service,
		Instance: instance,
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
		ID:       txt["id"],
	}, true
}
