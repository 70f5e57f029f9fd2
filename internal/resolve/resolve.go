// Package resolve turns the remote host named in a FlowInit into an address.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrNoAddress is returned when a name resolves to no usable address.
var ErrNoAddress = errors.New("no addresses found")

// Config contains resolver configuration.
type Config struct {
	// Servers are DNS servers queried directly, as host or host:port. Empty
	// uses the system resolver, which also handles /etc/hosts and local
	// names.
	Servers []string

	// Timeout bounds one resolution.
	Timeout time.Duration

	// CacheTTL caps how long an answer is reused. Answers from configured
	// servers use the record TTL when it is shorter.
	CacheTTL time.Duration

	// PreferIPv6 picks AAAA answers over A answers.
	PreferIPv6 bool

	// MaxEntries caps the cache. Host names come from peers, so the cache
	// must not grow with them.
	MaxEntries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    5 * time.Second,
		CacheTTL:   5 * time.Minute,
		MaxEntries: 1024,
	}
}

// Resolver resolves host names with a small cache. It is safe for concurrent
// use.
type Resolver struct {
	cfg    Config
	client *dns.Client

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	addr      netip.Addr
	expiresAt time.Time
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, withDefaultPort(s))
	}
	cfg.Servers = servers

	return &Resolver{
		cfg:    cfg,
		client: &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve returns the first address for host, joined with port. IP literals,
// bracketed or not, are returned without a lookup.
func (r *Resolver) Resolve(ctx context.Context, host string, port uint16) (netip.AddrPort, error) {
	literal := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if addr, err := netip.ParseAddr(literal); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), port), nil
	}

	name := strings.ToLower(strings.TrimSuffix(host, "."))
	if addr, ok := r.cached(name); ok {
		return netip.AddrPortFrom(addr, port), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var (
		addr netip.Addr
		ttl  time.Duration
		err  error
	)
	if len(r.cfg.Servers) > 0 {
		addr, ttl, err = r.lookupServers(ctx, name)
	} else {
		addr, err = r.lookupSystem(ctx, name)
		ttl = r.cfg.CacheTTL
	}
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}

	r.store(name, addr, min(ttl, r.cfg.CacheTTL))
	return netip.AddrPortFrom(addr, port), nil
}

func (r *Resolver) lookupSystem(ctx context.Context, name string) (netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", name)
	if err != nil {
		return netip.Addr{}, err
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return r.pick(addrs)
}

// lookupServers asks the configured servers for A and AAAA records, in
// preference order, and returns the first answer.
func (r *Resolver) lookupServers(ctx context.Context, name string) (netip.Addr, time.Duration, error) {
	qtypes := []uint16{dns.TypeA, dns.TypeAAAA}
	if r.cfg.PreferIPv6 {
		qtypes = []uint16{dns.TypeAAAA, dns.TypeA}
	}

	var lastErr error = ErrNoAddress
	for _, qtype := range qtypes {
		addrs, ttl, err := r.query(ctx, name, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) > 0 {
			return addrs[0], ttl, nil
		}
	}
	return netip.Addr{}, 0, lastErr
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]netip.Addr, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.cfg.Servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			return nil, 0, fmt.Errorf("%s from %s", dns.RcodeToString[in.Rcode], server)
		}
		return answers(in)
	}
	return nil, 0, lastErr
}

// answers extracts addresses and the smallest TTL from a response.
func answers(in *dns.Msg) ([]netip.Addr, time.Duration, error) {
	var (
		addrs []netip.Addr
		ttl   uint32
	)
	for _, rr := range in.Answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
		case *dns.AAAA:
			ip = rec.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if len(addrs) == 0 || rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, time.Duration(ttl) * time.Second, nil
}

func (r *Resolver) pick(addrs []netip.Addr) (netip.Addr, error) {
	if len(addrs) == 0 {
		return netip.Addr{}, ErrNoAddress
	}
	for _, a := range addrs {
		if a.Is6() == r.cfg.PreferIPv6 {
			return a, nil
		}
	}
	return addrs[0], nil
}

func (r *Resolver) cached(name string) (netip.Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.cache[name]
	if !ok || time.Now().After(e.expiresAt) {
		return netip.Addr{}, false
	}
	return e.addr, true
}

func (r *Resolver) store(name string, addr netip.Addr, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache[name]; !ok && len(r.cache) >= r.cfg.MaxEntries {
		r.evict(now)
	}
	r.cache[name] = cacheEntry{addr: addr, expiresAt: now.Add(ttl)}
}

// evict drops expired entries, or the one closest to expiry if none has
// expired. r.mu must be held.
func (r *Resolver) evict(now time.Time) {
	var oldest string
	var oldestAt time.Time
	for name, e := range r.cache {
		if !now.Before(e.expiresAt) {
			delete(r.cache, name)
			continue
		}
		if oldest == "" || e.expiresAt.Before(oldestAt) {
			oldest, oldestAt = name, e.expiresAt
		}
	}
	if len(r.cache) >= r.cfg.MaxEntries && oldest != "" {
		delete(r.cache, oldest)
	}
}

// cacheLen returns the number of cached names.
func (r *Resolver) cacheLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// ClearCache drops every cached answer.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

func withDefaultPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), "53")
}
