// Package relay is the production event source: a set of nostr relays queried in
// parallel, with deliveries deduplicated and verified before they reach callers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "trustfeed/backend/pkg/errors"
	"trustfeed/backend/pkg/logger"
)

// Config configures a Pool
type Config struct {
	URLs           []string
	ConnectTimeout time.Duration
	// SkipVerify disables signature checks. Only for trusted local relays.
	SkipVerify bool
	Logger     *zap.Logger
}

// Pool holds open relay connections and implements feed.Source
type Pool struct {
	cfg    Config
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	relays map[string]*nostr.Relay
}

// Connect opens every configured relay concurrently. Relays that cannot be reached
// are logged and skipped; it fails only when URLs were given and none connected.
func Connect(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	poolCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		log:    logger.OrNamed(cfg.Logger, "relay"),
		ctx:    poolCtx,
		cancel: cancel,
		relays: make(map[string]*nostr.Relay),
	}

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range cfg.URLs {
		url := strings.TrimSpace(url)
		if url == "" {
			continue
		}
		g.Go(func() error {
			connectCtx, done := context.WithTimeout(gctx, cfg.ConnectTimeout)
			defer done()

			r, err := nostr.RelayConnect(connectCtx, url)
			if err != nil {
				p.log.Warn("Relay unreachable", zap.String("relay", url), zap.Error(err))
				errMu.Lock()
				errs = append(errs, apperrors.NewRelayConnectFailed(url, err))
				errMu.Unlock()
				return nil
			}
			p.mu.Lock()
			p.relays[url] = r
			p.mu.Unlock()
			p.log.Info("Relay connected", zap.String("relay", url))
			return nil
		})
	}
	_ = g.Wait()

	relaysConnected.Set(float64(len(p.relays)))
	if len(p.relays) == 0 && len(errs) > 0 {
		cancel()
		return nil, fmt.Errorf("no relay reachable: %w", errors.Join(errs...))
	}
	return p, nil
}

// Relays returns the connected relay URLs
func (p *Pool) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	urls := make([]string, 0, len(p.relays))
	for url := range p.relays {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Subscribe opens filter on every relay and delivers matching events to onEvent
// until the returned function is called. A filter with an empty, non-nil author list
// matches nothing and opens no subscription.
func (p *Pool) Subscribe(filter nostr.Filter, onEvent func(*nostr.Event)) func() {
	if filter.Authors != nil && len(filter.Authors) == 0 {
		p.log.Debug("Skipping subscription", zap.Error(apperrors.ErrEmptyQuery))
		return func() {}
	}

	id := uuid.New().String()
	verify := verifyEvent
	if p.cfg.SkipVerify {
		verify = nil
	}
	d := newDispatcher(id, onEvent, verify, p.log)
	ctx, cancel := context.WithCancel(p.ctx)

	p.mu.RLock()
	relays := make([]*nostr.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.RUnlock()

	for _, r := range relays {
		sub, err := r.Subscribe(ctx, nostr.Filters{filter})
		if err != nil {
			p.log.Warn("Subscribe failed",
				zap.String("relay", r.URL),
				zap.String("subscription", id),
				zap.Error(err))
			continue
		}
		go p.pump(ctx, r.URL, sub, d)
	}
	subscriptionsOpen.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.close()
			cancel()
			subscriptionsOpen.Dec()
		})
	}
}

func (p *Pool) pump(ctx context.Context, url string, sub *nostr.Subscription, d *dispatcher) {
	defer sub.Unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			d.dispatch(url, ev)
		}
	}
}

// Close disconnects every relay. Open subscriptions stop delivering.
func (p *Pool) Close() error {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for url, r := range p.relays {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", url, err))
		}
		delete(p.relays, url)
	}
	relaysConnected.Set(0)
	return errors.Join(errs...)
}

// verifyEvent checks that ev's id matches its content and its signature is valid
func verifyEvent(ev *nostr.Event) error {
	if ev.GetID() != ev.ID {
		return errors.New("id does not match content")
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("signature check failed: %w", err)
	}
	if !ok {
		return errors.New("bad signature")
	}
	return nil
}
