// Package identitytest provides a scriptable identity.Provider for tests.
package identitytest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/authsync-go/identity"
)

// ErrNoRefresh is returned by RefreshToken when no RefreshFunc is set.
var ErrNoRefresh = errors.New("identitytest: no refresh configured")

// RefreshFunc produces the credential returned by a forced refresh.
type RefreshFunc func(ctx context.Context, user identity.User) (string, error)

// Provider is an in-memory identity.Provider. It starts unsettled: listeners
// registered before the first Emit wait for it.
type Provider struct {
	// deliverMu serialises deliveries so every listener observes events in
	// Emit order.
	deliverMu sync.Mutex

	mu       sync.Mutex
	settled  bool
	user     identity.User
	cached   map[string]string
	refresh  RefreshFunc
	subs     map[int]*listener
	nextID   int
	opened   int
	released int

	refreshCalls atomic.Int32
}

type listener struct {
	onChange func(identity.User)
	onError  func(error)
}

// New returns an unsettled provider.
func New() *Provider {
	return &Provider{
		cached: make(map[string]string),
		subs:   make(map[int]*listener),
	}
}

// Emit settles the provider on user (nil for signed out) and notifies every
// registered listener before returning.
func (p *Provider) Emit(user identity.User) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	p.settled = true
	p.user = user
	subs := p.snapshot()
	p.mu.Unlock()

	for _, l := range subs {
		l.onChange(user)
	}
}

// EmitError reports a provider-level failure to every registered listener.
func (p *Provider) EmitError(err error) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	subs := p.snapshot()
	p.mu.Unlock()

	for _, l := range subs {
		if l.onError != nil {
			l.onError(err)
		}
	}
}

// SetToken sets the credential CachedToken returns for userID.
func (p *Provider) SetToken(userID, raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached[userID] = raw
}

// SetRefresh installs the function backing RefreshToken.
func (p *Provider) SetRefresh(fn RefreshFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh = fn
}

// RefreshCalls reports how many times RefreshToken has been called.
func (p *Provider) RefreshCalls() int {
	return int(p.refreshCalls.Load())
}

// Subscriptions reports how many OnAuthChange registrations were opened and
// how many are still active.
func (p *Provider) Subscriptions() (opened, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened, p.opened - p.released
}

func (p *Provider) OnAuthChange(onChange func(identity.User), onError func(error)) func() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.opened++
	p.subs[id] = &listener{onChange: onChange, onError: onError}
	settled, user := p.settled, p.user
	p.mu.Unlock()

	if settled {
		onChange(user)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, id)
			p.released++
		})
	}
}

func (p *Provider) CachedToken(ctx context.Context, user identity.User) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user == nil {
		return "", identity.ErrSignedOut
	}
	if !identity.SameUser(p.user, user) {
		return "", identity.ErrUserMismatch
	}
	return p.cached[user.UserID()], nil
}

func (p *Provider) RefreshToken(ctx context.Context, user identity.User) (string, error) {
	p.refreshCalls.Add(1)

	p.mu.Lock()
	fn := p.refresh
	p.mu.Unlock()
	if fn == nil {
		return "", ErrNoRefresh
	}

	raw, err := fn(ctx, user)
	if err != nil {
		return "", err
	}
	if user != nil {
		p.SetToken(user.UserID(), raw)
	}
	return raw, nil
}

func (p *Provider) CurrentUser() identity.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

func (p *Provider) snapshot() []*listener {
	out := make([]*listener, 0, len(p.subs))
	for i := 0; i < p.nextID; i++ {
		if l, ok := p.subs[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

var _ identity.Provider = (*Provider)(nil)
