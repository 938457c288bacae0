// Package pipeline wraps every remote call with credential attachment,
// renew-and-replay on authorization failure, an optional connectivity
// precondition and a per-call deadline.
package pipeline

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/logging"
	"github.com/jxwalker/maintsync/internal/metrics"
	"github.com/jxwalker/maintsync/internal/remote"
)

// Credentials is the part of the credential manager the pipeline uses.
type Credentials interface {
	AccessToken() string
	ExpiresWithin(skew time.Duration) bool
	Renew(ctx context.Context, stale string) (string, error)
}

// Connectivity is an optional precondition checked before dispatch.
type Connectivity interface {
	Check(ctx context.Context) error
}

type Options struct {
	PublicEndpoints []string
	// Timeout is the deadline for one attempt; zero disables it.
	Timeout     time.Duration
	RefreshSkew time.Duration
	// Probe is nil when connectivity checks are off.
	Probe   Connectivity
	Log     *logging.Logger
	Metrics *metrics.Manager
}

type Pipeline struct {
	creds   Credentials
	public  map[string]bool
	timeout time.Duration
	skew    time.Duration
	probe   Connectivity
	log     *logging.Logger
	metrics *metrics.Manager
}

func New(creds Credentials, opts Options) *Pipeline {
	p := &Pipeline{
		creds:   creds,
		public:  make(map[string]bool, len(opts.PublicEndpoints)),
		timeout: opts.Timeout,
		skew:    opts.RefreshSkew,
		probe:   opts.Probe,
		log:     opts.Log.With("component", "pipeline"),
		metrics: opts.Metrics,
	}
	for _, e := range opts.PublicEndpoints {
		p.public[strings.ToLower(strings.TrimSpace(e))] = true
	}
	return p
}

// IsPublic reports whether endpoint is dispatched without a credential.
func (p *Pipeline) IsPublic(endpoint string) bool { return p.public[strings.ToLower(endpoint)] }

// Do runs call for endpoint. Protected calls carry the current bearer token;
// a 401 triggers one shared renewal and a single replay. A failed renewal
// surfaces as Unauthenticated. Network failures are returned classified and
// never cause a renewal.
func Do[T any](ctx context.Context, p *Pipeline, endpoint string, call func(ctx context.Context) (T, error)) (T, error) {
	return run(ctx, p, endpoint, true, call)
}

// Stream is Do without the per-attempt deadline, for calls whose result
// outlives the attempt (download bodies). The transport still bounds the
// wait for response headers.
func Stream[T any](ctx context.Context, p *Pipeline, endpoint string, call func(ctx context.Context) (T, error)) (T, error) {
	return run(ctx, p, endpoint, false, call)
}

func run[T any](ctx context.Context, p *Pipeline, endpoint string, bounded bool, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.probe != nil {
		if err := p.probe.Check(ctx); err != nil {
			p.metrics.RemoteRequest(endpoint, "offline")
			return zero, err
		}
	}

	if p.IsPublic(endpoint) {
		return attempt(ctx, p, endpoint, "", bounded, call)
	}

	token := p.creds.AccessToken()
	if token == "" {
		p.metrics.RemoteRequest(endpoint, "unauthenticated")
		return zero, apperrors.New(apperrors.Unauthenticated, endpoint, "not signed in")
	}
	if p.skew > 0 && p.creds.ExpiresWithin(p.skew) {
		fresh, err := p.creds.Renew(ctx, token)
		switch {
		case err == nil:
			token = fresh
		case apperrors.Is(err, apperrors.Unauthenticated):
			return zero, err
		default:
			// keep the current token; the server decides if it is still good
			p.log.Debugf("proactive renewal failed for %s: %v", endpoint, err)
		}
	}

	v, err := attempt(ctx, p, endpoint, token, bounded, call)
	if !apperrors.Is(err, apperrors.Unauthenticated) {
		return v, err
	}

	p.log.Debugf("%s rejected token %s; renewing", endpoint, logging.RedactToken(token))
	fresh, err := p.creds.Renew(ctx, token)
	if err != nil {
		return zero, err
	}
	v, err = attempt(ctx, p, endpoint, fresh, bounded, call)
	if apperrors.Is(err, apperrors.Unauthenticated) {
		p.log.Warnf("%s rejected a freshly renewed token", endpoint)
	}
	return v, err
}

func attempt[T any](ctx context.Context, p *Pipeline, endpoint, token string, bounded bool, call func(ctx context.Context) (T, error)) (T, error) {
	actx := ctx
	if token != "" {
		actx = remote.WithBearer(actx, token)
	}
	if bounded && p.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, p.timeout)
		defer cancel()
	}
	v, err := call(actx)
	p.metrics.RemoteRequest(endpoint, outcome(err))
	if err != nil && ctx.Err() == nil && actx.Err() == context.DeadlineExceeded && !apperrors.Is(err, apperrors.Timeout) {
		err = apperrors.Wrap(apperrors.Timeout, endpoint, err)
	}
	return v, err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperrors.KindOf(err).String()
}
