package proxy

import (
	"context"
	"time"

	"github.com/any-hub/b2-hub/internal/b2"
	"github.com/any-hub/b2-hub/internal/metrics"
)

// InstrumentAuthorizer 为账户授权调用记录次数与耗时。
func InstrumentAuthorizer(auth b2.Authorizer, m *metrics.Metrics) b2.Authorizer {
	if m == nil {
		return auth
	}
	return &instrumentedAuthorizer{next: auth, metrics: m}
}

type instrumentedAuthorizer struct {
	next    b2.Authorizer
	metrics *metrics.Metrics
}

func (a *instrumentedAuthorizer) AuthorizeAccount(ctx context.Context, credential string) (*b2.Session, error) {
	started := time.Now()
	session, err := a.next.AuthorizeAccount(ctx, credential)
	a.metrics.ObserveBackend(b2.OpAuthorize, err, time.Since(started))
	return session, err
}
