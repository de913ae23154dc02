package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/futures_risk_engine/internal/domain"
	"github.com/vitos/futures_risk_engine/internal/metrics"
	"go.uber.org/zap"
)

// ListenKeyLifetime is how long an issued key is trusted.
const ListenKeyLifetime = 55 * time.Minute

// ListenKeyManager holds the single user-data stream credential. The mutex is
// held across the REST call so two renewals can never run at once.
type ListenKeyManager struct {
	provider domain.ListenKeyProvider
	lead     time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	key       string
	expiresAt time.Time
}

func NewListenKeyManager(provider domain.ListenKeyProvider, lead time.Duration, logger *zap.Logger) *ListenKeyManager {
	return &ListenKeyManager{
		provider: provider,
		lead:     lead,
		logger:   logger,
		now:      time.Now,
	}
}

// Ensure returns a key that is valid for at least the lead time. renewed is
// true when the returned key differs from the one held before.
func (m *ListenKeyManager) Ensure(ctx context.Context) (key string, renewed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.key != "" && now.Before(m.expiresAt.Add(-m.lead)) {
		return m.key, false, nil
	}

	// An existing key that has not expired yet can be extended in place.
	if m.key != "" && now.Before(m.expiresAt) {
		err := m.provider.KeepaliveListenKey(ctx, m.key)
		if err == nil {
			m.expiresAt = now.Add(ListenKeyLifetime)
			m.logger.Debug("Listen key extended", zap.Time("expires_at", m.expiresAt))
			return m.key, false, nil
		}
		m.logger.Warn("Listen key keepalive failed, requesting a new key", zap.Error(err))
	}

	newKey, err := m.provider.NewListenKey(ctx)
	if err != nil {
		return "", false, err
	}
	renewed = newKey != m.key
	m.key = newKey
	m.expiresAt = now.Add(ListenKeyLifetime)
	metrics.ListenKeyRenewals.Inc()
	m.logger.Info("Listen key issued", zap.Time("expires_at", m.expiresAt))
	return m.key, renewed, nil
}

// Invalidate drops the held key, forcing the next Ensure to request a new one.
func (m *ListenKeyManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = ""
	m.expiresAt = time.Time{}
}

func (m *ListenKeyManager) Current() (string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key, m.expiresAt
}
