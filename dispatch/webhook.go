package dispatch

import (
	"context"
	"sync"

	"github.com/KSD-CO/rule-engine-postgres-sub003/config"
	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
)

// Webhook is the delivery configuration for one registered webhook.
type Webhook struct {
	ID            string
	BrokerEnabled bool
	Subject       string
	ConfigName    string
	Mode          PublishMode
}

// EffectiveMode drops the broker path when broker publishing is disabled
// for the webhook.
func (w *Webhook) EffectiveMode() PublishMode {
	if !w.BrokerEnabled && w.Mode.UsesBroker() {
		return ModeQueue
	}
	return w.Mode
}

// Source resolves webhook IDs to their delivery configuration. The
// webhook registry itself lives outside this subsystem.
type Source interface {
	Webhook(ctx context.Context, id string) (*Webhook, error)
}

// ConfigSource serves webhooks from static configuration records.
type ConfigSource struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook
}

// NewConfigSource builds a source from configuration records. Records
// with an invalid publish mode are rejected.
func NewConfigSource(records []config.WebhookConfig) (*ConfigSource, error) {
	s := &ConfigSource{webhooks: make(map[string]*Webhook, len(records))}
	for _, rec := range records {
		mode, err := ParseMode(rec.PublishMode)
		if err != nil {
			return nil, errors.WrapConfig(err, "ConfigSource", "NewConfigSource", "parse webhook "+rec.ID)
		}
		s.webhooks[rec.ID] = &Webhook{
			ID:            rec.ID,
			BrokerEnabled: rec.BrokerEnabled,
			Subject:       rec.Subject,
			ConfigName:    rec.ConfigName,
			Mode:          mode,
		}
	}
	return s, nil
}

// Webhook implements Source.
func (s *ConfigSource) Webhook(_ context.Context, id string) (*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrWebhookNotFound, "ConfigSource", "Webhook", "look up "+id)
	}
	return w, nil
}

// Put inserts or replaces a webhook at runtime.
func (s *ConfigSource) Put(w *Webhook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[w.ID] = w
}

var _ Source = (*ConfigSource)(nil)
