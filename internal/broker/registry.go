package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ksred/klear-sweep/internal/types"
	"gorm.io/gorm"
)

// Broker account types stored in the registry
const (
	TypeWebhook   = "webhook"
	TypeAlpaca    = "alpaca"
	TypeSimulated = "simulated"
)

// Registry resolves broker names to implementations. Entries come from the
// brokers table and are built once; overrides take precedence.
type Registry struct {
	db       *gorm.DB
	client   *http.Client
	fallback Broker

	mu        sync.RWMutex
	overrides map[string]Broker
	built     map[string]Broker
}

// NewRegistry creates a registry over the brokers table
func NewRegistry(db *gorm.DB, client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Registry{
		db:        db,
		client:    client,
		overrides: make(map[string]Broker),
		built:     make(map[string]Broker),
	}
}

// WithFallback sets the broker used for names missing from the table
func (r *Registry) WithFallback(b Broker) *Registry {
	r.fallback = b
	return r
}

// Register overrides the broker for name
func (r *Registry) Register(name string, b Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[strings.ToUpper(name)] = b
}

// Get returns the broker registered under name
func (r *Registry) Get(ctx context.Context, name string) (Broker, error) {
	key := strings.ToUpper(name)

	r.mu.RLock()
	if b, ok := r.overrides[key]; ok {
		r.mu.RUnlock()
		return b, nil
	}
	if b, ok := r.built[key]; ok {
		r.mu.RUnlock()
		return b, nil
	}
	r.mu.RUnlock()

	var account types.BrokerAccount
	err := r.db.WithContext(ctx).
		Where("UPPER(name) = ? AND active = ?", key, true).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if r.fallback != nil {
				return r.fallback, nil
			}
			return nil, fmt.Errorf("%s: %w", name, ErrUnknownBroker)
		}
		return nil, err
	}

	b, err := r.build(&account)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.built[key]; ok {
		return existing, nil
	}
	r.built[key] = b
	return b, nil
}

func (r *Registry) build(account *types.BrokerAccount) (Broker, error) {
	switch account.Type {
	case TypeWebhook:
		return NewWebhook(account.Name, account.Endpoint, account.APIKey, r.client), nil
	case TypeAlpaca:
		return NewAlpaca(account.Name, account.Endpoint, account.APIKey, account.APISecret, r.client), nil
	case TypeSimulated, "":
		return NewSimulated(), nil
	default:
		return nil, fmt.Errorf("broker %s has unsupported type %q", account.Name, account.Type)
	}
}
