package storage

import (
	"sync"

	"github.com/mfehub/hub/internal/domain"
	"github.com/mfehub/hub/pkg/crypto"
)

// Factory dispatches on a microfrontend's hosting descriptor once, at the
// storage boundary. Object store clients are cached per storage record.
type Factory struct {
	local      *Local
	secretsKey string

	mu      sync.Mutex
	clients map[string]Backend
}

// NewFactory constructs a Factory over the hub-local backend.
func NewFactory(local *Local, secretsKey string) *Factory {
	return &Factory{
		local:      local,
		secretsKey: secretsKey,
		clients:    make(map[string]Backend),
	}
}

// ForMicrofrontend selects the backend serving a microfrontend's artifacts.
// store is the credential record referenced by CUSTOM_SOURCE hosting and may
// be nil otherwise. CUSTOM_URL hosting has no backend.
func (f *Factory) ForMicrofrontend(mfe *domain.Microfrontend, store *domain.Storage) (Backend, error) {
	switch mfe.Host {
	case domain.HostHub:
		return f.local, nil
	case domain.HostCustomSource:
		if store == nil {
			return nil, ErrNoBackend
		}
		return f.objectBackend(store)
	default:
		return nil, ErrNoBackend
	}
}

func (f *Factory) objectBackend(store *domain.Storage) (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if backend, ok := f.clients[store.ID]; ok {
		return backend, nil
	}
	secretKey, err := crypto.DecryptToString(f.secretsKey, store.SecretKey)
	if err != nil {
		return nil, err
	}
	backend, err := NewObjectStore(ObjectStoreConfig{
		Endpoint:  store.Endpoint,
		Bucket:    store.Bucket,
		Region:    store.Region,
		AccessKey: store.AccessKey,
		SecretKey: secretKey,
		UseSSL:    store.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	f.clients[store.ID] = backend
	return backend, nil
}

// Forget drops a cached client after its storage record changes.
func (f *Factory) Forget(storageID string) {
	f.mu.Lock()
	delete(f.clients, storageID)
	f.mu.Unlock()
}
