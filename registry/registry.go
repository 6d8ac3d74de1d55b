// Package registry is the source of truth for which addresses belong to the shop.
package registry

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/oaeerr"
)

const lookupCacheSize = 4096

// AddressValidator checks an address against its chain's format.
type AddressValidator interface {
	ValidateAddress(chain, address string) error
}

type Registry struct {
	repo      *db.AddressRepository
	validator AddressValidator
	logger    *zap.SugaredLogger

	// writers hold mu exclusively; the cache only ever holds rows read under mu
	mu    sync.RWMutex
	cache *lru.Cache[string, db.WatchedAddress]
}

func New(database *gorm.DB, validator AddressValidator, logger *zap.SugaredLogger) (*Registry, error) {
	cache, err := lru.New[string, db.WatchedAddress](lookupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{
		repo:      db.NewAddressRepository(database),
		validator: validator,
		logger:    logger.Named("registry"),
		cache:     cache,
	}, nil
}

func cacheKey(chain, address string) string {
	return chain + "/" + address
}

// Add validates and registers an address, reactivating it if it was deactivated.
func (r *Registry) Add(chain, address, label, by string) (uint64, error) {
	chain = strings.TrimSpace(chain)
	address = strings.TrimSpace(address)
	if chain == "" || address == "" {
		return 0, oaeerr.New(oaeerr.InvalidInput, "addresses.add", "chain and address are required")
	}
	if err := r.validator.ValidateAddress(chain, address); err != nil {
		return 0, err
	}
	if len(label) > 100 {
		return 0, oaeerr.New(oaeerr.InvalidInput, "addresses.add", "label longer than 100 characters")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	addr := &db.WatchedAddress{Chain: chain, Address: address, Label: label, AddedBy: by}
	if err := r.repo.Create(addr); err != nil {
		return 0, err
	}
	r.cache.Remove(cacheKey(chain, address))

	r.logger.Infof("Watching address, chain: %s, address: %s, id: %d, by: %s", chain, address, addr.Id, by)
	return addr.Id, nil
}

// Deactivate is idempotent.
func (r *Registry) Deactivate(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, err := r.repo.Deactivate(id)
	if err != nil {
		return err
	}
	r.cache.Remove(cacheKey(addr.Chain, addr.Address))

	r.logger.Infof("Deactivated address, chain: %s, address: %s, id: %d", addr.Chain, addr.Address, id)
	return nil
}

func (r *Registry) ListActive(chain string) ([]db.WatchedAddress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.repo.ListActive(chain)
}

func (r *Registry) List(chain string) ([]db.WatchedAddress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.repo.List(chain)
}

// Lookup returns nil when the address was never registered.
func (r *Registry) Lookup(chain, address string) (*db.WatchedAddress, error) {
	key := cacheKey(chain, address)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr, ok := r.cache.Get(key); ok {
		return &addr, nil
	}

	addr, err := r.repo.Lookup(chain, address)
	if err != nil || addr == nil {
		return addr, err
	}
	r.cache.Add(key, *addr)
	return addr, nil
}
