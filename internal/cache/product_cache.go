package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	productdomain "github.com/labfoundry/chargeback/internal/product/domain"
	"go.uber.org/fx"
)

// Usage ingest looks up the same handful of products over and over; a short
// TTL keeps retirements from being masked for long.
const defaultProductTTL = 30 * time.Second

// ProductCache stores hot-path product lookups for usage ingest.
type ProductCache struct {
	products Cache[snowflake.ID, productdomain.Product]
	ttl      time.Duration
}

func NewProductCache() *ProductCache {
	return &ProductCache{
		products: NewTTLCache[snowflake.ID, productdomain.Product](),
		ttl:      defaultProductTTL,
	}
}

func (c *ProductCache) Get(id snowflake.ID) (productdomain.Product, bool) {
	return c.products.Get(id)
}

func (c *ProductCache) Set(product productdomain.Product) {
	c.products.Set(product.ID, product, c.ttl)
}

func (c *ProductCache) Invalidate(id snowflake.ID) {
	c.products.Delete(id)
}

var Module = fx.Module("cache",
	fx.Provide(NewProductCache),
)
