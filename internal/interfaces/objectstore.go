// -----------------------------------------------------------------------
// Object store interface - staged STAC catalog artifacts
// -----------------------------------------------------------------------

package interfaces

import "context"

// ObjectStore - access to staged catalog artifacts referenced by work item
// results. Batching uses SizeOf when an update omits output item sizes.
type ObjectStore interface {
	Put(ctx context.Context, uri string, data []byte) error
	Get(ctx context.Context, uri string) ([]byte, error)
	SizeOf(ctx context.Context, uri string) (int64, error)
}
