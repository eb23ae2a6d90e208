// Package tilecache is a cache-aside access layer for map tiles.
//
// A Layer resolves a tile request by looking the tile up in a storage.Store,
// serving it on hit, fetching it from the origin on miss and saving it back.
// When the layer runs with UseOnlyCache a miss degrades to the blank EmptyImage
// instead of touching the network. Store failures never fail a resolution,
// only origin failures do and they are reported as ErrNetwork.
package tilecache
