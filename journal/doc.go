// Package journal implements the recovery journal of a block-level
// deduplicating storage volume: a single-threaded coordinator that batches
// incoming block-map mutations into fixed-size on-disk blocks, commits them
// in sequence order, and releases journal-block locks only once every
// downstream zone (logical and physical) has durably applied the
// consequences of an entry.
//
// The journal does not itself encode the block map, the slab depot, or the
// deduplication index; it only orders, persists, and eventually reaps the
// entries that describe their mutations. Those collaborators are modeled
// here as the narrow interfaces in Dependencies.
package journal
