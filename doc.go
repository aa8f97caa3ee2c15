/*
Package traitdb stores heterogeneous, richly typed values in an ordered
key-value store (Bolt, or an in-memory B-tree) and queries them by secondary
"trait" values.

We implement:

1. Stores, collections of items under store-assigned, never reused ids.

2. Indexes, ordering the rows of a store by a trait: the value at a field path,
or whatever a function derives from the item. Unique indexes reject duplicate
traits; exploding indexes index each element of an array trait separately.

3. A type registry mapping Go types to stable type ids and codecs, so that
custom types can be stored and used as traits.

4. Selections, lazily evaluated queries over a store or an index, composed
from cursors with filter, drop and limit decorators.

# Technical Details

**Buckets.**
Each store is a Bolt bucket holding a "data" sub-bucket (id => value), one
"i:<name>" sub-bucket per index, and the store state document.

**Index ordinal.**
We assign a unique positive integer ordinal to each index. These values are never
reused, even if an index is removed.

**Store states.**
We store a meta document per store, called “store state”. It records which
indexes exist, their ordinals, whether they are built, and their unique and
explode flags. Changing either flag rebuilds the index under a new ordinal.

## Binary encoding

**Items** are encoded into a canonical tree (see ItemCodec): native values stay
as they are, records become boxes tagged with their type id. The tree is
serialized with msgpack, with extension types for boxes, maps, sets, undefined
and dates; map and set entries are sorted so that equal values produce equal
bytes.

**Traits** are encoded into byte strings that compare in the order of the
values they encode (see TraitCodec):

	undefined < nil < false < true < numbers < dates < strings < binary < arrays < custom

**Index entries**: for regular indexes, the key is trait||id (8 bytes, big
endian) with an empty value; for unique indexes, the key is the trait and the
value is the id.

**Value**: value header, then encoded data, then trait records.

**Value header**:
1. Flags (uvarint).
2. Modification count (uvarint).
3. Data size (uvarint).
4. Trait records size (uvarint).

**Trait records** (inside a value) record the keys contributed by this row.
If trait computation changes in the future, we still need to know which index
entries to delete when updating the row, so we store all of them. Format:
1. Number of entries (uvarint).
2. For each entry: index ordinal (uvarint), key length (uvarint), key bytes.
*/
package traitdb
