// Package matching pairs required property descriptors with a provider's
// offered descriptors.
//
// Each requirement is tried in order: identical normalized element key,
// then identical semantic id, then cosine similarity of the embedded identity
// texts above a threshold. A paired candidate must then pass the kind
// compatibility rules (Value, Range, List, wildcard) and is removed from the
// pool. The first failing requirement ends the run with a typed Failure.
package matching
