package blobcache

import (
	"fmt"
	"strings"
)

// Storage key layout shared by backends and local stores.

const (
	blobKeyPrefix   = "blobs"
	inlineKeyPrefix = "inline"
)

// BlobPrefix is the key prefix under which all records live.
const BlobPrefix = blobKeyPrefix

// InlinePrefix is the key prefix for records small enough to skip the
// upload path.
const InlinePrefix = inlineKeyPrefix

// StorageKey returns the storage key for an identifier.
// Format: blobs/{hex[:2]}/{hex}
func StorageKey(id Identifier) string {
	return blobKeyPrefix + "/" + id.Dir() + "/" + id.String()
}

// InlineKey returns the key of an inline record.
// Format: inline/{hex[:2]}/{hex}
func InlineKey(id Identifier) string {
	return inlineKeyPrefix + "/" + id.Dir() + "/" + id.String()
}

// ParseStorageKey extracts the identifier from a storage key.
func ParseStorageKey(key string) (Identifier, error) {
	return parseKey(blobKeyPrefix, key)
}

// ParseInlineKey extracts the identifier from an inline key.
func ParseInlineKey(key string) (Identifier, error) {
	return parseKey(inlineKeyPrefix, key)
}

func parseKey(prefix, key string) (Identifier, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != prefix {
		return Identifier{}, fmt.Errorf("invalid %s key format: %s", prefix, key)
	}
	id, err := ParseIdentifier(parts[2])
	if err != nil {
		return Identifier{}, fmt.Errorf("invalid %s key %s: %w", prefix, key, err)
	}
	if parts[1] != id.Dir() {
		return Identifier{}, fmt.Errorf("%s key %s is in the wrong shard", prefix, key)
	}
	return id, nil
}
