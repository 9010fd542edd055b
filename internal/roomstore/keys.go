package roomstore

import (
	"crypto/sha256"
	"encoding/hex"
)

const keyPrefix = "relay:room:"

func metaKey(rid string) string    { return keyPrefix + rid + ":meta" }
func membersKey(rid string) string { return keyPrefix + rid + ":members" }
func countKey(rid string) string   { return keyPrefix + rid + ":count" }
func jtisKey(rid string) string    { return keyPrefix + rid + ":jtis" }
func jtiKey(rid, jti string) string {
	return keyPrefix + rid + ":jti:" + jti
}

// Fingerprint returns a deterministic short hash of rid suitable for display
// to humans (§3: "not a secret; not used for access").
func Fingerprint(rid string) string {
	sum := sha256.Sum256([]byte(rid))
	return hex.EncodeToString(sum[:])[:8]
}
