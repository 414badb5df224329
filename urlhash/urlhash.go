// Package urlhash derives stable, content-addressed filenames from URL
// strings. The hash is a cache key, not a security boundary: any
// collision-resistant hash of 128 bits or more would serve equally
// well, and MD5 is retained here only because it is what on-disk
// layouts produced by earlier versions of this cache already use.
package urlhash

import (
	"crypto/md5" //nolint:gosec // cache-key hash, not a security boundary; see package doc
	"encoding/hex"
	"strings"
)

// Hash returns the 32 uppercase hex characters of MD5(url), where url's
// UTF-8 bytes are hashed directly.
func Hash(url string) string {
	sum := md5.Sum([]byte(url)) //nolint:gosec
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
