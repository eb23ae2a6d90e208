package tilecache

import "strings"

// DeriveKey returns the store key of originURL in namespace.
// The first occurrence of originPrefix is replaced by a "/" and the result is
// prefixed by namespace, an URL not containing originPrefix is appended as is.
func DeriveKey(namespace, originPrefix, originURL string) string {
	if originPrefix == "" || !strings.Contains(originURL, originPrefix) {
		return namespace + originURL
	}

	return namespace + strings.Replace(originURL, originPrefix, "/", 1)
}
