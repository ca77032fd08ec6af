// Package payment requests payment intents from the USDT payment gateway.
package payment

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

// Sign computes the gateway signature: the lowercase hex md5 of the
// parameters as k=v pairs sorted by key and joined by '&', with the API
// token appended directly. Values are used verbatim.
func Sign(params map[string]string, token string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString(token)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
