package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
)

// SignParams 将参数按 key 排序编码为 query，并返回 HMAC-SHA256 签名（hex）。
func SignParams(params url.Values, secret string) (query, signature string) {
	query = params.Encode()
	return query, signQuery(query, secret)
}

func signQuery(query, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
