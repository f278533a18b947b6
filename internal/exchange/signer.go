package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// signer 对规范化后的查询串计算 HMAC-SHA256 签名，密钥不外泄到日志。
type signer struct {
	apiKey     string
	secret     []byte
	recvWindow time.Duration
	now        func() time.Time
}

func newSigner(apiKey, secret string, recvWindow time.Duration) *signer {
	return &signer{
		apiKey:     apiKey,
		secret:     []byte(secret),
		recvWindow: recvWindow,
		now:        time.Now,
	}
}

// sign 追加 timestamp、recvWindow 与 signature，返回最终查询串。
// url.Values.Encode 按键排序，保证签名输入的确定性。
func (s *signer) sign(params url.Values) string {
	signed := make(url.Values, len(params)+3)
	for k, v := range params {
		signed[k] = append([]string(nil), v...)
	}
	signed.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	if s.recvWindow > 0 {
		signed.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))
	}

	payload := signed.Encode()
	return payload + "&signature=" + s.signature(payload)
}

func (s *signer) signature(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
