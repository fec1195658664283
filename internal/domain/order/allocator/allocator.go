package allocator

import (
	"crypto/sha256"
	"encoding/binary"

	"goldpay/internal/pkg/chain"
)

// DepositAddress 为 (订单, 链) 确定性地派生收款地址。
// 真实部署由热钱包/HD 钱包服务签发，这里固定住的是形态契约：
// 同一 (订单, 链) 永远得到同一地址，且地址符合链的前缀/长度/字符集。
func DepositAddress(orderNo string, c chain.Chain) string {
	body := make([]byte, 0, c.BodyLength)
	seed := []byte(orderNo + "|" + c.ID)

	var counter uint32
	for len(body) < c.BodyLength {
		buf := make([]byte, len(seed)+4)
		copy(buf, seed)
		binary.BigEndian.PutUint32(buf[len(seed):], counter)
		sum := sha256.Sum256(buf)

		for _, b := range sum[:] {
			if len(body) == c.BodyLength {
				break
			}
			body = append(body, c.Charset[int(b)%len(c.Charset)])
		}
		counter++
	}

	return c.AddressPrefix + string(body)
}
