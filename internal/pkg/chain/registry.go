package chain

import (
	"errors"
	"strings"
)

// Chain 链描述符，地址形态由 前缀 + 主体长度 + 字符集 决定
type Chain struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Token       string `json:"token"`
	Recommended bool   `json:"recommended"`

	AddressPrefix string `json:"addressPrefix"`
	BodyLength    int    `json:"-"` // 前缀之后的字符数
	Charset       string `json:"-"`
}

const (
	base58Charset = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	hexCharset    = "0123456789abcdef"
)

var ErrChainNotSupported = errors.New("chain not supported")

// chains 支持的链列表（静态配置）
var chains = []Chain{
	{ID: "TRON_USDT", Name: "TRON", DisplayName: "TRON (TRC-20)", Token: "USDT", Recommended: true, AddressPrefix: "T", BodyLength: 33, Charset: base58Charset},
	{ID: "ETH_USDT", Name: "Ethereum", DisplayName: "Ethereum (ERC-20)", Token: "USDT", AddressPrefix: "0x", BodyLength: 40, Charset: hexCharset},
	{ID: "ARBITRUM_USDT", Name: "Arbitrum", DisplayName: "Arbitrum One", Token: "USDT", AddressPrefix: "0x", BodyLength: 40, Charset: hexCharset},
	{ID: "BASE_USDT", Name: "Base", DisplayName: "Base", Token: "USDT", Recommended: true, AddressPrefix: "0x", BodyLength: 40, Charset: hexCharset},
	{ID: "MATIC_USDT", Name: "Polygon", DisplayName: "Polygon (POS)", Token: "USDT", AddressPrefix: "0x", BodyLength: 40, Charset: hexCharset},
	{ID: "BSC_USDT", Name: "BSC", DisplayName: "BNB Smart Chain", Token: "USDT", Recommended: true, AddressPrefix: "0x", BodyLength: 40, Charset: hexCharset},
	{ID: "SOL_USDT", Name: "Solana", DisplayName: "Solana", Token: "USDT", AddressPrefix: "", BodyLength: 44, Charset: base58Charset},
}

var byID = func() map[string]Chain {
	m := make(map[string]Chain, len(chains))
	for _, c := range chains {
		m[c.ID] = c
	}
	return m
}()

// All 返回全部支持的链
func All() []Chain {
	out := make([]Chain, len(chains))
	copy(out, chains)
	return out
}

// Get 按 ID 查找链
func Get(id string) (Chain, error) {
	c, ok := byID[id]
	if !ok {
		return Chain{}, ErrChainNotSupported
	}
	return c, nil
}

// ValidAddress 校验地址是否符合该链的形态约束
func (c Chain) ValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, c.AddressPrefix) {
		return false
	}
	body := addr[len(c.AddressPrefix):]
	if len(body) != c.BodyLength {
		return false
	}
	for _, r := range body {
		if !strings.ContainsRune(c.Charset, r) {
			return false
		}
	}
	return true
}
