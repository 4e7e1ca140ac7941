package clientfactory

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"sync/atomic"

	"ChainTrader/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

// Handle 是某个代理在某个网络上的已认证连接。
// 同一 (agent, network) 在缓存中只有一个 Handle，不同网络之间从不共享。
type Handle struct {
	AgentID string
	Network web3.Network
	Address common.Address
	Chain   web3.Chain

	key *ecdsa.PrivateKey

	seqMu  sync.Mutex
	next   uint64
	synced bool

	failed atomic.Bool
}

// Key 返回签名私钥，仅供执行器签名使用。
func (h *Handle) Key() *ecdsa.PrivateKey { return h.key }

// NextNonce 返回下一个待用的序号；首次使用时从链上读取 pending nonce。
func (h *Handle) NextNonce(ctx context.Context) (uint64, error) {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	if !h.synced {
		n, err := h.Chain.PendingNonce(ctx, h.Address)
		if err != nil {
			return 0, err
		}
		h.next = n
		h.synced = true
	}
	return h.next, nil
}

// Commit 在广播被接受后推进序号游标。
func (h *Handle) Commit(nonce uint64) {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	if !h.synced || nonce >= h.next {
		h.next = nonce + 1
		h.synced = true
	}
}

// ResetSequence 丢弃本地游标，下次使用时重新从链上读取。
func (h *Handle) ResetSequence() {
	h.seqMu.Lock()
	h.synced = false
	h.seqMu.Unlock()
}

// Failed 表示该连接曾出现传输层故障，缓存命中时将被重建。
func (h *Handle) Failed() bool { return h.failed.Load() }

func (h *Handle) String() string {
	return h.AgentID + "@" + string(h.Network) + "(" + h.Address.Hex() + ")"
}
