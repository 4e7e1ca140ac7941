package credential

import (
	"crypto/ecdsa"
	"regexp"
	"strings"
	"time"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/web3"

	"github.com/ethereum/go-ethereum/crypto"
)

// RedactedMaterial 替代对外视图中的签名材料。
const RedactedMaterial = "[REDACTED]"

var (
	// ErrNotFound 表示代理不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")
	// ErrDuplicateID 表示代理 id 已被占用。
	ErrDuplicateID = xerrors.New(xerrors.CodeDuplicateID, "agent id already exists")
	// ErrInvalidKey 表示签名材料无法解析，代理不可用。
	ErrInvalidKey = xerrors.New(xerrors.CodeInvalidKey, "signing key is malformed")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Record 是持久化层保存的完整代理记录，包含签名材料。
type Record struct {
	ID              string       `json:"id"`
	Address         string       `json:"address"`
	SigningMaterial string       `json:"signing_material"`
	Sealed          bool         `json:"sealed"`
	Network         web3.Network `json:"network"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// AgentView 是代理对外可见的视图，签名材料始终被替换。
type AgentView struct {
	ID              string       `json:"id"`
	Address         string       `json:"address"`
	SigningMaterial string       `json:"signing_material"`
	Network         web3.Network `json:"network"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// View 返回脱敏视图。
func (r Record) View() AgentView {
	return AgentView{
		ID:              r.ID,
		Address:         r.Address,
		SigningMaterial: RedactedMaterial,
		Network:         r.Network,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// String 保证记录被意外打印时不会泄露签名材料。
func (r Record) String() string {
	return "agent(" + r.ID + ", " + r.Address + ", " + string(r.Network) + ")"
}

// ValidateID 校验代理 id。
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id must be 1-64 characters of letters, digits, '.', '_' or '-'")
	}
	return nil
}

// ParsePrivateKey 解析 64 位十六进制私钥，可带 0x 前缀。
// 错误信息中不包含任何私钥内容。
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(raw) != 64 {
		return nil, ErrInvalidKey
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// AddressOf 返回私钥对应的 EIP-55 地址。
func AddressOf(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}
