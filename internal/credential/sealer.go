package credential

import (
	"crypto/ecdsa"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Sealer 负责签名材料的落盘编码。
type Sealer interface {
	// Sealed 表示 Seal 的输出是否为加密格式。
	Sealed() bool
	Seal(key *ecdsa.PrivateKey) (string, error)
	Open(material string) (*ecdsa.PrivateKey, error)
}

// PlainSealer 以十六进制明文保存私钥。
type PlainSealer struct{}

func (PlainSealer) Sealed() bool { return false }

func (PlainSealer) Seal(key *ecdsa.PrivateKey) (string, error) {
	return hex.EncodeToString(crypto.FromECDSA(key)), nil
}

func (PlainSealer) Open(material string) (*ecdsa.PrivateKey, error) {
	return ParsePrivateKey(material)
}

// KeystoreSealer 使用 Web3 Secret Storage 格式（scrypt + AES-128-CTR）加密私钥。
type KeystoreSealer struct {
	passphrase string
	scryptN    int
	scryptP    int
}

// NewKeystoreSealer 创建加密编码器；light 为 true 时使用较低的 scrypt 参数。
func NewKeystoreSealer(passphrase string, light bool) *KeystoreSealer {
	s := &KeystoreSealer{passphrase: passphrase, scryptN: keystore.StandardScryptN, scryptP: keystore.StandardScryptP}
	if light {
		s.scryptN, s.scryptP = keystore.LightScryptN, keystore.LightScryptP
	}
	return s
}

func (s *KeystoreSealer) Sealed() bool { return true }

func (s *KeystoreSealer) Seal(key *ecdsa.PrivateKey) (string, error) {
	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, s.passphrase, s.scryptN, s.scryptP)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func (s *KeystoreSealer) Open(material string) (*ecdsa.PrivateKey, error) {
	k, err := keystore.DecryptKey([]byte(material), s.passphrase)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return k.PrivateKey, nil
}
