package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Wallet 是智能体持有的链上账户句柄。私钥只存在于内存中，
// 持久化时通过 Export 得到加密后的 keystore 状态。
type Wallet struct {
	id        string
	networkID string
	key       *keystore.Key
}

// ExportedState 是钱包的可持久化形态，进程重启后可以据此恢复。
type ExportedState struct {
	WalletID  string          `json:"wallet_id"`
	NetworkID string          `json:"network_id"`
	Address   string          `json:"address"`
	Keystore  json.RawMessage `json:"keystore"`
}

// Provider 负责创建、导入钱包。口令用于加密导出的 keystore。
type Provider struct {
	passphrase string
	scryptN    int
	scryptP    int
}

// Option 定义可选的 Provider 配置。
type Option func(*Provider)

// WithScrypt 覆盖 keystore 加密强度，测试时可以使用轻量参数。
func WithScrypt(n, p int) Option {
	return func(prov *Provider) {
		if n > 0 && p > 0 {
			prov.scryptN = n
			prov.scryptP = p
		}
	}
}

// NewProvider 创建钱包提供者。
func NewProvider(passphrase string, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("钱包口令不能为空")
	}
	provider := &Provider{
		passphrase: passphrase,
		scryptN:    keystore.StandardScryptN,
		scryptP:    keystore.StandardScryptP,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider, nil
}

// Create 为指定网络生成一个新钱包。
func (p *Provider) Create(networkID string) (*Wallet, error) {
	networkID = strings.TrimSpace(networkID)
	if networkID == "" {
		return nil, errors.New("网络 ID 不能为空")
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("生成私钥失败: %w", err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("生成钱包 ID 失败: %w", err)
	}

	key := &keystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		PrivateKey: privateKey,
	}

	return &Wallet{
		id:        id.String(),
		networkID: networkID,
		key:       key,
	}, nil
}

// Import 根据持久化的导出状态恢复钱包。
func (p *Provider) Import(state ExportedState) (*Wallet, error) {
	if len(state.Keystore) == 0 {
		return nil, errors.New("导出状态缺少 keystore 数据")
	}

	key, err := keystore.DecryptKey(state.Keystore, p.passphrase)
	if err != nil {
		return nil, fmt.Errorf("解密 keystore 失败: %w", err)
	}

	id := state.WalletID
	if id == "" {
		id = key.Id.String()
	}

	return &Wallet{
		id:        id,
		networkID: state.NetworkID,
		key:       key,
	}, nil
}

// Export 导出钱包的加密状态。可以安全地重复调用。
func (p *Provider) Export(w *Wallet) (ExportedState, error) {
	if w == nil || w.key == nil {
		return ExportedState{}, errors.New("钱包未初始化")
	}

	encrypted, err := keystore.EncryptKey(w.key, p.passphrase, p.scryptN, p.scryptP)
	if err != nil {
		return ExportedState{}, fmt.Errorf("加密 keystore 失败: %w", err)
	}

	return ExportedState{
		WalletID:  w.id,
		NetworkID: w.networkID,
		Address:   w.Address(),
		Keystore:  encrypted,
	}, nil
}

// ID 返回钱包标识。
func (w *Wallet) ID() string {
	if w == nil {
		return ""
	}
	return w.id
}

// NetworkID 返回钱包绑定的网络。
func (w *Wallet) NetworkID() string {
	if w == nil {
		return ""
	}
	return w.networkID
}

// Address 返回钱包地址的十六进制形式。
func (w *Wallet) Address() string {
	if w == nil || w.key == nil {
		return ""
	}
	return w.key.Address.Hex()
}

// AddressBytes 返回钱包地址。
func (w *Wallet) AddressBytes() common.Address {
	if w == nil || w.key == nil {
		return common.Address{}
	}
	return w.key.Address
}
