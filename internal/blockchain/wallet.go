package blockchain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
)

// DerivationPathPrefix 以太坊默认路径, 最后一段为账户索引
const DerivationPathPrefix = "m/44'/60'/0'/0"

// Account 派生出的账户
type Account struct {
	Index      int
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// Path 返回派生路径
func (a *Account) Path() string {
	return fmt.Sprintf("%s/%d", DerivationPathPrefix, a.Index)
}

// HDWallet 助记词钱包, 缓存 m/44'/60'/0'/0 节点
type HDWallet struct {
	parent *bip32.Key
}

// NewHDWallet 校验助记词并派生到外部链节点
func NewHDWallet(mnemonic string) (*HDWallet, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrValidation, err, "invalid mnemonic")
	}

	node, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrValidation, err, "unusable master key for seed")
	}
	for _, idx := range []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 60,
		bip32.FirstHardenedChild,
		0,
	} {
		node, err = node.NewChildKey(idx)
		if err != nil {
			return nil, apperrors.WrapWithCause(apperrors.ErrInternal, err, "derive path segment %d", idx)
		}
	}
	return &HDWallet{parent: node}, nil
}

// Derive 派生 m/44'/60'/0'/0/<index> 账户
func (w *HDWallet) Derive(index int) (*Account, error) {
	if index < 0 || uint64(index) >= uint64(bip32.FirstHardenedChild) {
		return nil, apperrors.ErrValidation.WithMessagef("wallet index %d out of range", index)
	}

	node, err := w.parent.NewChildKey(uint32(index))
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrInternal, err, "invalid child %d, skip to next index", index)
	}
	key, err := crypto.ToECDSA(common.LeftPadBytes(node.Key, 32))
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrInternal, err, "derive index %d", index)
	}
	return &Account{
		Index:      index,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, nil
}

// DeriveAccount 从助记词派生单个账户
func DeriveAccount(mnemonic string, index int) (*Account, error) {
	w, err := NewHDWallet(mnemonic)
	if err != nil {
		return nil, err
	}
	return w.Derive(index)
}
