package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/blockchain"
	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/repository"
)

// PersonService 受益人登记, 分配派生钱包
type PersonService struct {
	store     repository.RecordStore
	farmer    *blockchain.HDWallet
	baseIndex int

	// 串行化 count + insert, 保证 walletIndex 递增
	mu sync.Mutex
}

// NewPersonService 创建受益人服务
func NewPersonService(store repository.RecordStore, farmer *blockchain.HDWallet, baseIndex int) *PersonService {
	return &PersonService{
		store:     store,
		farmer:    farmer,
		baseIndex: baseIndex,
	}
}

// Create 保存新受益人, walletIndex = baseIndex + 已有受益人数量
//
// 只插入新记录; id 已存在时返回 VALIDATION_ERROR, 已分配的钱包保持不变。
func (s *PersonService) Create(ctx context.Context, person *model.Person) (*model.Person, error) {
	if err := person.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.FindPerson(ctx, person.ID)
	switch {
	case err == nil:
		return nil, apperrors.ErrValidation.
			WithMessagef("person %s already exists with wallet index %d", person.ID, existing.WalletIndex).
			WithDetail("id", person.ID)
	case !apperrors.IsNotFound(err):
		return nil, err
	}

	count, err := s.store.CountPersons(ctx)
	if err != nil {
		return nil, err
	}
	index := s.baseIndex + int(count)

	account, err := s.farmer.Derive(index)
	if err != nil {
		return nil, err
	}

	person.WalletIndex = index
	person.Wallet = account.Address.Hex()
	person.SetMarker("")
	if err := s.store.Insert(ctx, person); err != nil {
		return nil, err
	}

	logger.Info("person created",
		zap.String("person_id", person.ID),
		zap.Int("wallet_index", index),
		zap.String("wallet", person.Wallet))
	return person, nil
}

// Wallet 查询派生钱包
func (s *PersonService) Wallet(index int) (*blockchain.Account, error) {
	return s.farmer.Derive(index)
}
