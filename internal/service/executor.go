package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/blockchain"
	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/metrics"
	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/repository"
)

// txRef 交易所属实体
type txRef struct {
	kind   model.EntityKind
	id     string
	txType model.PendingTxType
}

// resolution 待确认交易的对账结论
type resolution int

const (
	// resolutionLanded 交易已成功上链, 直接采用
	resolutionLanded resolution = iota
	// resolutionFailed 回执失败, 可以重新提交
	resolutionFailed
	// resolutionReplaced nonce 已被其他交易占用, 原交易不会再上链
	resolutionReplaced
	// resolutionInFlight 仍在交易池中, 不能重新提交
	resolutionInFlight
)

func (r resolution) String() string {
	switch r {
	case resolutionLanded:
		return "landed"
	case resolutionFailed:
		return "failed"
	case resolutionReplaced:
		return "replaced"
	case resolutionInFlight:
		return "in_flight"
	}
	return "unknown"
}

// 交易日志写入重试
const (
	journalAttempts       = 3
	defaultJournalBackoff = 200 * time.Millisecond
)

// executor 提交交易, 在等待回执前写入交易日志
type executor struct {
	ledger         blockchain.Ledger
	pending        repository.PendingTxRepository
	chainID        int64
	receiptTimeout time.Duration
	journalBackoff time.Duration
}

// submit 发送交易并等待回执; 成功后调用方需在写入同步标记后调用 confirm
//
// 交易日志写入失败时仍等待回执; 超时则返回带交易哈希的超时错误, 由运维确认去向后再重试。
func (x *executor) submit(ctx context.Context, ref txRef, send func(ctx context.Context) (*blockchain.Submission, error)) (*types.Receipt, error) {
	sub, err := send(ctx)
	if err != nil {
		return nil, err
	}

	journalErr := x.journal(ctx, ref, sub)

	receipt, err := x.ledger.WaitReceipt(ctx, sub.Hash)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindChainSubmission && receipt != nil {
			x.markStatus(ctx, sub.Hash, model.PendingTxStatusFailed)
		}
		if journalErr != nil && apperrors.KindOf(err) == apperrors.KindChainConfirmationTimeout {
			return nil, apperrors.WrapWithCause(apperrors.ErrChainConfirmationTimeout, journalErr,
				"%s transaction for %s %s is unconfirmed and missing from the journal", ref.txType, ref.kind, ref.id).
				WithDetail("tx_hash", sub.Hash.Hex()).
				WithDetail("nonce", fmt.Sprint(sub.Nonce))
		}
		return nil, err
	}
	return receipt, nil
}

// journal 写入待确认交易日志, 临时失败时重试
func (x *executor) journal(ctx context.Context, ref txRef, sub *blockchain.Submission) error {
	now := sub.SubmittedAt
	if now.IsZero() {
		now = time.Now()
	}
	ptx := &model.PendingTx{
		TxHash:        sub.Hash.Hex(),
		TxType:        ref.txType,
		EntityKind:    ref.kind,
		RefID:         ref.id,
		WalletAddress: sub.From.Hex(),
		ChainID:       x.chainID,
		Nonce:         int64(sub.Nonce),
		GasLimit:      int64(sub.GasLimit),
		SubmittedAt:   now.UnixMilli(),
		TimeoutAt:     now.Add(x.receiptTimeout).UnixMilli(),
		Status:        model.PendingTxStatusPending,
	}
	if sub.GasPrice != nil {
		ptx.GasPrice = sub.GasPrice.String()
	}

	backoff := x.journalBackoff
	if backoff <= 0 {
		backoff = defaultJournalBackoff
	}
	var err error
	for attempt := 1; attempt <= journalAttempts; attempt++ {
		err = x.pending.Create(ctx, ptx)
		if errors.Is(err, repository.ErrDuplicatePendingTx) {
			// 上一次写入可能已提交
			err = x.journaledAs(ctx, ref, ptx.TxHash)
		}
		if err == nil {
			metrics.PendingTxsGauge.Inc()
			return nil
		}
		logger.Warn("failed to journal pending tx",
			zap.String("tx_hash", ptx.TxHash),
			zap.String("kind", string(ref.kind)),
			zap.String("entity_id", ref.id),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == journalAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	logger.Error("pending tx not journaled",
		zap.String("tx_hash", ptx.TxHash),
		zap.String("kind", string(ref.kind)),
		zap.String("entity_id", ref.id),
		zap.Error(err))
	return err
}

// journaledAs 确认已有的日志属于同一实体
func (x *executor) journaledAs(ctx context.Context, ref txRef, hash string) error {
	existing, err := x.pending.GetByHash(ctx, hash)
	if err != nil {
		return err
	}
	if existing.EntityKind != ref.kind || existing.RefID != ref.id || existing.TxType != ref.txType {
		return apperrors.ErrInternal.WithMessagef("tx %s already journaled for %s %s", hash, existing.EntityKind, existing.RefID)
	}
	return nil
}

// confirm 同步标记落库后关闭交易日志
func (x *executor) confirm(ctx context.Context, hash common.Hash) {
	x.markStatus(ctx, hash, model.PendingTxStatusConfirmed)
}

func (x *executor) markStatus(ctx context.Context, hash common.Hash, status model.PendingTxStatus) {
	err := x.pending.UpdateStatus(ctx, hash.Hex(), model.PendingTxStatusPending, status)
	switch {
	case err == nil:
		metrics.PendingTxsGauge.Dec()
	case errors.Is(err, repository.ErrPendingTxStatusConflict):
		// 没有日志或已被对账任务处理
	default:
		logger.Warn("failed to update pending tx status",
			zap.String("tx_hash", hash.Hex()),
			zap.String("status", status.String()),
			zap.Error(err))
	}
}

// openTx 实体最近一条未终结的交易
func (x *executor) openTx(ctx context.Context, ref txRef) (*model.PendingTx, error) {
	ptx, err := x.pending.GetOpenByRef(ctx, ref.kind, ref.id, ref.txType)
	if errors.Is(err, repository.ErrPendingTxNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrInternal, err, "load pending tx for %s %s", ref.kind, ref.id)
	}
	return ptx, nil
}

// resolve 根据回执与发送方 nonce 判断待确认交易的去向
//
// 没有回执且发送方已确认 nonce 未超过该交易时, 交易仍可能上链, 不能重新提交。
func (x *executor) resolve(ctx context.Context, ptx *model.PendingTx) (resolution, *types.Receipt, error) {
	hash := common.HexToHash(ptx.TxHash)

	receipt, err := x.receipt(ctx, hash)
	if err != nil {
		return resolutionInFlight, nil, err
	}
	if receipt != nil {
		return receiptResolution(receipt), receipt, nil
	}

	nonce, err := x.ledger.NonceAt(ctx, common.HexToAddress(ptx.WalletAddress))
	if err != nil {
		return resolutionInFlight, nil, apperrors.WrapWithCause(apperrors.ErrChainSubmission, err, "nonce of %s", ptx.WalletAddress)
	}
	if nonce <= uint64(ptx.Nonce) {
		return resolutionInFlight, nil, nil
	}

	// nonce 已消耗, 再查一次回执排除刚好上链的情况
	receipt, err = x.receipt(ctx, hash)
	if err != nil {
		return resolutionInFlight, nil, err
	}
	if receipt != nil {
		return receiptResolution(receipt), receipt, nil
	}
	return resolutionReplaced, nil, nil
}

func (x *executor) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := x.ledger.TransactionReceipt(ctx, hash)
	if errors.Is(err, blockchain.ErrTxNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrChainSubmission, err, "receipt %s", hash.Hex())
	}
	return receipt, nil
}

func receiptResolution(receipt *types.Receipt) resolution {
	if receipt.Status == types.ReceiptStatusSuccessful {
		return resolutionLanded
	}
	return resolutionFailed
}

// settle 将非采用的结论写回交易日志
func (x *executor) settle(ctx context.Context, ptx *model.PendingTx, res resolution) {
	hash := common.HexToHash(ptx.TxHash)
	switch res {
	case resolutionFailed:
		x.markStatus(ctx, hash, model.PendingTxStatusFailed)
	case resolutionReplaced:
		x.markStatus(ctx, hash, model.PendingTxStatusReplaced)
	}
}

// once 提交不写同步标记的交易, 已有交易上链时直接采用
func (x *executor) once(ctx context.Context, ref txRef, send func(ctx context.Context) (*blockchain.Submission, error)) (*types.Receipt, error) {
	ptx, err := x.openTx(ctx, ref)
	if err != nil {
		return nil, err
	}
	if ptx != nil {
		res, receipt, err := x.resolve(ctx, ptx)
		if err != nil {
			return nil, err
		}
		switch res {
		case resolutionLanded:
			x.confirm(ctx, receipt.TxHash)
			return receipt, nil
		case resolutionInFlight:
			return nil, stillPending(ptx)
		default:
			x.settle(ctx, ptx, res)
		}
	}

	receipt, err := x.submit(ctx, ref, send)
	if err != nil {
		return nil, err
	}
	x.confirm(ctx, receipt.TxHash)
	return receipt, nil
}

// stillPending 交易仍在途时返回的错误
func stillPending(ptx *model.PendingTx) error {
	return apperrors.ErrChainConfirmationTimeout.
		WithMessagef("previous %s transaction has not been confirmed yet", ptx.TxType).
		WithDetail("tx_hash", ptx.TxHash).
		WithDetail("kind", string(ptx.EntityKind)).
		WithDetail("id", ptx.RefID)
}
