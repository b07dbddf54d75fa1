package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxSigner builds and signs the escrow contract transaction for an
// operation. Key custody lives outside this service; the signer is an
// external collaborator reached over its own channel.
type TxSigner interface {
	Sign(ctx context.Context, op ChainOp) (*types.Transaction, error)
}

// EthBackend submits escrow transactions through an Ethereum JSON-RPC node
// and confirms them by receipt.
type EthBackend struct {
	client        *ethclient.Client
	signer        TxSigner
	confirmations uint64
}

var _ ChainBackend = (*EthBackend)(nil)

func NewEthBackend(rpcURL string, signer TxSigner, confirmations int) (*EthBackend, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc: %w", err)
	}
	if confirmations < 1 {
		confirmations = 1
	}
	return &EthBackend{client: c, signer: signer, confirmations: uint64(confirmations)}, nil
}

func (e *EthBackend) Submit(ctx context.Context, op ChainOp) (string, error) {
	tx, err := e.signer.Sign(ctx, op)
	if err != nil {
		return "", fmt.Errorf("sign %s tx: %w", op.Kind, err)
	}
	if err := e.client.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("send %s tx: %w", op.Kind, err)
	}
	return tx.Hash().Hex(), nil
}

func (e *EthBackend) Confirmed(ctx context.Context, txHash string) (bool, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch receipt %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, fmt.Errorf("%w: tx %s reverted", ErrSettlementFailed, txHash)
	}

	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch head block: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	return head >= mined && head-mined+1 >= e.confirmations, nil
}
