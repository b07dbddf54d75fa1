package payment

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// escrowABI covers the escrow contract operations the backend submits.
const escrowABI = `[
	{"name":"deposit","type":"function","inputs":[{"name":"contractId","type":"bytes32"},{"name":"amount","type":"uint256"}]},
	{"name":"release","type":"function","inputs":[{"name":"contractId","type":"bytes32"},{"name":"milestoneId","type":"bytes32"},{"name":"amount","type":"uint256"}]},
	{"name":"resolve","type":"function","inputs":[{"name":"contractId","type":"bytes32"},{"name":"milestoneId","type":"bytes32"},{"name":"payout","type":"uint256"},{"name":"refund","type":"uint256"}]},
	{"name":"cancel","type":"function","inputs":[{"name":"contractId","type":"bytes32"},{"name":"refund","type":"uint256"}]}
]`

const defaultGasLimit = 200_000

// KeySigner signs escrow contract transactions with a locally held key.
// Production deployments should point TxSigner at an external KMS instead;
// this implementation exists for self-hosted setups and testnets.
type KeySigner struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

var _ TxSigner = (*KeySigner)(nil)

func NewKeySigner(rpcURL, privateKeyHex, escrowContract string, chainID int64) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("derive public key")
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc: %w", err)
	}
	return &KeySigner{
		client:     client,
		privateKey: key,
		address:    crypto.PubkeyToAddress(*pub),
		chainID:    big.NewInt(chainID),
		contract:   common.HexToAddress(escrowContract),
		abi:        parsed,
	}, nil
}

// Address returns the signing account's address.
func (s *KeySigner) Address() string {
	return s.address.Hex()
}

func (s *KeySigner) Sign(ctx context.Context, op ChainOp) (*types.Transaction, error) {
	data, err := s.calldata(op)
	if err != nil {
		return nil, err
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch gas price: %w", err)
	}
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &s.contract,
		Data: data,
	})
	if err != nil {
		gasLimit = defaultGasLimit
	}

	tx := types.NewTransaction(nonce, s.contract, big.NewInt(0), gasLimit, gasPrice, data)
	return types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.privateKey)
}

func (s *KeySigner) calldata(op ChainOp) ([]byte, error) {
	cid := idHash(op.ContractID)
	mid := idHash(op.MilestoneID)

	switch op.Kind {
	case ChainOpDeposit:
		return s.abi.Pack("deposit", cid, big.NewInt(op.LockAmount))
	case ChainOpRelease:
		return s.abi.Pack("release", cid, mid, big.NewInt(op.PayoutAmount))
	case ChainOpResolve:
		return s.abi.Pack("resolve", cid, mid, big.NewInt(op.PayoutAmount), big.NewInt(op.RefundAmount))
	case ChainOpCancel:
		return s.abi.Pack("cancel", cid, big.NewInt(op.RefundAmount))
	default:
		return nil, fmt.Errorf("unknown chain op %q", op.Kind)
	}
}

// idHash maps a service-side identifier onto the contract's bytes32 key
// space.
func idHash(id string) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256([]byte(id)))
	return out
}
