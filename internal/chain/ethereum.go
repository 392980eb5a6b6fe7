package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/money"
)

// JobContractABI is the subset of the job contract the engine calls.
const JobContractABI = `[
  {"type":"function","name":"getJob","stateMutability":"view",
   "inputs":[{"name":"jobId","type":"uint256"}],
   "outputs":[
     {"name":"creator","type":"address"},
     {"name":"actionType","type":"uint8"},
     {"name":"contentRef","type":"string"},
     {"name":"pricePerAction","type":"uint256"},
     {"name":"maxActions","type":"uint256"},
     {"name":"completedActions","type":"uint256"},
     {"name":"active","type":"bool"}]},
  {"type":"function","name":"hasUserCompleted","stateMutability":"view",
   "inputs":[{"name":"jobId","type":"uint256"},{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"completeJob","stateMutability":"nonpayable",
   "inputs":[{"name":"jobId","type":"uint256"},{"name":"worker","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"getUserEarnings","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[
     {"name":"totalEarned","type":"uint256"},
     {"name":"availableForWithdrawal","type":"uint256"},
     {"name":"totalWithdrawn","type":"uint256"}]},
  {"type":"function","name":"withdrawFor","stateMutability":"nonpayable",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[]}
]`

// EthereumConfig configures the on-chain adapter.
type EthereumConfig struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	SignerKey       string // hex private key, without 0x
}

// EthereumOracle talks to the job contract through a JSON-RPC node.
type EthereumOracle struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	signer   *bind.TransactOpts
	log      *zap.Logger
}

// NewEthereumOracle dials the node and binds the contract.
func NewEthereumOracle(ctx context.Context, cfg EthereumConfig, log *zap.Logger) (*EthereumOracle, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(JobContractABI))
	if err != nil {
		return nil, fmt.Errorf("parse job contract abi: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethclient.Dial: %w", err)
	}

	key, err := parseSignerKey(cfg.SignerKey)
	if err != nil {
		client.Close()
		return nil, err
	}
	signer, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("keyed transactor: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &EthereumOracle{
		client:   client,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		signer:   signer,
		log:      log,
	}, nil
}

// Close releases the RPC connection.
func (o *EthereumOracle) Close() { o.client.Close() }

func (o *EthereumOracle) GetJob(ctx context.Context, jobID uint64) (Job, error) {
	var out []interface{}
	if err := o.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getJob", new(big.Int).SetUint64(jobID)); err != nil {
		return Job{}, unavailable("getJob", err)
	}
	return decodeJob(jobID, out)
}

func (o *EthereumOracle) HasUserCompleted(ctx context.Context, jobID uint64, user common.Address) (bool, error) {
	var out []interface{}
	if err := o.contract.Call(&bind.CallOpts{Context: ctx}, &out, "hasUserCompleted", new(big.Int).SetUint64(jobID), user); err != nil {
		return false, unavailable("hasUserCompleted", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("hasUserCompleted: expected 1 output, got %d", len(out))
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (o *EthereumOracle) CompleteJob(ctx context.Context, jobID uint64, claimant common.Address) (string, error) {
	return o.transact(ctx, "completeJob", new(big.Int).SetUint64(jobID), claimant)
}

func (o *EthereumOracle) GetOnChainEarnings(ctx context.Context, user common.Address) (Earnings, error) {
	var out []interface{}
	if err := o.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getUserEarnings", user); err != nil {
		return Earnings{}, unavailable("getUserEarnings", err)
	}
	return decodeEarnings(out)
}

func (o *EthereumOracle) SubmitWithdrawal(ctx context.Context, user common.Address) (string, error) {
	return o.transact(ctx, "withdrawFor", user)
}

// transact sends a signed transaction and waits until it is mined. A mined but
// reverted transaction is reported as ErrContractReverted, not as unavailable.
func (o *EthereumOracle) transact(ctx context.Context, method string, params ...interface{}) (string, error) {
	opts := *o.signer
	opts.Context = ctx

	tx, err := o.contract.Transact(&opts, method, params...)
	if err != nil {
		return "", unavailable(method, err)
	}
	o.log.Debug("contract transaction sent", zap.String("method", method), zap.String("tx_ref", tx.Hash().Hex()))

	receipt, err := bind.WaitMined(ctx, o.client, tx)
	if err != nil {
		return "", unavailable(method+" wait", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%s %s: %w", method, tx.Hash().Hex(), ErrContractReverted)
	}
	return tx.Hash().Hex(), nil
}

func parseSignerKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return key, nil
}

// decodeJob converts getJob's unpacked outputs.
func decodeJob(jobID uint64, out []interface{}) (Job, error) {
	if len(out) != 7 {
		return Job{}, fmt.Errorf("getJob: expected 7 outputs, got %d", len(out))
	}
	creator := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	actionIdx := *abi.ConvertType(out[1], new(uint8)).(*uint8)
	contentRef := *abi.ConvertType(out[2], new(string)).(*string)
	price := *abi.ConvertType(out[3], new(*big.Int)).(**big.Int)
	maxActions := *abi.ConvertType(out[4], new(*big.Int)).(**big.Int)
	completed := *abi.ConvertType(out[5], new(*big.Int)).(**big.Int)
	active := *abi.ConvertType(out[6], new(bool)).(*bool)

	job := Job{
		ID:               jobID,
		Creator:          creator,
		ContentRef:       contentRef,
		PricePerAction:   money.FromBaseUnits(price),
		MaxActions:       maxActions.Uint64(),
		CompletedActions: completed.Uint64(),
		Active:           active,
	}
	if !job.Exists() {
		// Empty slot: the remaining fields are zero values.
		return job, nil
	}
	action, err := ActionTypeFromIndex(actionIdx)
	if err != nil {
		return Job{}, err
	}
	job.ActionType = action
	return job, nil
}

func decodeEarnings(out []interface{}) (Earnings, error) {
	if len(out) != 3 {
		return Earnings{}, fmt.Errorf("getUserEarnings: expected 3 outputs, got %d", len(out))
	}
	vals := make([]*big.Int, 3)
	for i := range out {
		vals[i] = *abi.ConvertType(out[i], new(*big.Int)).(**big.Int)
	}
	return Earnings{
		TotalEarned:            money.FromBaseUnits(vals[0]),
		AvailableForWithdrawal: money.FromBaseUnits(vals[1]),
		TotalWithdrawn:         money.FromBaseUnits(vals[2]),
	}, nil
}
