package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/config"
	"github.com/blues/microfund/internal/logger"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var supportedChainTypes = []string{"ethereum", "polygon", "bsc", "arbitrum", "optimism"}

// Manager 单链管理器，持有客户端和托管签名密钥
type Manager struct {
	mu      sync.RWMutex
	client  *ethclient.Client
	config  config.ChainConfig
	chainID *big.Int
	signers map[common.Address]*ecdsa.PrivateKey
}

// NewManager 连接链节点并加载签名密钥
func NewManager(cfg config.ChainConfig) (*Manager, error) {
	signers, err := parseSigners(cfg.PrivateKey, cfg.Signers)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		config:  cfg,
		chainID: big.NewInt(cfg.ChainId),
		signers: signers,
	}

	if err := manager.initClient(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize client: %w", err)
	}

	logger.Info("Chain manager ready with %d signer(s)", len(signers))
	return manager, nil
}

// initClient 初始化客户端
func (m *Manager) initClient(cfg config.ChainConfig) error {
	logger.Info("Initializing chain client (type: %s, id: %d)", cfg.ChainType, cfg.ChainId)

	if cfg.RpcUrl == "" {
		return fmt.Errorf("no RPC URL configured")
	}
	if !isSupportedChainType(cfg.ChainType) {
		return fmt.Errorf("unsupported chain type %s, supported types: %s", cfg.ChainType, strings.Join(supportedChainTypes, ", "))
	}

	logger.Info("Creating %s client connection (RPC: %s)", cfg.ChainType, cfg.RpcUrl)
	client, err := ethclient.Dial(cfg.RpcUrl)
	if err != nil {
		return fmt.Errorf("failed to create %s client: %w", cfg.ChainType, err)
	}

	// 测试连接
	if _, err := client.BlockNumber(context.Background()); err != nil {
		client.Close()
		return fmt.Errorf("client connection test failed (%s): %w", cfg.ChainType, err)
	}

	m.client = client
	logger.Info("Successfully created %s client", cfg.ChainType)
	return nil
}

func isSupportedChainType(chainType string) bool {
	for _, t := range supportedChainTypes {
		if t == chainType {
			return true
		}
	}
	return false
}

// parseSigners 解析运营私钥和托管钱包私钥
func parseSigners(operator string, custodial []string) (map[common.Address]*ecdsa.PrivateKey, error) {
	signers := make(map[common.Address]*ecdsa.PrivateKey)
	keys := append([]string{operator}, custodial...)
	for i, hexKey := range keys {
		hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
		if hexKey == "" {
			continue
		}
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key #%d: %w", i, err)
		}
		signers[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return signers, nil
}

// TransactOpts 为指定钱包构造交易授权，没有对应私钥时拒绝
func (m *Manager) TransactOpts(ctx context.Context, from string) (*bind.TransactOpts, error) {
	if !common.IsHexAddress(from) {
		return nil, apperr.Validation("invalid wallet address %q", from)
	}

	m.mu.RLock()
	key, ok := m.signers[common.HexToAddress(from)]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.Authorization("wallet %s is not managed by this service", from)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, m.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// GetClient 获取客户端
func (m *Manager) GetClient() *ethclient.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// GetConfig 获取链配置
func (m *Manager) GetConfig() config.ChainConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// CurrentBlockNumber 获取当前最新区块号
func (m *Manager) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	header, err := m.GetClient().HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

// GetHealthStatus 获取健康状态
func (m *Manager) GetHealthStatus(ctx context.Context) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := map[string]interface{}{
		"chain_type":    m.config.ChainType,
		"chain_id":      m.config.ChainId,
		"client_status": "connected",
		"contract":      m.config.Contract.Address,
		"signers":       len(m.signers),
	}

	if m.client == nil {
		health["client_status"] = "not_initialized"
	} else if block, err := m.client.BlockNumber(ctx); err != nil {
		health["client_status"] = "disconnected"
	} else {
		health["block_num"] = block
	}

	return health
}

// Close 关闭管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		m.client.Close()
	}

	logger.Info("Chain manager closed")
	return nil
}
