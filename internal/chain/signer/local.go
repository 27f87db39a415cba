package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "DEXROUTE_PRIVATE_KEY"
	EnvPrivateKeyFile       = "DEXROUTE_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "DEXROUTE_KEYSTORE_PATH"
	EnvKeystorePassword     = "DEXROUTE_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "DEXROUTE_KEYSTORE_PASSWORD_FILE"
)

var (
	// ErrNoKey means the selected source had nothing configured.
	ErrNoKey = errors.New("no signing key configured")
	// ErrAddressMismatch means the loaded key is not the expected account.
	ErrAddressMismatch = errors.New("signer address does not match the expected address")
)

type Options struct {
	Source KeySource
	// ExpectedAddress, when set, must equal the loaded account.
	ExpectedAddress string
	Getenv          func(string) string
}

type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
	source  KeySource
}

func (l *Local) Address() common.Address { return l.address }

// Source reports which key source produced the key.
func (l *Local) Source() KeySource { return l.source }

func (l *Local) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if l == nil || l.key == nil {
		return nil, errors.New("signer is not loaded")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), l.key)
}

// Load resolves a key from opts.Source. Auto tries env, then file, then
// keystore, and uses the first one that is configured.
func Load(opts Options) (*Local, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	source := opts.Source
	if source == "" {
		source = KeySourceAuto
	}
	order := []KeySource{source}
	if source == KeySourceAuto {
		order = []KeySource{KeySourceEnv, KeySourceFile, KeySourceKeystore}
	}

	var local *Local
	for _, src := range order {
		key, err := loadFrom(src, getenv)
		if errors.Is(err, ErrNoKey) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s key source: %w", src, err)
		}
		local = &Local{key: key, address: crypto.PubkeyToAddress(key.PublicKey), source: src}
		break
	}
	if local == nil {
		return nil, fmt.Errorf("%w for %s: set %s, %s or %s, or write the key to %s",
			ErrNoKey, source, EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath, defaultKeyPath(getenv))
	}

	if want := strings.TrimSpace(opts.ExpectedAddress); want != "" {
		if !common.IsHexAddress(want) {
			return nil, fmt.Errorf("expected address %q is not a hex address", want)
		}
		if common.HexToAddress(want) != local.address {
			return nil, fmt.Errorf("%w: loaded %s, expected %s", ErrAddressMismatch, local.address.Hex(), common.HexToAddress(want).Hex())
		}
	}
	return local, nil
}

func loadFrom(src KeySource, getenv func(string) string) (*ecdsa.PrivateKey, error) {
	switch src {
	case KeySourceEnv:
		raw := strings.TrimSpace(getenv(EnvPrivateKey))
		if raw == "" {
			return nil, ErrNoKey
		}
		return parseHexKey(raw)
	case KeySourceFile:
		path := strings.TrimSpace(getenv(EnvPrivateKeyFile))
		if path == "" {
			path = defaultKeyPath(getenv)
			if info, err := os.Stat(path); path == "" || err != nil || info.IsDir() {
				return nil, ErrNoKey
			}
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	case KeySourceKeystore:
		return loadKeystore(getenv)
	default:
		return nil, fmt.Errorf("unsupported key source %q", src)
	}
}

func loadKeystore(getenv func(string) string) (*ecdsa.PrivateKey, error) {
	path := strings.TrimSpace(getenv(EnvKeystorePath))
	if path == "" {
		return nil, ErrNoKey
	}
	password := getenv(EnvKeystorePassword)
	if strings.TrimSpace(password) == "" {
		if pwFile := strings.TrimSpace(getenv(EnvKeystorePasswordFile)); pwFile != "" {
			buf, err := os.ReadFile(pwFile)
			if err != nil {
				return nil, fmt.Errorf("read keystore password file: %w", err)
			}
			password = strings.TrimSpace(string(buf))
		}
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("keystore password is required (%s or %s)", EnvKeystorePassword, EnvKeystorePasswordFile)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, errors.New("empty private key")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// defaultKeyPath is $XDG_CONFIG_HOME/dexroute/key.hex.
func defaultKeyPath(getenv func(string) string) string {
	base := strings.TrimSpace(getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dexroute", "key.hex")
}
