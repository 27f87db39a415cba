package signer

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

// envOf returns a getenv over vars with XDG_CONFIG_HOME pinned to a temp dir.
func envOf(t *testing.T, vars map[string]string) func(string) string {
	t.Helper()
	if _, ok := vars["XDG_CONFIG_HOME"]; !ok {
		vars["XDG_CONFIG_HOME"] = t.TempDir()
	}
	return func(key string) string { return vars[key] }
}

func testAddress(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey)
}

func TestLoadEnvKeySigns(t *testing.T) {
	s, err := Load(Options{Source: KeySourceEnv, Getenv: envOf(t, map[string]string{EnvPrivateKey: "0x" + testPrivateKey})})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Address() != testAddress(t) || s.Source() != KeySourceEnv {
		t.Fatalf("unexpected signer %s from %s", s.Address().Hex(), s.Source())
	}
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx := types.NewTx(&types.LegacyTx{To: &to, Value: big.NewInt(0), Gas: 21_000, GasPrice: big.NewInt(1)})
	signed, err := s.SignTx(common.Big1, tx)
	if err != nil {
		t.Fatalf("SignTx failed: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(common.Big1), signed)
	if err != nil || from != s.Address() {
		t.Fatalf("expected tx signed by %s, got %s (%v)", s.Address().Hex(), from.Hex(), err)
	}
}

func TestLoadAutoFallsThroughToDefaultKeyFile(t *testing.T) {
	cfgDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(cfgDir, "dexroute"), 0o755); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "dexroute", "key.hex"), []byte(testPrivateKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	s, err := Load(Options{Getenv: envOf(t, map[string]string{"XDG_CONFIG_HOME": cfgDir})})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Source() != KeySourceFile {
		t.Fatalf("expected file source, got %s", s.Source())
	}
}

func TestLoadRestrictsToSelectedSource(t *testing.T) {
	getenv := envOf(t, map[string]string{EnvPrivateKey: testPrivateKey})
	_, err := Load(Options{Source: KeySourceKeystore, Getenv: getenv})
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected no key for keystore source, got %v", err)
	}
	if !strings.Contains(err.Error(), EnvKeystorePath) {
		t.Fatalf("expected configuration hint, got %v", err)
	}
}

func TestLoadKeystore(t *testing.T) {
	dir := t.TempDir()
	account, err := keystore.StoreKey(dir, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("store key: %v", err)
	}
	pwFile := filepath.Join(dir, "password")
	if err := os.WriteFile(pwFile, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatalf("write password: %v", err)
	}
	s, err := Load(Options{
		Source:          KeySourceKeystore,
		ExpectedAddress: account.Address.Hex(),
		Getenv:          envOf(t, map[string]string{EnvKeystorePath: account.URL.Path, EnvKeystorePasswordFile: pwFile}),
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Address() != account.Address {
		t.Fatalf("expected %s, got %s", account.Address.Hex(), s.Address().Hex())
	}
}

func TestLoadRejectsUnexpectedAddress(t *testing.T) {
	getenv := envOf(t, map[string]string{EnvPrivateKey: testPrivateKey})
	_, err := Load(Options{Source: KeySourceEnv, ExpectedAddress: "0x0000000000000000000000000000000000000001", Getenv: getenv})
	if !errors.Is(err, ErrAddressMismatch) {
		t.Fatalf("expected address mismatch, got %v", err)
	}
	if _, err := Load(Options{Source: KeySourceEnv, ExpectedAddress: strings.ToLower(testAddress(t).Hex()), Getenv: getenv}); err != nil {
		t.Fatalf("expected case-insensitive address match, got %v", err)
	}
	if _, err := Load(Options{Source: KeySourceEnv, ExpectedAddress: "alice", Getenv: getenv}); err == nil {
		t.Fatal("expected malformed address rejection")
	}
}

func TestParseKeySource(t *testing.T) {
	if src, err := ParseKeySource(" Keystore "); err != nil || src != KeySourceKeystore {
		t.Fatalf("expected keystore, got %q %v", src, err)
	}
	if src, err := ParseKeySource(""); err != nil || src != KeySourceAuto {
		t.Fatalf("expected auto default, got %q %v", src, err)
	}
	if _, err := ParseKeySource("hsm"); err == nil {
		t.Fatal("expected unsupported key source error")
	}
}
