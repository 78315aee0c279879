package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/golang-jwt/jwt/v5"

	"synthmargin/crypto"
	"synthmargin/gateway/middleware"
)

type fixedPass string

func (p fixedPass) Get() (string, error) { return string(p), nil }

func useTestPassphrase(t *testing.T) {
	t.Helper()
	prevSource, prevN, prevP := passphraseSource, crypto.KeystoreScryptN, crypto.KeystoreScryptP
	passphraseSource = func(string) interface{ Get() (string, error) } { return fixedPass("correct horse") }
	crypto.KeystoreScryptN, crypto.KeystoreScryptP = keystore.LightScryptN, keystore.LightScryptP
	t.Cleanup(func() {
		passphraseSource, crypto.KeystoreScryptN, crypto.KeystoreScryptP = prevSource, prevN, prevP
	})
}

func TestKeygenThenAddress(t *testing.T) {
	useTestPassphrase(t)
	path := filepath.Join(t.TempDir(), "op.keystore")

	var out bytes.Buffer
	if err := runKeygen([]string{"-out", path}, &out); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	generated := strings.TrimSpace(out.String())
	if !strings.HasPrefix(generated, string(crypto.AccountPrefix)+"1") {
		t.Fatalf("unexpected address %q", generated)
	}

	out.Reset()
	if err := runAddress([]string{"-keystore", path}, &out); err != nil {
		t.Fatalf("address: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != generated {
		t.Fatalf("address mismatch: keygen %s, keystore %s", generated, got)
	}

	key, err := crypto.LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if key.PubKey().Address().String() != generated {
		t.Fatalf("decrypted key does not match address")
	}
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	useTestPassphrase(t)
	path := filepath.Join(t.TempDir(), "op.keystore")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := runKeygen([]string{"-out", path}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected existing keystore to be preserved")
	}
}

func TestTokenCommand(t *testing.T) {
	subject := crypto.MustNewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{9}, crypto.AddressLength)).String()
	secret := "token-secret-0123456789"
	var out bytes.Buffer
	err := runToken([]string{"-secret", secret, "-sub", subject, "-aud", "margind", "-scope", middleware.ScopeTrade + "," + middleware.ScopeAdmin}, &out)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out.String()), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims["sub"] != subject {
		t.Fatalf("unexpected subject %v", claims["sub"])
	}
	if claims["scope"] != middleware.ScopeTrade+" "+middleware.ScopeAdmin {
		t.Fatalf("unexpected scope %v", claims["scope"])
	}
}

func TestTokenRejectsBadSubject(t *testing.T) {
	if err := runToken([]string{"-secret", "s", "-sub", "nope"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected invalid subject to fail")
	}
}
