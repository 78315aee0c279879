package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"synthmargin/cmd/internal/passphrase"
	"synthmargin/crypto"
	"synthmargin/gateway/middleware"
)

const (
	keygenCommand  = "keygen"
	addressCommand = "address"
	tokenCommand   = "token"

	defaultPassEnv  = "MARGINCTL_PASS"
	defaultKeystore = "margin.keystore"
)

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	case addressCommand:
		err = runAddress(os.Args[2:], os.Stdout)
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: marginctl <command> [flags]\n\n")
	fmt.Fprintf(w, "commands:\n")
	fmt.Fprintf(w, "  %-8s generate an account key sealed in a keystore\n", keygenCommand)
	fmt.Fprintf(w, "  %-8s print the account address of a keystore\n", addressCommand)
	fmt.Fprintf(w, "  %-8s mint an API bearer token\n", tokenCommand)
}

// passphraseSource is swapped in tests.
var passphraseSource = func(envVar string) interface{ Get() (string, error) } {
	return passphrase.NewSource(envVar).WithConfirmation()
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	path := fs.String("out", defaultKeystore, "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if !*force {
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("keystore %s already exists (use -force to overwrite)", *path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat keystore: %w", err)
		}
	}
	pass, err := passphraseSource(*passEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(*path, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(out, "%s\n", key.PubKey().Address())
	return nil
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ContinueOnError)
	path := fs.String("keystore", defaultKeystore, "Keystore file to inspect")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	addr, err := crypto.KeystoreAddress(*path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n", addr)
	return nil
}

type scopeList []string

func (s *scopeList) String() string { return strings.Join(*s, ",") }

func (s *scopeList) Set(value string) error {
	for _, scope := range strings.Split(value, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			*s = append(*s, scope)
		}
	}
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("MARGIND_AUTH_SECRET"), "HMAC secret shared with margind")
	subject := fs.String("sub", "", "Account address the token acts for")
	issuer := fs.String("iss", "", "Token issuer")
	audience := fs.String("aud", "", "Token audience")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	var scopes scopeList
	fs.Var(&scopes, "scope", "Granted scope; repeat or comma-separate (default "+middleware.ScopeTrade+")")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if _, err := crypto.DecodeAddress(strings.TrimSpace(*subject)); err != nil {
		return fmt.Errorf("invalid -sub: %w", err)
	}
	if len(scopes) == 0 {
		scopes = scopeList{middleware.ScopeTrade}
	}
	token, err := middleware.IssueToken(*secret, *subject, *issuer, *audience, scopes, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n", token)
	return nil
}
