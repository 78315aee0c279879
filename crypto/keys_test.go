package crypto

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTripBech32(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, AddressLength)
	addr := MustNewAddress(AccountPrefix, raw)

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.True(t, addr.Equal(decoded))
	require.Equal(t, AccountPrefix, decoded.Prefix())
}

func TestNewAddressRejectsShortInput(t *testing.T) {
	_, err := NewAddress(AccountPrefix, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestAddressIsZero(t *testing.T) {
	require.True(t, Address{}.IsZero())
	require.True(t, MustNewAddress(AccountPrefix, make([]byte, AddressLength)).IsZero())
	require.False(t, ModuleAddress("pool").IsZero())
}

func TestModuleAddressDeterministic(t *testing.T) {
	require.True(t, ModuleAddress("insurance").Equal(ModuleAddress("insurance")))
	require.False(t, ModuleAddress("insurance").Equal(ModuleAddress("pool")))
}

func TestKeystoreSaveLoad(t *testing.T) {
	KeystoreScryptN, KeystoreScryptP = keystore.LightScryptN, keystore.LightScryptP
	t.Cleanup(func() {
		KeystoreScryptN, KeystoreScryptP = keystore.StandardScryptN, keystore.StandardScryptP
	})

	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "operator.json")

	require.NoError(t, SaveToKeystore(path, key, "secret"))

	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), loaded.Bytes())

	addr, err := KeystoreAddress(path)
	require.NoError(t, err)
	require.True(t, key.PubKey().Address().Equal(addr))

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
