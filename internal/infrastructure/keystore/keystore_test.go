package keystore

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestFromHex(t *testing.T) {
	key, err := FromHex(testKeyHex)
	require.NoError(t, err)
	again, err := FromHex(testKeyHex[2:])
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(again.PublicKey))

	_, err = FromHex("0x1234")
	assert.Error(t, err)
}

func TestEncryptedFile(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "hub.key")
	require.NoError(t, WriteFile(path, key, []byte("correct horse")))

	loaded, err := Load(Source{File: path, Passphrase: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSA(key), crypto.FromECDSA(loaded))

	_, err = LoadFile(path, []byte("battery staple"))
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestLoadPrecedence(t *testing.T) {
	_, err := Load(Source{})
	assert.ErrorIs(t, err, ErrKeyNotConfigured)

	key, err := Load(Source{HexKey: testKeyHex, File: "/does/not/exist"})
	require.NoError(t, err)
	assert.NotNil(t, key)
}
