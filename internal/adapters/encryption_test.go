package adapters

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormEncryptedStringSerializer_RoundTrip(t *testing.T) {
	s := NewGormEncryptedStringSerializer("passphrase")

	encrypted, err := s.encrypt("+43 660 1234")
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "1234")

	again, err := s.encrypt("+43 660 1234")
	require.NoError(t, err)
	assert.NotEqual(t, encrypted, again, "every value uses a fresh nonce")

	plain, err := s.decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "+43 660 1234", plain)

	_, err = NewGormEncryptedStringSerializer("other").decrypt(encrypted)
	assert.Error(t, err, "wrong passphrase")

	_, err = s.decrypt("c2hvcnQ=")
	assert.Error(t, err, "truncated ciphertext")
}

func TestGormEncryptedStringSerializer_Value(t *testing.T) {
	s := NewGormEncryptedStringSerializer("passphrase")

	v, err := s.Value(context.Background(), nil, reflect.Value{}, "")
	require.NoError(t, err)
	assert.Equal(t, "", v, "empty values stay empty")

	v, err = s.Value(context.Background(), nil, reflect.Value{}, "secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(v.(string), "IDS_ENC_"))

	v, err = NewGormEncryptedStringSerializer("").Value(context.Background(), nil, reflect.Value{}, "secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", v, "no passphrase keeps plain text")
}
