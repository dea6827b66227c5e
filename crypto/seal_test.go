package crypto

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticKeys map[string]string

func (k staticKeys) Key(keyID string) ([]byte, error) {
	secret, ok := k[keyID]
	if !ok {
		return nil, ErrUnknownKey
	}
	return []byte(secret), nil
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := NewCipher(staticKeys{"k1": "preshared-secret"})
	payload := map[string]any{"action": "balance_update", "amount": "100.00"}

	sealed, err := c.Seal(payload, "k1")
	require.NoError(t, err)
	require.Equal(t, "k1", sealed.KeyID)
	require.NotZero(t, sealed.Timestamp)

	plaintext, err := c.Open(sealed, "k1")
	require.NoError(t, err)
	require.JSONEq(t, `{"action":"balance_update","amount":"100.00"}`, string(plaintext))
}

func TestSealUsesFreshIV(t *testing.T) {
	c := NewCipher(staticKeys{"k1": "preshared-secret"})
	first, err := c.Seal("same payload", "k1")
	require.NoError(t, err)
	second, err := c.Seal("same payload", "k1")
	require.NoError(t, err)
	require.NotEqual(t, first.IV, second.IV)
	require.NotEqual(t, first.Data, second.Data)
}

func TestOpenUnknownKey(t *testing.T) {
	c := NewCipher(staticKeys{"k1": "preshared-secret"})
	sealed, err := c.Seal("hello", "k1")
	require.NoError(t, err)

	_, err = c.Open(sealed, "missing")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestOpenRejectsStructuralGarbage(t *testing.T) {
	c := NewCipher(staticKeys{"k1": "preshared-secret"})
	cases := []Sealed{
		{Data: "!!!not-base64", IV: base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{Data: base64.StdEncoding.EncodeToString([]byte("short")), IV: base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{Data: base64.StdEncoding.EncodeToString(make([]byte, 32)), IV: base64.StdEncoding.EncodeToString(make([]byte, 8))},
		{Data: "", IV: ""},
	}
	for _, sealed := range cases {
		_, err := c.Open(sealed, "k1")
		require.Error(t, err)
	}
}

func TestMACVerifyAndTamperDetection(t *testing.T) {
	c := NewCipher(staticKeys{"k1": "preshared-secret"})
	sealed, err := c.Seal(map[string]string{"action": "new_user"}, "k1")
	require.NoError(t, err)

	mac, err := c.MAC(sealed, "k1")
	require.NoError(t, err)

	ok, err := c.VerifyMAC(sealed, mac, "k1")
	require.NoError(t, err)
	require.True(t, ok)

	tampered := sealed
	tampered.Timestamp++
	ok, err = c.VerifyMAC(tampered, mac, "k1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.VerifyMAC(sealed, "not-hex!", "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeyNormalization(t *testing.T) {
	// Short and long secrets both produce usable AES-256 keys.
	short := NewCipher(staticKeys{"k": "tiny"})
	long := NewCipher(staticKeys{"k": "this-secret-is-much-longer-than-thirty-two-bytes-in-total"})
	for _, c := range []*Cipher{short, long} {
		sealed, err := c.Seal("payload", "k")
		require.NoError(t, err)
		plaintext, err := c.Open(sealed, "k")
		require.NoError(t, err)
		require.Equal(t, `"payload"`, string(plaintext))
	}
}

func TestSealedTimestampComesFromClock(t *testing.T) {
	c := NewCipher(staticKeys{"k1": "preshared-secret"})
	fixed := time.Unix(1700000000, 0)
	c.nowFn = func() time.Time { return fixed }
	sealed, err := c.Seal("x", "k1")
	require.NoError(t, err)
	require.Equal(t, fixed.Unix(), sealed.Timestamp)
}
