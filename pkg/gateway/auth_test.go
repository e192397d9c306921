package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signChallenge(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	handler := NewAuthHandler("secret")

	first, err := handler.GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := handler.GenerateChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	handler := NewAuthHandler("secret")

	t.Run("accepts valid signature", func(t *testing.T) {
		assert.True(t, handler.VerifySignature("challenge", signChallenge("secret", "challenge")))
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		assert.False(t, handler.VerifySignature("challenge", signChallenge("wrong", "challenge")))
	})

	t.Run("rejects garbage", func(t *testing.T) {
		assert.False(t, handler.VerifySignature("challenge", "not-a-signature"))
	})
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	t.Run("authenticates client on valid signature", func(t *testing.T) {
		handler := NewAuthHandler("secret")
		client := &Client{ID: "c1", Challenge: "challenge"}

		result := handler.HandleAuthResponse(client, signChallenge("secret", "challenge"))
		assert.True(t, result.Success)
		assert.True(t, client.Authenticated)
		assert.Equal(t, StateAuthenticated, client.State)
		assert.Empty(t, client.Challenge)
	})

	t.Run("fails without a challenge", func(t *testing.T) {
		handler := NewAuthHandler("secret")
		client := &Client{ID: "c1"}

		result := handler.HandleAuthResponse(client, "anything")
		assert.False(t, result.Success)
		assert.Equal(t, "No challenge found", result.Message)
	})

	t.Run("counts failed attempts", func(t *testing.T) {
		handler := NewAuthHandler("secret")
		client := &Client{ID: "c1", Challenge: "challenge"}

		for i := 0; i < maxAuthAttempts-1; i++ {
			result := handler.HandleAuthResponse(client, "bad")
			assert.False(t, result.Success)
			assert.Equal(t, "Invalid signature", result.Message)
		}

		result := handler.HandleAuthResponse(client, "bad")
		assert.False(t, result.Success)
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.False(t, client.Authenticated)
	})
}
