package utils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/ecoreceipt/config"
)

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(7)
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, km.Len(), "idle keys are dropped")
}

func TestKeyedMutexDistinctKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.Lock(1)
	defer unlock()

	done := make(chan struct{})
	go func() {
		km.Lock(2)()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key 2 blocked behind key 1")
	}
}

func TestTokenRoundTripAndRevocation(t *testing.T) {
	config.Set(config.AppConfig{JWTSecret: "utils-secret"})
	SetRedis(nil)

	tok, err := GenerateToken("auth0|lin", "lin", "lin@example.com", time.Hour)
	require.NoError(t, err)
	claims, err := ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "auth0|lin", claims.Subject)
	assert.Equal(t, "lin", claims.Username)

	ctx := context.Background()
	assert.False(t, IsTokenRevoked(ctx, tok))
	RevokeToken(ctx, tok, time.Now().Add(time.Hour))
	assert.True(t, IsTokenRevoked(ctx, tok))

	other, err := GenerateToken("auth0|lin", "lin", "", time.Hour)
	require.NoError(t, err)
	assert.False(t, IsTokenRevoked(ctx, other), "tokens are revoked individually")

	noSub, err := GenerateToken("", "nobody", "", time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(noSub)
	assert.Error(t, err)
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "Fresh & Co", SanitizeText("  <b>Fresh</b> &amp; Co "))
	assert.Equal(t, "receipt.png", SanitizeText(`<script>alert(1)</script>receipt.png`))
}
