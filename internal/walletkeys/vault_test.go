package walletkeys_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/keyguard/internal/encryption"
	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/monitor"
	"github.com/mbd888/keyguard/internal/ratelimit"
	"github.com/mbd888/keyguard/internal/testutil"
	"github.com/mbd888/keyguard/internal/trust"
	"github.com/mbd888/keyguard/internal/verifier"
	"github.com/mbd888/keyguard/internal/walletkeys"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fixture struct {
	vault     *walletkeys.Vault
	store     *kvstore.MemoryStore
	sink      *events.MemorySink
	clock     *testutil.Clock
	emergency *monitor.Emergency
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := kvstore.NewMemoryStore().WithClock(clock.Now)
	t.Cleanup(func() { _ = store.Close() })
	sink := events.NewMemorySink()

	engine, err := encryption.New(make32(), encryption.Options{
		Rounds: encryption.MinRounds,
		Store:  store,
		Sink:   sink,
	})
	require.NoError(t, err)

	dir := testutil.Directory("alice", 5*24*time.Hour, 10, clock.Now())
	classifier := trust.NewClassifier(dir, sink, nil).WithClock(clock.Now)
	limiter := ratelimit.New(store, classifier, sink, nil).WithClock(clock.Now)
	v := verifier.New(limiter, store, sink, nil).WithClock(clock.Now).WithLocation(time.UTC)
	emergency := monitor.NewEmergency(store, time.Hour, sink, nil).WithClock(clock.Now)
	mon := monitor.New(store, emergency, sink, nil, monitor.WithClock(clock.Now))

	vault := walletkeys.New(walletkeys.Config{
		Store:     store,
		Engine:    engine,
		Verifier:  v,
		Emergency: emergency,
		Failures:  mon,
		Sink:      sink,
	}).WithClock(clock.Now)

	return &fixture{vault: vault, store: store, sink: sink, clock: clock, emergency: emergency}
}

func make32() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}

func wantAddress(t *testing.T) string {
	t.Helper()
	pk, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(pk.PublicKey).Hex()
}

func TestVault_StoreAndExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	addr, err := f.vault.Store(ctx, "alice", "0x"+testKey)
	require.NoError(t, err)
	assert.Equal(t, wantAddress(t), addr)

	got, err := f.vault.Address(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	raw, err := f.store.Get(ctx, kvstore.PrefixSecrets+"alice")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), testKey)

	key, err := f.vault.Export(ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, "0x"+testKey, key)

	exported := f.sink.ByType(events.TypeSecretExported)
	require.Len(t, exported, 1)
	assert.Equal(t, ratelimit.OpExportPrivateKey, exported[0].Metadata["operation"])

	ops, err := f.store.Window(ctx, kvstore.PrefixSensitiveOps+"alice", f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestVault_StoreRejectsInvalidKey(t *testing.T) {
	f := newFixture(t)

	for _, k := range []string{"", "0x1234", "zz" + testKey[2:]} {
		_, err := f.vault.Store(context.Background(), "alice", k)
		assert.ErrorIs(t, err, walletkeys.ErrInvalidKey, "key %q", k)
	}
}

func TestVault_ExportMissingKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.vault.Export(context.Background(), "alice", "alice")
	assert.ErrorIs(t, err, walletkeys.ErrNotFound)
	assert.Equal(t, "No wallet key is stored for this account.", walletkeys.UserMessage(err))
}

func TestVault_RefusesDuringEmergency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.vault.Store(ctx, "alice", testKey)
	require.NoError(t, err)
	_, err = f.emergency.Activate(ctx, "test")
	require.NoError(t, err)

	_, err = f.vault.Export(ctx, "alice", "alice")
	assert.ErrorIs(t, err, walletkeys.ErrEmergency)
	assert.ErrorIs(t, f.vault.Delete(ctx, "alice", "alice"), walletkeys.ErrEmergency)

	// Refusals never reach the verifier.
	assert.Empty(t, f.sink.ByType(events.TypeVerification))

	_, err = f.vault.Address(ctx, "alice")
	assert.NoError(t, err)
}

func TestVault_DeniedByRiskScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.vault.Store(ctx, "alice", testKey)
	require.NoError(t, err)

	// 03:00 UTC plus a foreign caller: 20 + 50 reaches the deny threshold.
	f.clock.Advance(15 * time.Hour)
	_, err = f.vault.Export(ctx, "alice", "mallory")

	var denied *walletkeys.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.ErrorIs(t, err, walletkeys.ErrDenied)
	assert.Equal(t, 70, denied.Result.RiskScore)
	assert.ElementsMatch(t, []string{verifier.ReasonCallerMismatch, verifier.ReasonUnusualHour}, denied.Result.Reasons)
	assert.Empty(t, f.sink.ByType(events.TypeSecretExported))
}

func TestVault_DeniedByRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.vault.Store(ctx, "alice", testKey)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.vault.Export(ctx, "alice", "alice")
		require.NoError(t, err, "export %d", i+1)
		f.clock.Advance(time.Minute)
	}

	_, err = f.vault.Export(ctx, "alice", "alice")
	var denied *walletkeys.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, verifier.ScoreRateLimited, denied.Result.RiskScore)
	assert.Contains(t, walletkeys.UserMessage(err), "Too many export_private_key attempts")
	assert.Contains(t, walletkeys.UserMessage(err), "57 minutes")
}

func TestVault_IntegrityFailureRecordsFailedAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.vault.Store(ctx, "alice", testKey)
	require.NoError(t, err)

	raw, err := f.store.Get(ctx, kvstore.PrefixSecrets+"alice")
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	blob, err := encryption.ParseBlob(rec["blob"].(string))
	require.NoError(t, err)
	blob.Ciphertext[0] ^= 0x01
	rec["blob"] = blob.String()
	raw, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, f.store.SetWithTTL(ctx, kvstore.PrefixSecrets+"alice", raw, time.Hour))

	_, err = f.vault.Export(ctx, "alice", "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, encryption.ErrIntegrity))
	assert.Contains(t, walletkeys.UserMessage(err), "regenerated")

	failed, err := f.store.Window(ctx, kvstore.PrefixFailed+"alice", f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	assert.NotEmpty(t, f.sink.ByType(events.TypeIntegrityFailure))
	assert.Empty(t, f.sink.ByType(events.TypeSecretExported))
}

func TestVault_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.vault.Store(ctx, "alice", testKey)
	require.NoError(t, err)

	require.NoError(t, f.vault.Delete(ctx, "alice", "alice"))

	_, err = f.vault.Address(ctx, "alice")
	assert.ErrorIs(t, err, walletkeys.ErrNotFound)
	require.Len(t, f.sink.ByType(events.TypeSecretDeleted), 1)

	assert.ErrorIs(t, f.vault.Delete(ctx, "alice", "alice"), walletkeys.ErrNotFound)
}

func TestVault_RevealUsesItsOwnPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.vault.Store(ctx, "alice", testKey)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.vault.Export(ctx, "alice", "alice")
		require.NoError(t, err)
	}
	key, err := f.vault.Reveal(ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, "0x"+testKey, key)
}
