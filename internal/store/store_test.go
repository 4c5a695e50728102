package store_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"e2ee-session/internal/cryptocore"
	"e2ee-session/internal/domain"
	"e2ee-session/internal/serializer"
	"e2ee-session/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := store.Open(store.Config{DSN: "file:" + name + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	require.NoError(t, store.MigrateDirectory(db))
	require.NoError(t, store.MigrateLocal(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store.New(db)
}

func seedDevice(t *testing.T, st *store.Store, otks int) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	userID, deviceID := uuid.New(), uuid.New()
	require.NoError(t, st.Users().Ensure(ctx, userID))
	require.NoError(t, st.Devices().Publish(ctx, domain.Device{ID: deviceID, UserID: userID}, store.PublishedKeys{
		Identity: domain.IdentityKey{KEMPublicKey: "kem", DSAPublicKey: "dsa"},
		Signed:   domain.SignedPreKey{KeyID: 1, PublicKey: "spk", Signature: "sig", CreatedAt: time.Now().UTC()},
	}))

	keys := make([]domain.OneTimePreKey, otks)
	for i := range keys {
		keys[i] = domain.OneTimePreKey{ID: uuid.New(), DeviceID: deviceID, KeyID: uint32(i + 1), PublicKey: "otk"}
	}
	n, err := st.OneTimePreKeys().AddBatch(ctx, keys)
	require.NoError(t, err)
	require.EqualValues(t, otks, n)
	return userID, deviceID
}

func TestOneTimePreKeyConsumeNext(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	_, deviceID := seedDevice(t, st, 2)

	seen := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		key, err := st.OneTimePreKeys().ConsumeNext(ctx, deviceID)
		require.NoError(t, err)
		require.NotNil(t, key)
		require.NotNil(t, key.ConsumedAt)
		require.False(t, seen[key.KeyID], "key %d handed out twice", key.KeyID)
		seen[key.KeyID] = true
	}

	key, err := st.OneTimePreKeys().ConsumeNext(ctx, deviceID)
	require.NoError(t, err)
	require.Nil(t, key)

	n, err := st.OneTimePreKeys().CountAvailable(ctx, deviceID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOneTimePreKeyAddBatchIgnoresDuplicates(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	_, deviceID := seedDevice(t, st, 3)

	n, err := st.OneTimePreKeys().AddBatch(ctx, []domain.OneTimePreKey{
		{ID: uuid.New(), DeviceID: deviceID, KeyID: 2, PublicKey: "dup"},
		{ID: uuid.New(), DeviceID: deviceID, KeyID: 9, PublicKey: "new"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	avail, err := st.OneTimePreKeys().CountAvailable(ctx, deviceID)
	require.NoError(t, err)
	require.EqualValues(t, 4, avail)
}

func TestUserDeleteRemovesDeviceKeys(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	userID, deviceID := seedDevice(t, st, 2)

	deleted, err := st.Users().Delete(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{
		"identityKeys":   1,
		"signedPreKeys":  1,
		"oneTimePreKeys": 2,
		"devices":        1,
		"users":          1,
	}, deleted)

	_, err = st.Devices().Get(ctx, deviceID)
	require.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestDeviceKeysReplaceSignedPreKey(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	_, deviceID := seedDevice(t, st, 0)

	keys, err := st.Devices().Keys(ctx, deviceID)
	require.NoError(t, err)
	require.Equal(t, "kem", keys.Identity.KEMPublicKey)
	require.EqualValues(t, 1, keys.Signed.KeyID)

	require.NoError(t, st.Devices().ReplaceSignedPreKey(ctx, domain.SignedPreKey{
		DeviceID: deviceID, KeyID: 2, PublicKey: "spk2", Signature: "sig2", CreatedAt: time.Now().UTC(),
	}))
	keys, err = st.Devices().Keys(ctx, deviceID)
	require.NoError(t, err)
	require.EqualValues(t, 2, keys.Signed.KeyID)
	require.Equal(t, "spk2", keys.Signed.PublicKey)

	_, err = st.Devices().Keys(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestWithTxRollsBack(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	userID := uuid.New()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Users().Ensure(ctx, userID); err != nil {
			return err
		}
		return tx.Devices().Publish(ctx, domain.Device{ID: uuid.New(), UserID: userID}, store.PublishedKeys{
			Identity: domain.IdentityKey{KEMPublicKey: "kem", DSAPublicKey: "dsa"},
			Signed:   domain.SignedPreKey{KeyID: 1, PublicKey: "spk", Signature: "sig", CreatedAt: time.Now().UTC()},
		})
	})
	require.NoError(t, err)

	deviceID := uuid.New()
	err = st.RunInTx(ctx, func(ctx context.Context) error {
		keys := store.PublishedKeys{
			Identity: domain.IdentityKey{KEMPublicKey: "kem", DSAPublicKey: "dsa"},
			Signed:   domain.SignedPreKey{KeyID: 1, PublicKey: "spk", Signature: "sig", CreatedAt: time.Now().UTC()},
		}
		if err := st.Devices().Publish(ctx, domain.Device{ID: deviceID, UserID: userID}, keys); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.Devices().Get(ctx, deviceID)
	require.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestDuplicateInsertIsConflict(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	spk := &cryptocore.SignedPrekey{ID: 1, PublicKey: []byte{1}, SecretKey: []byte{2}, Signature: []byte{3}, CreatedAt: time.Now().UTC()}

	require.NoError(t, st.LocalPrekeys().PutSignedPrekey(ctx, spk))
	require.ErrorIs(t, st.LocalPrekeys().PutSignedPrekey(ctx, spk), store.ErrConflict)
}

func TestLocalPrekeys(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	prekeys := st.LocalPrekeys()

	id, err := prekeys.LatestSignedPrekeyID(ctx)
	require.NoError(t, err)
	require.Zero(t, id)

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, prekeys.PutSignedPrekey(ctx, &cryptocore.SignedPrekey{ID: 1, PublicKey: []byte{1}, SecretKey: []byte{1}, Signature: []byte{1}, CreatedAt: old}))
	require.NoError(t, prekeys.PutSignedPrekey(ctx, &cryptocore.SignedPrekey{ID: 2, PublicKey: []byte{2}, SecretKey: []byte{2}, Signature: []byte{2}, CreatedAt: old}))

	id, err = prekeys.LatestSignedPrekeyID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, id)

	spk, err := prekeys.SignedPrekey(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, spk.SecretKey)

	pruned, err := prekeys.PruneSignedPrekeys(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)
	_, err = prekeys.SignedPrekey(ctx, 1)
	require.ErrorIs(t, err, store.ErrRecordNotFound)

	next, err := prekeys.NextOneTimePrekeyID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, next)

	require.NoError(t, prekeys.PutOneTimePrekeys(ctx, []cryptocore.OneTimePrekey{
		{ID: 1, PublicKey: []byte{1}, SecretKey: []byte{11}},
		{ID: 2, PublicKey: []byte{2}, SecretKey: []byte{22}},
	}))
	next, err = prekeys.NextOneTimePrekeyID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, next)

	otk, err := prekeys.OneTimePrekey(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{22}, otk.SecretKey)

	_, err = prekeys.OneTimePrekey(ctx, 7)
	require.ErrorIs(t, err, store.ErrRecordNotFound)

	require.NoError(t, prekeys.PutOneTimePrekeys(ctx, []cryptocore.OneTimePrekey{
		{ID: math.MaxUint32, PublicKey: []byte{9}, SecretKey: []byte{99}},
	}))
	_, err = prekeys.NextOneTimePrekeyID(ctx)
	require.ErrorIs(t, err, store.ErrPrekeyIDsExhausted)
}

func TestConsumeOneTimePrekeyOnce(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	prekeys := st.LocalPrekeys()
	require.NoError(t, prekeys.PutOneTimePrekeys(ctx, []cryptocore.OneTimePrekey{{ID: 5, PublicKey: []byte{5}, SecretKey: []byte{55}}}))

	const racers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		consumed int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := prekeys.ConsumeOneTimePrekey(ctx, 5, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrPrekeyConsumed):
				consumed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, racers-1, consumed)
	require.ErrorIs(t, store.ErrPrekeyConsumed, cryptocore.ErrHandshakeFailure)

	_, err := prekeys.OneTimePrekey(ctx, 5)
	require.ErrorIs(t, err, store.ErrPrekeyConsumed)

	n, err := prekeys.CountAvailable(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.ErrorIs(t, prekeys.ConsumeOneTimePrekey(ctx, 99, nil), store.ErrRecordNotFound)
}

func TestConsumeOneTimePrekeyRollsBackOnFailure(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	prekeys := st.LocalPrekeys()
	states := st.States()
	require.NoError(t, prekeys.PutOneTimePrekeys(ctx, []cryptocore.OneTimePrekey{{ID: 1, PublicKey: []byte{1}, SecretKey: []byte{1}}}))

	boom := errors.New("boom")
	err := prekeys.ConsumeOneTimePrekey(ctx, 1, func(ctx context.Context) error {
		if err := states.Save(ctx, "conv", []byte("state")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = states.Load(ctx, "conv")
	require.ErrorIs(t, err, serializer.ErrNotFound)
	_, err = prekeys.OneTimePrekey(ctx, 1)
	require.NoError(t, err)

	err = prekeys.ConsumeOneTimePrekey(ctx, 1, func(ctx context.Context) error {
		return states.Save(ctx, "conv", []byte("state"))
	})
	require.NoError(t, err)
	got, err := states.Load(ctx, "conv")
	require.NoError(t, err)
	require.Equal(t, []byte("state"), got)
}

func TestStateStore(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	states := st.States()

	_, err := states.Load(ctx, "a")
	require.ErrorIs(t, err, serializer.ErrNotFound)

	require.NoError(t, states.Save(ctx, "a", []byte{1}))
	require.NoError(t, states.Save(ctx, "a", []byte{2}))
	got, err := states.Load(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte{2}, got)

	require.NoError(t, states.Delete(ctx, "a"))
	_, err = states.Load(ctx, "a")
	require.ErrorIs(t, err, serializer.ErrNotFound)
}

func TestSerializerOverStateStore(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	s := serializer.New(st.States())

	for i := 0; i < 3; i++ {
		_, err := s.Do(ctx, "conv", func(_ context.Context, current []byte) ([]byte, error) {
			return append(current, byte(i)), nil
		})
		require.NoError(t, err)
	}
	got, err := st.States().Load(ctx, "conv")
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2}, got)
}
