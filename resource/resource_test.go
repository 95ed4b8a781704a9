package resource

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransmitterReceiverRoundtrip(t *testing.T) {
	sizes := []int{1, 400, 383, 10 * 1024, 64 * 1024}
	for _, size := range sizes {
		size := size
		t.Run("", func(t *testing.T) {
			payload := make([]byte, size)
			_, err := rand.Read(payload)
			require.NoError(t, err)

			var adv *Advertisement
			var recv *Receiver

			tx, err := NewTransmitter([16]byte{1}, payload,
				func(ctx context.Context, a *Advertisement) error {
					adv = a
					recv = NewReceiver(a)
					return nil
				},
				func(ctx context.Context, index int, data []byte) error {
					return recv.SubmitPart(index, data)
				},
			)
			require.NoError(t, err)

			require.NoError(t, tx.SendAdvertisement(context.Background()))
			require.NotNil(t, adv)

			for i := 0; i < tx.PartCount(); i++ {
				require.NoError(t, tx.ServePart(context.Background(), i))
				tx.Ack(i)
			}
			require.True(t, tx.Done())
			require.True(t, recv.Complete())

			out, err := recv.Reassemble(tx.CompletionHash())
			require.NoError(t, err)
			require.True(t, bytes.Equal(out, payload))
		})
	}
}

func TestReceiverHashMismatchTriggersReRequest(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 900)
	tx, err := NewTransmitter([16]byte{2}, payload, func(context.Context, *Advertisement) error { return nil }, nil)
	require.NoError(t, err)
	adv := tx.Advertisement()
	recv := NewReceiver(adv)

	err = recv.SubmitPart(0, []byte("corrupted"))
	require.ErrorIs(t, err, ErrHashMismatch)
	require.False(t, recv.Complete())
}

func TestServePartRetriesExhausted(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, SDUSize)
	failing := errors.New("simulated timeout")
	tx, err := NewTransmitter([16]byte{3}, payload,
		func(context.Context, *Advertisement) error { return nil },
		func(context.Context, int, []byte) error { return failing },
	)
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < MaxPartRetries; i++ {
		lastErr = tx.ServePart(context.Background(), 0)
		require.ErrorIs(t, lastErr, failing)
	}
	lastErr = tx.ServePart(context.Background(), 0)
	require.ErrorIs(t, lastErr, ErrPartRetriesExhausted)
}

func TestWindowBounds(t *testing.T) {
	adv := &Advertisement{PartHashes: make([]PartHash, 200)}
	recv := NewReceiver(adv)
	require.Equal(t, MinWindow, recv.Window())

	for i := 0; i < 200; i++ {
		recv.mu.Lock()
		recv.window++
		recv.mu.Unlock()
	}
	require.LessOrEqual(t, recv.Window(), 200)
}

func TestCompressionAppliedWhenSmaller(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00}, 100_000)
	tx, err := NewTransmitter([16]byte{4}, payload, func(context.Context, *Advertisement) error { return nil }, nil)
	require.NoError(t, err)
	require.True(t, tx.compressed)
	require.Less(t, len(tx.payload), len(payload))
}
