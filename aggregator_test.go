package main

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #############################################################################

func newTestAggregator(t *testing.T, n int, params SchemeParams) (*Aggregator, *PublicContext, *Decryptor) {
	t.Helper()
	k := NewKeyAuthority(discardLogger())
	pub, err := k.CreateContext(params)
	require.NoError(t, err)
	a := NewAggregator(n, discardLogger())
	a.SetContext(pub)
	return a, pub, k.AuthorizeDecryptor()
}

func submitAll(t *testing.T, a *Aggregator, pub *PublicContext, vectors [][]float64) {
	t.Helper()
	for i, v := range vectors {
		ct, err := pub.Encrypt(v)
		require.NoError(t, err)
		require.NoError(t, a.Submit(i, ct))
	}
}

// #############################################################################

func TestAggregatorExactSum(t *testing.T) {
	a, pub, d := newTestAggregator(t, 3, SchemeParams{Plaintext: true})
	require.NoError(t, a.Begin(1, 0))
	submitAll(t, a, pub, [][]float64{{1, 2}, {3, 4}, {5, 6}})

	sum, err := a.Reduce()
	require.NoError(t, err)
	got, err := d.Decrypt(sum)
	require.NoError(t, err)
	assert.Equal(t, []float64{9, 12}, got)
}

func TestAggregatorEncryptedSum(t *testing.T) {
	a, pub, d := newTestAggregator(t, 4, testCKKSParams())
	require.NoError(t, a.Begin(1, 0))
	vectors := [][]float64{
		{0.9, 1.8, 2.7, 0.1, 0.2, 0.2, 0.3},
		{0.1, -0.4, 0.5, 1.1, -0.2, -0.2, 0.7},
		{0.5, 2.5, -2.5, 0.4, 0.0, 0.0, 0.9},
		{0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0},
	}
	submitAll(t, a, pub, vectors)

	sum, err := a.Reduce()
	require.NoError(t, err)
	got, err := d.Decrypt(sum)
	require.NoError(t, err)

	var want ContributionVector
	for _, v := range vectors {
		w, err := ContributionFromSlice(v)
		require.NoError(t, err)
		want.Add(w)
	}
	assert.Less(t, RelativeDrift(got, want[:]), 1e-4)
}

func TestAggregatorConcurrentSubmit(t *testing.T) {
	const n = 32
	a, pub, d := newTestAggregator(t, n, SchemeParams{Plaintext: true})
	require.NoError(t, a.Begin(1, 0))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ct, err := pub.Encrypt([]float64{float64(i)})
			assert.NoError(t, err)
			assert.NoError(t, a.Submit(i, ct))
		}(i)
	}
	wg.Wait()

	sum, err := a.Reduce()
	require.NoError(t, err)
	got, err := d.Decrypt(sum)
	require.NoError(t, err)
	assert.Equal(t, []float64{n * (n - 1) / 2}, got)
}

func TestAggregatorIncomplete(t *testing.T) {
	a, pub, _ := newTestAggregator(t, 3, SchemeParams{Plaintext: true})
	require.NoError(t, a.Begin(2, 1))
	submitAll(t, a, pub, [][]float64{{1}, {2}})

	_, err := a.Reduce()
	assert.ErrorIs(t, err, ErrIncompleteAggregation)
	assert.Equal(t, 2, a.Pending())
}

func TestAggregatorCapacity(t *testing.T) {
	a, pub, _ := newTestAggregator(t, 2, SchemeParams{Plaintext: true})
	require.NoError(t, a.Begin(1, 0))
	ct, err := pub.Encrypt([]float64{1})
	require.NoError(t, err)

	require.NoError(t, a.Submit(0, ct))
	assert.ErrorIs(t, a.Submit(0, ct), ErrCapacityMismatch, "duplicate party")
	assert.ErrorIs(t, a.Submit(5, ct), ErrCapacityMismatch, "unknown party")
	assert.ErrorIs(t, a.Submit(-1, ct), ErrCapacityMismatch, "negative id")
	require.NoError(t, a.Submit(1, ct))
	assert.ErrorIs(t, a.Submit(1, ct), ErrCapacityMismatch, "over capacity")
	assert.Equal(t, 2, a.Pending())
}

func TestAggregatorNoOpenSlot(t *testing.T) {
	a, pub, _ := newTestAggregator(t, 1, SchemeParams{Plaintext: true})
	ct, err := pub.Encrypt([]float64{1})
	require.NoError(t, err)

	assert.ErrorIs(t, a.Submit(0, ct), ErrNoOpenSlot)
	_, err = a.Reduce()
	assert.ErrorIs(t, err, ErrNoOpenSlot)
}

func TestAggregatorMustBeCleared(t *testing.T) {
	a, pub, _ := newTestAggregator(t, 2, SchemeParams{Plaintext: true})
	require.NoError(t, a.Begin(1, 0))
	submitAll(t, a, pub, [][]float64{{1}, {2}})
	_, err := a.Reduce()
	require.NoError(t, err)

	ct, _ := pub.Encrypt([]float64{3})
	assert.ErrorIs(t, a.Submit(0, ct), ErrUndrainedBuffer)
	_, err = a.Reduce()
	assert.ErrorIs(t, err, ErrUndrainedBuffer)
	assert.ErrorIs(t, a.Begin(1, 1), ErrUndrainedBuffer)

	a.Clear()
	a.Clear()
	assert.Equal(t, 0, a.Pending())
	require.NoError(t, a.Begin(1, 1))
	submitAll(t, a, pub, [][]float64{{1}, {2}})
}

func TestAggregatorBeginWithPending(t *testing.T) {
	a, pub, _ := newTestAggregator(t, 2, SchemeParams{Plaintext: true})
	require.NoError(t, a.Begin(1, 0))
	submitAll(t, a, pub, [][]float64{{1}})
	assert.ErrorIs(t, a.Begin(1, 1), ErrUndrainedBuffer)
}

func TestAggregatorForeignCiphertext(t *testing.T) {
	a, pub, _ := newTestAggregator(t, 2, SchemeParams{Plaintext: true})
	other, err := NewCryptoContext(SchemeParams{Plaintext: true})
	require.NoError(t, err)

	require.NoError(t, a.Begin(1, 0))
	ct, _ := pub.Encrypt([]float64{1})
	foreign, _ := other.Public().Encrypt([]float64{1})
	require.NoError(t, a.Submit(0, ct))
	require.NoError(t, a.Submit(1, foreign))

	_, err = a.Reduce()
	assert.ErrorIs(t, err, ErrForeignCiphertext)
}

func TestAggregatorSlotsAreIndependent(t *testing.T) {
	a, pub, d := newTestAggregator(t, 2, SchemeParams{Plaintext: true})
	for slot := 0; slot < 3; slot++ {
		t.Run(fmt.Sprintf("slot %d", slot), func(t *testing.T) {
			require.NoError(t, a.Begin(1, slot))
			defer a.Clear()
			v := float64(slot)
			submitAll(t, a, pub, [][]float64{{v}, {v}})
			sum, err := a.Reduce()
			require.NoError(t, err)
			got, err := d.Decrypt(sum)
			require.NoError(t, err)
			assert.Equal(t, []float64{2 * v}, got)
		})
	}
}

// #############################################################################
