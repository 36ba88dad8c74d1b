// SPDX-License-Identifier: GPL-3.0-or-later

package rpcclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := newRegistry("salt")
	entry, err := r.register("str:1", json.RawMessage(`"1"`))
	require.NoError(t, err)
	require.NotNil(t, entry)

	found, ok := r.lookup("str:1")
	assert.True(t, ok)
	assert.Same(t, entry, found)
}

func TestRegistryRegisterRejectsDuplicateID(t *testing.T) {
	r := newRegistry("salt")
	_, err := r.register("str:1", json.RawMessage(`"1"`))
	require.NoError(t, err)

	_, err = r.register("str:1", json.RawMessage(`"1"`))
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, StatusInvalidInput, rpcErr.Status())
}

func TestRegistryRegisterRejectsWhenClosed(t *testing.T) {
	r := newRegistry("salt")
	r.shutdown(NewError(StatusShutdown, "closed"))

	_, err := r.register("str:1", json.RawMessage(`"1"`))
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, StatusShutdown, rpcErr.Status())
}

func TestRegistryGenerateIDIsUniqueAndSalted(t *testing.T) {
	r := newRegistry("abc")
	first := r.generateID()
	second := r.generateID()
	assert.NotEqual(t, first, second)
	assert.Contains(t, first, "abc-")
}

func TestRegistryDeliverUnknownID(t *testing.T) {
	r := newRegistry("salt")
	err := r.deliver("str:missing", ResponseResult, json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestRegistryDeliverRejectsSecondTerminalFrame(t *testing.T) {
	r := newRegistry("salt")
	_, err := r.register("str:1", json.RawMessage(`"1"`))
	require.NoError(t, err)

	require.NoError(t, r.deliver("str:1", ResponseResult, json.RawMessage(`{}`)))
	err = r.deliver("str:1", ResponseResult, json.RawMessage(`{}`))
	assert.Error(t, err, "a second terminal frame for the same id is a protocol violation")
}

func TestRegistryEntryWaitReturnsUpdateThenResult(t *testing.T) {
	r := newRegistry("salt")
	entry, err := r.register("str:1", json.RawMessage(`"1"`))
	require.NoError(t, err)

	require.NoError(t, r.deliver("str:1", ResponseUpdate, json.RawMessage(`{"p":1}`)))
	require.NoError(t, r.deliver("str:1", ResponseResult, json.RawMessage(`{"ok":true}`)))

	ctx := context.Background()
	payload, kind, err := entry.wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResponseUpdate, kind)
	assert.JSONEq(t, `{"p":1}`, string(payload))

	payload, kind, err = entry.wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResponseResult, kind)
	assert.JSONEq(t, `{"ok":true}`, string(payload))
}

func TestRegistryEntryWaitAfterTerminalConsumedReturnsRequestCompleted(t *testing.T) {
	r := newRegistry("salt")
	entry, err := r.register("str:1", json.RawMessage(`"1"`))
	require.NoError(t, err)
	require.NoError(t, r.deliver("str:1", ResponseResult, json.RawMessage(`{}`)))

	_, _, err = entry.wait(context.Background())
	require.NoError(t, err)

	_, _, err = entry.wait(context.Background())
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, StatusRequestCompleted, rpcErr.Status())
}

func TestRegistryEntryWaitRespectsContextCancellation(t *testing.T) {
	r := newRegistry("salt")
	entry, err := r.register("str:1", json.RawMessage(`"1"`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = entry.wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestRegistryMultiWaiterFairness exercises the spec's multi-waiter
// scenario: several goroutines Wait() on the same handle concurrently, and
// each delivered message (including the terminal one) is claimed by
// exactly one of them.
func TestRegistryMultiWaiterFairness(t *testing.T) {
	r := newRegistry("salt")
	entry, err := r.register("str:1", json.RawMessage(`"1"`))
	require.NoError(t, err)

	const waiters = 5
	results := make(chan ResponseKind, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, kind, err := entry.wait(context.Background())
			if err == nil {
				results <- kind
			} else {
				results <- 0
			}
		}()
	}

	// Give waiters a moment to block before delivering.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.deliver("str:1", ResponseUpdate, json.RawMessage(`{}`)))
	require.NoError(t, r.deliver("str:1", ResponseUpdate, json.RawMessage(`{}`)))
	require.NoError(t, r.deliver("str:1", ResponseUpdate, json.RawMessage(`{}`)))
	require.NoError(t, r.deliver("str:1", ResponseUpdate, json.RawMessage(`{}`)))
	require.NoError(t, r.deliver("str:1", ResponseResult, json.RawMessage(`{}`)))

	wg.Wait()
	close(results)

	var updates, resultCount int
	for kind := range results {
		switch kind {
		case ResponseUpdate:
			updates++
		case ResponseResult:
			resultCount++
		}
	}
	assert.Equal(t, 4, updates)
	assert.Equal(t, 1, resultCount)
}

func TestRegistryCancelAcknowledgedTerminatesEntry(t *testing.T) {
	r := newRegistry("salt")
	entry, err := r.register("str:1", json.RawMessage(`"1"`))
	require.NoError(t, err)

	r.cancelAcknowledged("str:1")

	_, _, err = entry.wait(context.Background())
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, StatusRequestCompleted, rpcErr.Status())
}

func TestRegistryCancelAcknowledgedLosesRaceToPriorTerminal(t *testing.T) {
	r := newRegistry("salt")
	entry, err := r.register("str:1", json.RawMessage(`"1"`))
	require.NoError(t, err)

	require.NoError(t, r.deliver("str:1", ResponseResult, json.RawMessage(`{"ok":true}`)))
	r.cancelAcknowledged("str:1")

	payload, kind, err := entry.wait(context.Background())
	require.NoError(t, err, "the peer's result arrived first and wins the race")
	assert.Equal(t, ResponseResult, kind)
	assert.JSONEq(t, `{"ok":true}`, string(payload))
}

func TestRegistryShutdownTerminatesAllPendingEntries(t *testing.T) {
	r := newRegistry("salt")
	first, err := r.register("str:1", json.RawMessage(`"1"`))
	require.NoError(t, err)
	second, err := r.register("str:2", json.RawMessage(`"2"`))
	require.NoError(t, err)

	shutErr := NewError(StatusShutdown, "connection closed")
	r.shutdown(shutErr)

	for _, e := range []*registryEntry{first, second} {
		_, _, err := e.wait(context.Background())
		require.Error(t, err)
		var rpcErr *Error
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, StatusShutdown, rpcErr.Status())
	}

	gotErr, closed := r.isShutdown()
	assert.True(t, closed)
	assert.Same(t, shutErr, gotErr)
}

func TestRegistryShutdownIsIdempotent(t *testing.T) {
	r := newRegistry("salt")
	r.shutdown(NewError(StatusShutdown, "first"))
	r.shutdown(NewError(StatusShutdown, "second"))

	gotErr, closed := r.isShutdown()
	assert.True(t, closed)
	assert.Equal(t, "first", gotErr.Message(), "the first shutdown error wins")
}
