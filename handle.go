// SPDX-License-Identifier: GPL-3.0-or-later

package rpcclient

import (
	"context"
	"encoding/json"
)

// Handle represents exactly one outstanding request submitted via
// [Connection.ExecuteWithHandle].
//
// Multiple goroutines may call [Handle.Wait] on the same Handle
// concurrently; each delivered message is consumed by exactly one of
// them. Freeing a Handle (letting it become unreachable) does not cancel
// the request; use [Connection.CancelHandle] for that.
type Handle struct {
	id    string
	entry *registryEntry
}

// Wait blocks until at least one message is available for this handle or
// the handle reaches a terminal state, or ctx is done.
//
// On success it returns the message payload and its [ResponseKind].
// [ResponseUpdate] means more messages (including a later terminal one)
// may still arrive; [ResponseResult] and [ResponseError] are terminal.
// Once some caller has consumed the terminal message, subsequent Wait
// calls return an error with [StatusRequestCompleted] instead of
// blocking.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, ResponseKind, error) {
	return h.entry.wait(ctx)
}
