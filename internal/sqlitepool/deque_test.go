// Copyright 2024 The LockPool Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlitepool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDQueueFIFO(t *testing.T) {
	t.Parallel()

	q := newIDQueue()
	require.Equal(t, 0, q.Len())

	_, ok := q.PopFront()
	require.False(t, ok)

	for i := 0; i < 20; i++ {
		q.PushBack(fmt.Sprintf("id-%d", i))
	}

	require.Equal(t, 20, q.Len())

	for i := 0; i < 20; i++ {
		id, ok := q.PopFront()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("id-%d", i), id)
	}

	require.Equal(t, 0, q.Len())
}

func TestIDQueueGrowsAcrossWrap(t *testing.T) {
	t.Parallel()

	q := newIDQueue()

	// push and pop enough times to wrap the ring buffer around, then grow it,
	// checking FIFO order is preserved throughout
	var want []string

	for round := 0; round < 5; round++ {
		for i := 0; i < 6; i++ {
			id := fmt.Sprintf("r%d-%d", round, i)
			q.PushBack(id)
			want = append(want, id)
		}

		for i := 0; i < 4; i++ {
			id, ok := q.PopFront()
			require.True(t, ok)
			require.Equal(t, want[0], id)
			want = want[1:]
		}
	}

	for len(want) > 0 {
		id, ok := q.PopFront()
		require.True(t, ok)
		require.Equal(t, want[0], id)
		want = want[1:]
	}

	require.Equal(t, 0, q.Len())
}

func TestIDQueueRemove(t *testing.T) {
	t.Parallel()

	q := newIDQueue()
	q.PushBack("a")
	q.PushBack("b")
	q.PushBack("c")

	require.True(t, q.Remove("b"))
	require.False(t, q.Remove("b"))

	id, ok := q.PopFront()
	require.True(t, ok)
	require.Equal(t, "a", id)

	id, ok = q.PopFront()
	require.True(t, ok)
	require.Equal(t, "c", id)

	require.Equal(t, 0, q.Len())
}
