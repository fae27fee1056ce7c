package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/memtierd/memtierd/internal/dispatcher"
)

func TestMemoryJournal_RetainsMostRecentUpToCapacity(t *testing.T) {
	t.Parallel()
	j := NewMemoryJournal(3)

	for i := 0; i < 5; i++ {
		err := j.Record(context.Background(), dispatcher.AuditEntry{
			UID:       fmt.Sprintf("u%d", i),
			Type:      "store",
			Direction: "request",
			Timestamp: time.Unix(int64(i), 0),
		})
		require.NoError(t, err)
	}

	entries := j.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "u2", entries[0].UID)
	require.Equal(t, "u4", entries[2].UID)
}

func TestMemoryJournal_ZeroCapacityIsUnbounded(t *testing.T) {
	t.Parallel()
	j := NewMemoryJournal(0)

	for i := 0; i < 50; i++ {
		require.NoError(t, j.Record(context.Background(), dispatcher.AuditEntry{UID: "u", Type: "query"}))
	}
	require.Len(t, j.Entries(), 50)
}
