package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kptv-player/work/metrics"
	"kptv-player/work/types"
)

func TestStoreReplaceNotifiesSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())

	updates := s.Subscribe(ctx)
	s.Replace(
		[]types.Category{{ID: "c", Name: "C", Active: true}},
		[]types.Channel{{ID: "1", Name: "one", StreamURL: "u"}},
	)
	// a second refresh before the first was consumed coalesces
	s.Replace(nil, []types.Channel{{ID: "1"}, {ID: "2"}})

	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	select {
	case <-updates:
		t.Fatal("notifications were not coalesced")
	default:
	}

	channels, err := s.Channels(ctx)
	require.NoError(t, err)
	assert.Len(t, channels, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CatalogChannels))

	cancel()
	assert.Eventually(t, func() bool { return s.subs.Size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore()
	s.Replace([]types.Category{{ID: "c", Name: "C"}}, []types.Channel{{ID: "1", Name: "one"}})

	channels, _ := s.Channels(context.Background())
	channels[0].Name = "changed"
	categories, _ := s.Categories(context.Background())
	categories[0].Name = "changed"

	again, _ := s.Channels(context.Background())
	assert.Equal(t, "one", again[0].Name)
	cats, _ := s.Categories(context.Background())
	assert.Equal(t, "C", cats[0].Name)
}
