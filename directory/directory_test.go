package directory

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func snapshotPayload(t *testing.T, peers []PeerInfo) []byte {
	t.Helper()
	payload, err := json.Marshal(peers)
	require.NoError(t, err)
	return payload
}

func sortedIDs(peers []PeerInfo) []int64 {
	ids := make([]int64, 0, len(peers))
	for _, peer := range peers {
		ids = append(ids, peer.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestSnapshotDiffAddsAndRemoves(t *testing.T) {
	dir := New(nil)

	first := dir.ProcessDirectoryMessage(snapshotPayload(t, []PeerInfo{
		{UserID: 10, IP: "10.0.0.1", Port: 9991},
		{UserID: 11, IP: "10.0.0.2", Port: 9992},
		{UserID: 12, IP: "10.0.0.3", Port: 9993},
	}), 1)
	require.Equal(t, []int64{10, 11, 12}, sortedIDs(first.Added))
	require.Empty(t, first.Updated)
	require.Empty(t, first.Removed)

	// {10,11,12} -> {11,12,13}: 13 appears, 10 disappears.
	second := dir.ProcessDirectoryMessage(snapshotPayload(t, []PeerInfo{
		{UserID: 11, IP: "10.0.0.2", Port: 9992},
		{UserID: 12, IP: "10.0.0.3", Port: 9993},
		{UserID: 13, IP: "10.0.0.4", Port: 9994},
	}), 1)
	require.Equal(t, []int64{13}, sortedIDs(second.Added))
	require.Equal(t, []int64{10}, sortedIDs(second.Removed))
	require.Empty(t, second.Updated)

	require.True(t, dir.Online(13))
	require.False(t, dir.Online(10))
}

func TestSnapshotDetectsEndpointChangeAsUpdate(t *testing.T) {
	dir := New(nil)
	dir.ProcessDirectoryMessage(snapshotPayload(t, []PeerInfo{{UserID: 10, IP: "10.0.0.1", Port: 9991}}), 1)

	result := dir.ProcessDirectoryMessage(snapshotPayload(t, []PeerInfo{{UserID: 10, IP: "10.0.0.1", Port: 5555}}), 1)
	require.Empty(t, result.Added)
	require.Empty(t, result.Removed)
	require.Equal(t, []int64{10}, sortedIDs(result.Updated))

	peer, ok := dir.Lookup(10)
	require.True(t, ok)
	require.Equal(t, 5555, peer.Port)
}

func TestSnapshotIgnoresLocalUser(t *testing.T) {
	dir := New(nil)
	result := dir.ProcessDirectoryMessage(snapshotPayload(t, []PeerInfo{
		{UserID: 1, IP: "10.0.0.9", Port: 9999},
		{UserID: 2, IP: "10.0.0.2", Port: 9992},
	}), 1)
	require.Equal(t, []int64{2}, sortedIDs(result.Added))
	require.False(t, dir.Online(1))
}

func TestDeltaEvents(t *testing.T) {
	dir := New(nil)

	added := dir.ProcessDirectoryMessage([]byte(`{"event":"addNewPeer","peer":{"userId":5,"ip":"10.0.0.5","port":9995}}`), 1)
	require.Equal(t, []int64{5}, sortedIDs(added.Added))
	require.True(t, dir.Online(5))

	// Re-adding the same peer is an update, not an add.
	again := dir.ProcessDirectoryMessage([]byte(`{"event":"addNewPeer","peer":{"userId":5,"ip":"10.0.0.5","port":7777}}`), 1)
	require.Empty(t, again.Added)
	require.Equal(t, []int64{5}, sortedIDs(again.Updated))

	removed := dir.ProcessDirectoryMessage([]byte(`{"event":"removePeer","peer":{"userId":5,"ip":"10.0.0.5","port":7777}}`), 1)
	require.Equal(t, []int64{5}, sortedIDs(removed.Removed))
	require.False(t, dir.Online(5))

	// Removing an unknown peer changes nothing.
	noop := dir.ProcessDirectoryMessage([]byte(`{"event":"removePeer","peer":{"userId":99}}`), 1)
	require.True(t, noop.Empty())
}

func TestMalformedAndErrorPayloadsAreInert(t *testing.T) {
	dir := New(nil)
	dir.AddPeer(PeerInfo{UserID: 2, IP: "10.0.0.2", Port: 9992})

	for _, payload := range []string{
		"{not json",
		`{"event":"somethingElse","peer":{"userId":3}}`,
		`{"error":"user unknown"}`,
		`{"event":"addNewPeer"}`,
	} {
		result := dir.ProcessDirectoryMessage([]byte(payload), 1)
		require.True(t, result.Empty(), "payload %q should not change the peer set", payload)
	}
	require.Equal(t, []int64{2}, sortedIDs(dir.Peers()))
}

func TestSubscriptionsScopePresenceQueries(t *testing.T) {
	dir := New(nil)
	dir.AddPeer(PeerInfo{UserID: 2, IP: "10.0.0.2", Port: 9992})
	dir.AddPeer(PeerInfo{UserID: 3, IP: "10.0.0.3", Port: 9993})
	dir.AddPeer(PeerInfo{UserID: 4, IP: "10.0.0.4", Port: 9994})

	// Unscoped user sees everyone.
	require.Len(t, dir.OnlinePeersFor(1), 3)

	dir.SetSubscriptions(1, []int64{2, 4})
	require.Equal(t, []int64{2, 4}, sortedIDs(dir.OnlinePeersFor(1)))

	// Clearing the friend list restores unfiltered results.
	dir.SetSubscriptions(1, nil)
	require.Len(t, dir.OnlinePeersFor(1), 3)
}

func TestFormatAddress(t *testing.T) {
	require.Equal(t, "10.0.0.2:9992", FormatAddress(PeerInfo{UserID: 2, IP: "10.0.0.2", Port: 9992}))
}
