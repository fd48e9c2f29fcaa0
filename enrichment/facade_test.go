package enrichment

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twinupdater/cache"
	"twinupdater/model"
)

type stubFetcher struct {
	calls int64
	twin  *model.Twin
	err   error
}

func (f *stubFetcher) FetchThing(ctx context.Context, twinId model.TwinId) (*model.Twin, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.twin.Copy(), nil
}

func newBackend(t *testing.T) cache.Cache[cache.Entry[*model.Twin]] {
	t.Helper()
	backend, err := cache.NewMemoryCache[cache.Entry[*model.Twin]](nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestRetrieveThing_NegativeExpectedRevisionForcesFullFetch(t *testing.T) {
	twinId := model.TwinId("ns:thing1")
	fetcher := &stubFetcher{twin: &model.Twin{TwinId: twinId, Revision: 5, Attributes: map[string]interface{}{"x": 1}}}
	f := NewFacade(newBackend(t), fetcher, time.Hour, 0)

	doc, err := f.RetrieveThing(context.Background(), twinId, nil, -1, false)
	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.EqualValues(t, 1, atomic.LoadInt64(&fetcher.calls))
}

func TestRetrieveThing_AppliesKnownEventsWhenRevisionAligns(t *testing.T) {
	twinId := model.TwinId("ns:thing1")
	fetcher := &stubFetcher{twin: &model.Twin{TwinId: twinId, Revision: 5, Attributes: map[string]interface{}{"x": 1}}}
	f := NewFacade(newBackend(t), fetcher, time.Hour, 0)

	// Prime the cache with a full fetch.
	_, err := f.RetrieveThing(context.Background(), twinId, nil, -1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&fetcher.calls))

	events := []model.Event{
		{TwinId: twinId, Revision: 6, Kind: model.EventAttributeModified, Pointer: "x", Value: 42},
	}
	doc, err := f.RetrieveThing(context.Background(), twinId, events, 6, false)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.EqualValues(t, 1, atomic.LoadInt64(&fetcher.calls), "incremental apply must not trigger another fetch")
}

func TestRetrieveThing_GapFallsBackToFullFetch(t *testing.T) {
	twinId := model.TwinId("ns:thing1")
	fetcher := &stubFetcher{twin: &model.Twin{TwinId: twinId, Revision: 5, Attributes: map[string]interface{}{"x": 1}}}
	f := NewFacade(newBackend(t), fetcher, time.Hour, 0)

	_, err := f.RetrieveThing(context.Background(), twinId, nil, -1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&fetcher.calls))

	// Revision 8 skips 6 and 7: a gap, must force a full fetch.
	events := []model.Event{
		{TwinId: twinId, Revision: 8, Kind: model.EventAttributeModified, Pointer: "x", Value: 99},
	}
	_, err = f.RetrieveThing(context.Background(), twinId, events, 8, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&fetcher.calls), "a revision gap must force a second, full fetch")
}

func TestRetrieveThing_TransientFetchFailureYieldsErrFetchSkipped(t *testing.T) {
	twinId := model.TwinId("ns:thing1")
	fetcher := &stubFetcher{err: assert.AnError}
	f := NewFacade(newBackend(t), fetcher, time.Hour, 0)

	doc, err := f.RetrieveThing(context.Background(), twinId, nil, -1, false)
	assert.ErrorIs(t, err, ErrFetchSkipped, "a transient fetch failure must not be mistaken for a missing entity")
	assert.Nil(t, doc)
}

func TestRetrieveThing_MissingEntityYieldsNilDocumentNoError(t *testing.T) {
	twinId := model.TwinId("ns:thing1")
	fetcher := &stubFetcher{err: model.ErrMissingEntity}
	f := NewFacade(newBackend(t), fetcher, time.Hour, 0)

	doc, err := f.RetrieveThing(context.Background(), twinId, nil, -1, false)
	require.NoError(t, err)
	assert.Nil(t, doc, "a genuinely missing twin must be reported as nil/nil so the caller deletes the search document")
}

func TestRetrieveThing_InvalidateForcesFullFetchEvenWhenEventsAlign(t *testing.T) {
	twinId := model.TwinId("ns:thing1")
	fetcher := &stubFetcher{twin: &model.Twin{TwinId: twinId, Revision: 5, Attributes: map[string]interface{}{"x": 1}}}
	f := NewFacade(newBackend(t), fetcher, time.Hour, 0)

	_, err := f.RetrieveThing(context.Background(), twinId, nil, -1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&fetcher.calls))

	events := []model.Event{
		{TwinId: twinId, Revision: 6, Kind: model.EventAttributeModified, Pointer: "x", Value: 42},
	}
	_, err = f.RetrieveThing(context.Background(), twinId, events, 6, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&fetcher.calls),
		"an invalidateThing signal must force a full fetch even though the cached snapshot could reach expectedRevision incrementally")
}
