package outlook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/datalens/pkg/commandqueue"
	"github.com/harun/datalens/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Status(ctx context.Context, sharedAddress string) (*Status, error) {
	args := m.Called(ctx, sharedAddress)
	st, _ := args.Get(0).(*Status)
	return st, args.Error(1)
}

func (m *mockBackend) AdvancedSearch(ctx context.Context, q SearchQuery) ([]Email, error) {
	args := m.Called(ctx, q)
	emails, _ := args.Get(0).([]Email)
	return emails, args.Error(1)
}

func (m *mockBackend) RestrictSearch(ctx context.Context, q SearchQuery) ([]Email, error) {
	args := m.Called(ctx, q)
	emails, _ := args.Get(0).([]Email)
	return emails, args.Error(1)
}

func forMailbox(mb Mailbox) interface{} {
	return mock.MatchedBy(func(q SearchQuery) bool { return q.Mailbox == mb })
}

func newTestClient(t *testing.T, backend Backend, mutate func(*Config)) *Client {
	t.Helper()

	queue := commandqueue.New()
	t.Cleanup(func() { _ = queue.Close() })

	cfg := DefaultConfig()
	cfg.SharedMailboxEmail = "team@example.com"
	cfg.Logger = zerolog.Nop()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg, backend, queue)
}

func TestAdvancedSearchHitsSkipRestrict(t *testing.T) {
	backend := &mockBackend{}
	backend.On("AdvancedSearch", mock.Anything, forMailbox(MailboxPersonal)).
		Return([]Email{{Subject: "INC-1 outage", SenderName: "Ana"}}, nil)
	c := newTestClient(t, backend, func(cfg *Config) { cfg.SearchSharedMailbox = false })

	resp, err := c.SearchEmailChain(context.Background(), "INC-1", true, true)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Summary.TotalEmails)
	assert.Equal(t, MailboxPersonal, resp.Conversations[0].Emails[0].MailboxType)
	backend.AssertNotCalled(t, "RestrictSearch", mock.Anything, mock.Anything)
	backend.AssertExpectations(t)
}

func TestFallbackOnZeroAdvancedResults(t *testing.T) {
	backend := &mockBackend{}
	backend.On("AdvancedSearch", mock.Anything, forMailbox(MailboxPersonal)).Return([]Email{}, nil)
	backend.On("RestrictSearch", mock.Anything, forMailbox(MailboxPersonal)).
		Return([]Email{{Subject: "RE: INC-1", SenderName: "Bo"}}, nil)
	c := newTestClient(t, backend, nil)

	resp, err := c.SearchEmailChain(context.Background(), "INC-1", true, false)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Summary.TotalEmails)
	assert.Equal(t, "INC-1", resp.Conversations[0].Subject)
	backend.AssertExpectations(t)
}

func TestFallbackOnAdvancedFailure(t *testing.T) {
	backend := &mockBackend{}
	backend.On("AdvancedSearch", mock.Anything, mock.Anything).Return(nil, errors.New("search engine offline"))
	backend.On("RestrictSearch", mock.Anything, forMailbox(MailboxPersonal)).
		Return([]Email{{Subject: "a"}}, nil)
	backend.On("RestrictSearch", mock.Anything, forMailbox(MailboxShared)).
		Return([]Email{{Subject: "b"}, {Subject: "c"}}, nil)
	c := newTestClient(t, backend, nil)

	resp, err := c.SearchEmailChain(context.Background(), "x", true, true)
	require.NoError(t, err)

	assert.Equal(t, 3, resp.Summary.TotalEmails)
	assert.Equal(t, map[Mailbox]int{MailboxPersonal: 1, MailboxShared: 2}, resp.Summary.MailboxDistribution)
	backend.AssertNumberOfCalls(t, "AdvancedSearch", 2)
	backend.AssertNumberOfCalls(t, "RestrictSearch", 2)
}

func TestBothSearchesFailingYieldsEmptyResult(t *testing.T) {
	backend := &mockBackend{}
	backend.On("AdvancedSearch", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))
	backend.On("RestrictSearch", mock.Anything, mock.Anything).Return(nil, ErrMailboxUnavailable)
	c := newTestClient(t, backend, nil)

	resp, err := c.SearchEmailChain(context.Background(), "x", true, true)
	require.NoError(t, err)
	assert.Zero(t, resp.Summary.TotalEmails)

	out, ok := FormatEmailChain(resp).(NoResults)
	require.True(t, ok)
	assert.Contains(t, out.Guidance, "No emails found matching 'x'")
}

func TestSharedMailboxRequiresAddress(t *testing.T) {
	backend := &mockBackend{}
	backend.On("AdvancedSearch", mock.Anything, forMailbox(MailboxPersonal)).Return([]Email{{Subject: "a"}}, nil)
	c := newTestClient(t, backend, func(cfg *Config) { cfg.SharedMailboxEmail = "" })

	_, err := c.SearchEmailChain(context.Background(), "x", true, true)
	require.NoError(t, err)
	backend.AssertNumberOfCalls(t, "AdvancedSearch", 1)
}

func TestSearchQueryCarriesConfig(t *testing.T) {
	backend := &mockBackend{}
	var got SearchQuery
	backend.On("AdvancedSearch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(SearchQuery) }).
		Return([]Email{{Subject: "a"}}, nil)
	c := newTestClient(t, backend, func(cfg *Config) {
		cfg.MaxSearchResults = 7
		cfg.SearchAllFolders = true
		cfg.SearchTimeout = 12 * time.Second
	})

	_, err := c.SearchEmailChain(context.Background(), "deadlock", false, true)
	require.NoError(t, err)
	assert.Equal(t, SearchQuery{
		Text:          "deadlock",
		Mailbox:       MailboxShared,
		SharedAddress: "team@example.com",
		MaxResults:    7,
		AllFolders:    true,
		Timeout:       12 * time.Second,
	}, got)
}

func TestResultsCappedAndBodiesCleaned(t *testing.T) {
	backend := &mockBackend{}
	emails := make([]Email, 5)
	for i := range emails {
		emails[i] = Email{Subject: "s", Body: "<p>Hello\n\n  <b>world</b></p>"}
	}
	backend.On("AdvancedSearch", mock.Anything, mock.Anything).Return(emails, nil)
	c := newTestClient(t, backend, func(cfg *Config) {
		cfg.MaxSearchResults = 3
		cfg.SearchSharedMailbox = false
	})

	resp, err := c.SearchEmailChain(context.Background(), "x", true, true)
	require.NoError(t, err)
	require.Equal(t, 3, resp.Summary.TotalEmails)
	assert.Equal(t, "Hello world", resp.Conversations[0].Emails[0].Body)
}

func TestWorkerTimeoutReleasesCallerAndLaneKeepsServing(t *testing.T) {
	old := waitSlack
	waitSlack = 30 * time.Millisecond
	t.Cleanup(func() { waitSlack = old })

	cancelled := make(chan struct{})
	backend := &mockBackend{}
	backend.On("Status", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
			close(cancelled)
		}).
		Return(nil, context.Canceled).Once()
	backend.On("Status", mock.Anything, mock.Anything).Return(&Status{Connected: true}, nil)

	c := newTestClient(t, backend, func(cfg *Config) { cfg.SearchTimeout = 20 * time.Millisecond })
	assert.Equal(t, 50*time.Millisecond, c.MaxWait())

	start := time.Now()
	_, err := c.CheckConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("work item context was not cancelled")
	}

	st, err := c.CheckConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Connected)
}

func TestCallerCancellationIsNotWorkerTimeout(t *testing.T) {
	backend := &mockBackend{}
	backend.On("Status", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(nil, context.Canceled)
	c := newTestClient(t, backend, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.CheckConnection(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWorkerTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// serialBackend records how many calls overlap.
type serialBackend struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (b *serialBackend) enter() {
	n := b.inFlight.Add(1)
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	b.inFlight.Add(-1)
}

func (b *serialBackend) Status(context.Context, string) (*Status, error) {
	b.enter()
	return &Status{Connected: true}, nil
}

func (b *serialBackend) AdvancedSearch(context.Context, SearchQuery) ([]Email, error) {
	b.enter()
	return []Email{{Subject: "x"}}, nil
}

func (b *serialBackend) RestrictSearch(context.Context, SearchQuery) ([]Email, error) {
	b.enter()
	return nil, nil
}

func TestBackendCallsNeverOverlap(t *testing.T) {
	backend := &serialBackend{}
	c := newTestClient(t, backend, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := c.CheckConnection(context.Background())
				assert.NoError(t, err)
				return
			}
			_, err := c.SearchEmailChain(context.Background(), "x", true, true)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), backend.maxSeen.Load())
}

func TestTools(t *testing.T) {
	backend := &mockBackend{}
	backend.On("Status", mock.Anything, "team@example.com").Return(nil, ErrNotSupported)
	backend.On("AdvancedSearch", mock.Anything, forMailbox(MailboxShared)).
		Return([]Email{{Subject: "FW: Deploy", SenderName: "Cy", ReceivedTime: "2026-01-02 10:00:00"}}, nil)
	c := newTestClient(t, backend, nil)

	cfg := toolexecutor.DefaultConfig()
	cfg.Logger = zerolog.Nop()
	te := toolexecutor.NewWithConfig(cfg)
	require.NoError(t, RegisterTools(te, c))
	assert.Len(t, te.FilterByGroup(toolexecutor.GroupOutlook), len(ToolNames()))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(te.Dispatch(context.Background(), "outlookCheckConnection", "")), &out))
	assert.Equal(t, "error", out["status"])
	assert.Equal(t, false, out["connected"])
	assert.Contains(t, out["error"], "only available on Windows")

	out = nil
	require.NoError(t, json.Unmarshal([]byte(te.Dispatch(context.Background(), "outlookGetEmailChain",
		`{"searchText":"deploy","includePersonal":false}`)), &out))
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "deploy", out["search_text"])
	convs := out["conversations"].([]interface{})
	require.Len(t, convs, 1)
	assert.Equal(t, "Deploy", convs[0].(map[string]interface{})["subject"])
	backend.AssertNotCalled(t, "AdvancedSearch", mock.Anything, forMailbox(MailboxPersonal))
}
