package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item string

func (i item) ItemID() string { return string(i) }

func TestPoller_dedup(t *testing.T) {
	mu := sync.Mutex{}
	fetches := 0
	fetcher := FetcherFunc(func(context.Context) ([]Item, error) {
		mu.Lock()
		defer mu.Unlock()
		fetches++
		if fetches == 1 {
			return []Item{item("q1"), item("q2")}, nil
		}
		return []Item{item("q2"), item("q1"), item("q3")}, nil
	})

	got := make(chan string, 10)
	p := Start(context.Background(), fetcher, func(_ context.Context, i Item) {
		got <- i.ItemID()
	}, Options{Interval: time.Millisecond})

	ids := []string{}
	for len(ids) < 3 {
		select {
		case id := <-got:
			ids = append(ids, id)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for items")
		}
	}
	// Let the poller run a few more cycles returning the same items.
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	p.Wait()
	close(got)
	for id := range got {
		ids = append(ids, id)
	}

	assert.Equal(t, []string{"q1", "q2", "q3"}, ids)
}

func TestPoller_errorsDoNotStop(t *testing.T) {
	mu := sync.Mutex{}
	fetches := 0
	fetcher := FetcherFunc(func(context.Context) ([]Item, error) {
		mu.Lock()
		defer mu.Unlock()
		fetches++
		if fetches%2 == 1 {
			return nil, errors.New("node unreachable")
		}
		return []Item{item("q1")}, nil
	})

	errs := make(chan error, 100)
	got := make(chan string, 1)
	p := Start(context.Background(), fetcher, func(_ context.Context, i Item) {
		got <- i.ItemID()
	}, Options{
		Interval: time.Millisecond,
		OnError:  func(err error) { errs <- err },
	})
	defer p.Wait()
	defer p.Stop()

	select {
	case id := <-got:
		assert.Equal(t, "q1", id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for item")
	}
	require.NotEmpty(t, errs)
	assert.EqualError(t, <-errs, "node unreachable")
}

func TestPoller_predicate(t *testing.T) {
	fetcher := FetcherFunc(func(context.Context) ([]Item, error) {
		return []Item{item("skip"), item("keep")}, nil
	})
	got := make(chan string, 10)
	p := Start(context.Background(), fetcher, func(_ context.Context, i Item) {
		got <- i.ItemID()
	}, Options{
		Interval:  time.Millisecond,
		Predicate: func(i Item) bool { return i.ItemID() == "keep" },
	})

	select {
	case id := <-got:
		assert.Equal(t, "keep", id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for item")
	}
	p.Stop()
	p.Wait()
	assert.Empty(t, got)
}

func TestPoller_predicateAcceptsLater(t *testing.T) {
	var fetches atomic.Int32
	fetcher := FetcherFunc(func(context.Context) ([]Item, error) {
		fetches.Add(1)
		return []Item{item("q1")}, nil
	})
	got := make(chan string, 10)
	p := Start(context.Background(), fetcher, func(_ context.Context, i Item) {
		got <- i.ItemID()
	}, Options{
		Interval: time.Millisecond,
		// The item qualifies from the third fetch on, as a query does once
		// its fee has been observed.
		Predicate: func(Item) bool { return fetches.Load() >= 3 },
	})

	select {
	case id := <-got:
		assert.Equal(t, "q1", id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for item")
	}
	require.Eventually(t, func() bool { return fetches.Load() >= 10 }, time.Second, time.Millisecond)
	p.Stop()
	p.Wait()
	assert.Empty(t, got)
}

func TestPoller_stopCooperative(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	once := sync.Once{}
	fetcher := FetcherFunc(func(context.Context) ([]Item, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	})
	p := Start(context.Background(), fetcher, func(context.Context, Item) {}, Options{Interval: time.Millisecond})
	<-started
	p.Stop()

	// The fetch in progress completes before the loop exits.
	select {
	case <-p.Done():
		t.Fatal("poller exited during fetch")
	case <-time.After(10 * time.Millisecond):
	}
	close(release)
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not exit")
	}
}

func TestPoller_contextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := FetcherFunc(func(context.Context) ([]Item, error) { return nil, nil })
	p := Start(ctx, fetcher, func(context.Context, Item) {}, Options{Interval: time.Millisecond})
	cancel()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not exit")
	}
}

func TestStart_defaultInterval(t *testing.T) {
	fetcher := FetcherFunc(func(context.Context) ([]Item, error) { return nil, nil })

	p := Start(context.Background(), fetcher, func(context.Context, Item) {}, Options{BlockInterval: 30 * time.Millisecond})
	assert.Equal(t, 10*time.Millisecond, p.Interval())
	p.Stop()
	p.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p = Start(ctx, fetcher, func(context.Context, Item) {}, Options{})
	assert.Equal(t, time.Second, p.Interval())
	p.Wait()
}
