package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quoteflow/config"
	"quoteflow/feed"
	"quoteflow/internal/channel"
	"quoteflow/models"
)

type fakeAdapter struct {
	mu          sync.Mutex
	events      chan feed.Event
	connects    int
	disconnects int
	subscribed  []string
	connectErr  error
	panicOnConn bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan feed.Event, 16)}
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnConn {
		panic("broken adapter")
	}
	f.connects++
	return f.connectErr
}

func (f *fakeAdapter) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeAdapter) Subscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbol)
	return nil
}

func (f *fakeAdapter) Unsubscribe(symbol string) error { return nil }

func (f *fakeAdapter) Events() <-chan feed.Event { return f.events }

func (f *fakeAdapter) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type countingFactory struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
	template func() *fakeAdapter
}

func (c *countingFactory) build(models.Account) (feed.Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := newFakeAdapter()
	if c.template != nil {
		a = c.template()
	}
	c.adapters = append(c.adapters, a)
	return a, nil
}

func (c *countingFactory) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.adapters)
}

func testSupervisor(t *testing.T, accounts []models.Account) (*Supervisor, *countingFactory, *channel.Channels, context.CancelFunc) {
	t.Helper()

	ch := channel.NewChannels(64, 64, 256)
	factory := &countingFactory{}
	cfg := config.SupervisorConfig{ReconnectDelay: config.Duration(10 * time.Millisecond)}

	s := New(cfg, ch, accounts)
	s.SetAdapterFactory(factory.build)

	ctx, cancel := context.WithCancel(context.Background())
	go drainConnEvents(ctx, ch)

	if err := s.Run(ctx); err != nil {
		cancel()
		t.Fatalf("Run() error = %v", err)
	}
	return s, factory, ch, cancel
}

func drainConnEvents(ctx context.Context, ch *channel.Channels) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.ConnEvents:
		}
	}
}

func waitForState(t *testing.T, s *Supervisor, accountID string, want models.ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := s.Status(accountID)
		if err == nil && status.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := s.Status(accountID)
	t.Fatalf("account %s state = %s, want %s", accountID, status.State, want)
}

func testAccount(id string) models.Account {
	return models.Account{
		ID:       id,
		FeedType: models.FeedBinanceFutures,
		Priority: 1,
		Enabled:  true,
		Symbols:  []string{"BTCUSDT"},
	}
}

func TestStartReturnsErrAlreadyRunning(t *testing.T) {
	s, _, _, cancel := testSupervisor(t, []models.Account{testAccount("acct-1")})
	defer cancel()
	defer s.Close()

	waitForState(t, s, "acct-1", models.ConnConnected)

	if err := s.Start("acct-1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start() on running account error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartUnknownAccount(t *testing.T) {
	s, _, _, cancel := testSupervisor(t, nil)
	defer cancel()

	if err := s.Start("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start() on unknown account error = %v, want ErrNotFound", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, _, _, cancel := testSupervisor(t, []models.Account{testAccount("acct-1")})
	defer cancel()

	waitForState(t, s, "acct-1", models.ConnConnected)

	if err := s.Stop("acct-1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Stop("acct-1"); err != nil {
		t.Fatalf("second Stop() error = %v, want nil", err)
	}

	status, err := s.Status("acct-1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.State != models.ConnStopped {
		t.Fatalf("state after stop = %s, want %s", status.State, models.ConnStopped)
	}
}

func TestHardRestartBuildsFreshAdapter(t *testing.T) {
	s, factory, _, cancel := testSupervisor(t, []models.Account{testAccount("acct-1")})
	defer cancel()
	defer s.Close()

	waitForState(t, s, "acct-1", models.ConnConnected)

	if err := s.HardRestart("acct-1"); err != nil {
		t.Fatalf("HardRestart() error = %v", err)
	}
	waitForState(t, s, "acct-1", models.ConnConnected)

	if got := factory.count(); got != 2 {
		t.Fatalf("adapter builds = %d, want 2", got)
	}
	if got := factory.adapters[0].connectCount(); got != 1 {
		t.Fatalf("old adapter connects = %d, want 1", got)
	}
}

func TestWorkerReconnectsAfterTransportLoss(t *testing.T) {
	s, factory, _, cancel := testSupervisor(t, []models.Account{testAccount("acct-1")})
	defer cancel()
	defer s.Close()

	waitForState(t, s, "acct-1", models.ConnConnected)

	factory.adapters[0].events <- feed.Event{Type: feed.EventStatus, Connected: false, Err: errors.New("socket closed")}

	deadline := time.Now().Add(2 * time.Second)
	for factory.adapters[0].connectCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("connects after transport loss = %d, want >= 2", factory.adapters[0].connectCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitForState(t, s, "acct-1", models.ConnConnected)
}

func TestAdapterPanicDoesNotTakeDownOthers(t *testing.T) {
	accounts := []models.Account{testAccount("good"), testAccount("bad")}
	ch := channel.NewChannels(64, 64, 256)
	cfg := config.SupervisorConfig{ReconnectDelay: config.Duration(10 * time.Millisecond)}

	s := New(cfg, ch, accounts)
	s.SetAdapterFactory(func(account models.Account) (feed.Adapter, error) {
		a := newFakeAdapter()
		if account.ID == "bad" {
			a.panicOnConn = true
		}
		return a, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainConnEvents(ctx, ch)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer s.Close()

	waitForState(t, s, "good", models.ConnConnected)
	waitForState(t, s, "bad", models.ConnDisconnected)
}

func TestApplyAccountsStartsAndStops(t *testing.T) {
	s, _, _, cancel := testSupervisor(t, []models.Account{testAccount("acct-1")})
	defer cancel()
	defer s.Close()

	waitForState(t, s, "acct-1", models.ConnConnected)

	disabled := testAccount("acct-1")
	disabled.Enabled = false
	s.ApplyAccounts([]models.Account{disabled, testAccount("acct-2")})

	waitForState(t, s, "acct-1", models.ConnStopped)
	waitForState(t, s, "acct-2", models.ConnConnected)
}

func TestWorkerForwardsTicksToObserver(t *testing.T) {
	ch := channel.NewChannels(64, 64, 256)
	cfg := config.SupervisorConfig{ReconnectDelay: config.Duration(10 * time.Millisecond)}
	factory := &countingFactory{}

	observed := make(chan models.Tick, 1)
	s := New(cfg, ch, []models.Account{testAccount("acct-1")})
	s.SetAdapterFactory(factory.build)
	s.SetObserver(observerFunc(func(accountID string, tick models.Tick) {
		select {
		case observed <- tick:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainConnEvents(ctx, ch)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer s.Close()

	waitForState(t, s, "acct-1", models.ConnConnected)

	tick := models.Tick{Symbol: "BTCUSDT", AccountID: "acct-1", Sequence: 42, Price: 50000}
	factory.adapters[0].events <- feed.Event{Type: feed.EventTick, Tick: tick}

	select {
	case got := <-observed:
		if got.Sequence != 42 {
			t.Fatalf("observed sequence = %d, want 42", got.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer never saw the tick")
	}

	select {
	case got := <-ch.RawTicks:
		if got.Symbol != "BTCUSDT" {
			t.Fatalf("raw tick symbol = %s, want BTCUSDT", got.Symbol)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("raw tick never reached the channel")
	}
}

type observerFunc func(accountID string, t models.Tick)

func (f observerFunc) ObserveTick(accountID string, t models.Tick) { f(accountID, t) }

func TestStopAndRestartCarryDistinctReasons(t *testing.T) {
	ch := channel.NewChannels(64, 64, 256)
	cfg := config.SupervisorConfig{ReconnectDelay: config.Duration(10 * time.Millisecond)}
	factory := &countingFactory{}

	s := New(cfg, ch, []models.Account{testAccount("acct-1")})
	s.SetAdapterFactory(factory.build)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer s.Close()

	waitForState(t, s, "acct-1", models.ConnConnected)

	if err := s.Stop("acct-1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if reason := nextStopReason(t, ch); reason != models.ReasonOperatorStop {
		t.Fatalf("stop reason = %q, want %q", reason, models.ReasonOperatorStop)
	}

	if err := s.Start("acct-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, s, "acct-1", models.ConnConnected)

	if err := s.HardRestart("acct-1"); err != nil {
		t.Fatalf("HardRestart() error = %v", err)
	}
	if reason := nextStopReason(t, ch); reason != models.ReasonHardRestart {
		t.Fatalf("restart stop reason = %q, want %q", reason, models.ReasonHardRestart)
	}
}

func nextStopReason(t *testing.T, ch *channel.Channels) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch.ConnEvents:
			if evt.To == models.ConnStopped {
				return evt.Reason
			}
		case <-deadline:
			t.Fatal("no stopped event observed")
			return ""
		}
	}
}
