package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"quoteflow/config"
	"quoteflow/feed"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/models"
)

var (
	ErrAlreadyRunning = errors.New("account already running")
	ErrNotFound       = errors.New("account not found")
)

// AdapterFactory builds a feed adapter for an account. Tests swap in fakes
// here; production uses feed.New with the configured subscribe limits.
type AdapterFactory func(models.Account) (feed.Adapter, error)

// Supervisor owns one worker per running account. All lifecycle operations
// on the same account are serialized, so a hard restart can never race a
// concurrent start or stop for that account; operations on different
// accounts proceed independently.
type Supervisor struct {
	cfg        config.SupervisorConfig
	channels   *channel.Channels
	newAdapter AdapterFactory
	observer   TickObserver
	log        *logger.Entry

	ctx context.Context

	mu       sync.RWMutex
	accounts map[string]models.Account
	workers  map[string]*worker

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(cfg config.SupervisorConfig, channels *channel.Channels, accounts []models.Account) *Supervisor {
	limits := feed.Limits{
		SubscribePerSecond: cfg.SubscribePerSecond,
		SubscribeBurst:     cfg.SubscribeBurst,
	}
	s := &Supervisor{
		cfg:      cfg,
		channels: channels,
		newAdapter: func(account models.Account) (feed.Adapter, error) {
			return feed.New(account, limits)
		},
		log:      logger.GetLogger().WithComponent("supervisor"),
		accounts: make(map[string]models.Account),
		workers:  make(map[string]*worker),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, account := range accounts {
		s.accounts[account.ID] = account
	}
	return s
}

// SetAdapterFactory replaces the adapter constructor. Must be called before
// Run.
func (s *Supervisor) SetAdapterFactory(factory AdapterFactory) {
	s.newAdapter = factory
}

// SetObserver wires the raw-tick observer into every worker started from
// now on. Must be called before Run.
func (s *Supervisor) SetObserver(observer TickObserver) {
	s.observer = observer
}

// Run starts a worker for every enabled account and returns. Workers stop
// when ctx is cancelled or Close is called.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ctx = ctx

	s.mu.RLock()
	ids := make([]string, 0, len(s.accounts))
	for id, account := range s.accounts {
		if account.Enabled {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.Start(id); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			return fmt.Errorf("start account %s: %w", id, err)
		}
	}

	s.log.WithFields(logger.Fields{"accounts": len(ids)}).Info("supervisor started")
	return nil
}

// Start brings up the worker for an account. Returns ErrAlreadyRunning when
// a worker for the account is already live.
func (s *Supervisor) Start(accountID string) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	return s.startLocked(accountID)
}

func (s *Supervisor) startLocked(accountID string) error {
	s.mu.RLock()
	account, ok := s.accounts[accountID]
	_, running := s.workers[accountID]
	s.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if running {
		return ErrAlreadyRunning
	}

	adapter, err := s.newAdapter(account)
	if err != nil {
		return fmt.Errorf("build adapter for %s: %w", accountID, err)
	}

	w := newWorker(account, adapter, s.channels, s.observer, s.cfg.ReconnectDelay.Std())
	s.mu.Lock()
	s.workers[accountID] = w
	s.mu.Unlock()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	w.start(ctx)
	s.log.WithFields(logger.Fields{"account_id": accountID, "feed_type": account.FeedType}).Info("account started")
	return nil
}

// Stop tears down the worker for an account. Stopping an account that is
// not running is a no-op. The stop is deliberate: the health evaluator
// sees the reason and will not try to resurrect the connection.
func (s *Supervisor) Stop(accountID string) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	return s.stopLocked(accountID, models.ReasonOperatorStop)
}

func (s *Supervisor) stopLocked(accountID, reason string) error {
	s.mu.RLock()
	_, known := s.accounts[accountID]
	w, running := s.workers[accountID]
	s.mu.RUnlock()

	if !known {
		return ErrNotFound
	}
	if !running {
		return nil
	}

	w.stop(reason)
	s.mu.Lock()
	delete(s.workers, accountID)
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"account_id": accountID}).Info("account stopped")
	return nil
}

// HardRestart tears the account's connection down unconditionally and
// brings up a fresh one. At most one restart per account runs at a time.
func (s *Supervisor) HardRestart(accountID string) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.stopLocked(accountID, models.ReasonHardRestart); err != nil {
		return err
	}
	logger.IncrementRestartIssued()
	s.log.WithFields(logger.Fields{"account_id": accountID}).Warn("hard restart issued")
	return s.startLocked(accountID)
}

// Status reports the transport state of one account.
func (s *Supervisor) Status(accountID string) (models.AccountStatus, error) {
	s.mu.RLock()
	account, known := s.accounts[accountID]
	w, running := s.workers[accountID]
	s.mu.RUnlock()

	if !known {
		return models.AccountStatus{}, ErrNotFound
	}
	if running {
		return w.status(), nil
	}
	return models.AccountStatus{
		AccountID: account.ID,
		FeedType:  account.FeedType,
		Priority:  account.Priority,
		State:     models.ConnStopped,
	}, nil
}

// Snapshot reports the transport state of every known account.
func (s *Supervisor) Snapshot() []models.AccountStatus {
	s.mu.RLock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	statuses := make([]models.AccountStatus, 0, len(ids))
	for _, id := range ids {
		if status, err := s.Status(id); err == nil {
			statuses = append(statuses, status)
		}
	}
	return statuses
}

// Accounts returns a copy of the current account set.
func (s *Supervisor) Accounts() []models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]models.Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		accounts = append(accounts, account)
	}
	return accounts
}

// ApplyAccounts reconciles the running set against a new account list:
// unknown enabled accounts are started, accounts missing from the list or
// disabled in it are stopped, and accounts whose symbols or settings
// changed are restarted.
func (s *Supervisor) ApplyAccounts(accounts []models.Account) {
	next := make(map[string]models.Account, len(accounts))
	for _, account := range accounts {
		next[account.ID] = account
	}

	s.mu.RLock()
	current := make(map[string]models.Account, len(s.accounts))
	for id, account := range s.accounts {
		current[id] = account
	}
	s.mu.RUnlock()

	for id := range current {
		if _, stillThere := next[id]; !stillThere {
			if err := s.Stop(id); err != nil {
				s.log.WithFields(logger.Fields{"account_id": id}).WithError(err).Warn("stop removed account failed")
			}
			s.mu.Lock()
			delete(s.accounts, id)
			s.mu.Unlock()
		}
	}

	for id, account := range next {
		prev, known := current[id]

		s.mu.Lock()
		s.accounts[id] = account
		s.mu.Unlock()

		switch {
		case !known && account.Enabled:
			if err := s.Start(id); err != nil {
				s.log.WithFields(logger.Fields{"account_id": id}).WithError(err).Warn("start new account failed")
			}
		case known && prev.Enabled && !account.Enabled:
			if err := s.Stop(id); err != nil {
				s.log.WithFields(logger.Fields{"account_id": id}).WithError(err).Warn("stop disabled account failed")
			}
		case known && !prev.Enabled && account.Enabled:
			if err := s.Start(id); err != nil {
				s.log.WithFields(logger.Fields{"account_id": id}).WithError(err).Warn("start enabled account failed")
			}
		case known && account.Enabled && accountChanged(prev, account):
			if err := s.HardRestart(id); err != nil {
				s.log.WithFields(logger.Fields{"account_id": id}).WithError(err).Warn("restart changed account failed")
			}
		}
	}
}

// Close stops every running worker.
func (s *Supervisor) Close() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			s.log.WithFields(logger.Fields{"account_id": id}).WithError(err).Warn("stop on close failed")
		}
	}
	s.log.Info("supervisor closed")
}

func (s *Supervisor) accountLock(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[accountID] = lock
	}
	return lock
}

func accountChanged(a, b models.Account) bool {
	if a.FeedType != b.FeedType || a.Priority != b.Priority {
		return true
	}
	if len(a.Symbols) != len(b.Symbols) {
		return true
	}
	for i := range a.Symbols {
		if a.Symbols[i] != b.Symbols[i] {
			return true
		}
	}
	if len(a.Settings) != len(b.Settings) {
		return true
	}
	for k, v := range a.Settings {
		if b.Settings[k] != v {
			return true
		}
	}
	return false
}
