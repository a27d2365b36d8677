// Package integration sets up and tears down config entries: a client, a
// coordinator polling on an interval and the sinks its sensors publish to.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/sunwaysbridge/pkg/coordinator"
	"github.com/raterudder/sunwaysbridge/pkg/entity"
	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/storage"
	"github.com/raterudder/sunwaysbridge/pkg/sunways"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

var (
	// ErrNotReady is returned when an entry could not be set up yet and setup
	// should be retried.
	ErrNotReady = coordinator.ErrNotReady
	// ErrAuthFailed is returned when the API rejected an entry's
	// credentials. The entry is flagged for reauth.
	ErrAuthFailed = errors.New("authentication failed")
)

const persistTimeout = 5 * time.Second

// Options configures a Manager.
type Options struct {
	API           sunways.Options
	ScanInterval  time.Duration
	UpdateTimeout time.Duration
	TopicPrefix   string
}

// Configured registers the polling flags and returns a manager that is
// filled in once the flags are parsed. When an MQTT broker is configured the
// manager connects to it and publishes every entry's sensors.
func Configured(api *sunways.Options, db storage.Database, collector *entity.Collector, mqttCfg *entity.MQTTConfig) *Manager {
	scanInterval := lflag.Duration("scan-interval", coordinator.DefaultScanInterval, "How often each station is polled")
	updateTimeout := lflag.Duration("update-timeout", coordinator.DefaultUpdateTimeout, "Timeout of a single station update")

	m := NewManager(db, collector, nil, Options{})
	lflag.Do(func() {
		m.opts = Options{
			API:           *api,
			ScanInterval:  *scanInterval,
			UpdateTimeout: *updateTimeout,
		}
		if m.opts.ScanInterval <= 0 {
			m.opts.ScanInterval = coordinator.DefaultScanInterval
		}
		if !mqttCfg.Enabled() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		client, err := entity.DialMQTT(ctx, *mqttCfg)
		if err != nil {
			panic(fmt.Errorf("failed to connect to mqtt broker: %w", err))
		}
		m.mqtt = client
		m.disconnect = func() { client.Disconnect(250) }
		m.opts.TopicPrefix = mqttCfg.TopicPrefix
	})
	return m
}

// Runtime is a set up entry.
type Runtime struct {
	Entry       types.Entry
	Client      *sunways.Client
	Coordinator *coordinator.Coordinator
	Sensors     []*entity.Sensor

	mqtt   *entity.MQTTPublisher
	cancel context.CancelFunc
	done   chan struct{}

	// unloaded is set once the runtime is torn down, its client must not
	// write to the stored entry after that
	unloaded atomic.Bool
}

// Manager owns the runtimes of all set up entries.
type Manager struct {
	db        storage.Database
	collector *entity.Collector
	mqtt      entity.Publisher
	opts      Options

	mu       sync.Mutex
	runtimes map[string]*Runtime

	// entryMu serializes read-modify-write cycles of stored entries
	entryMu sync.Mutex

	disconnect func()
}

// NewManager returns a manager persisting entries in db. The collector and
// the MQTT publisher are optional.
func NewManager(db storage.Database, collector *entity.Collector, mqtt entity.Publisher, opts Options) *Manager {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = coordinator.DefaultScanInterval
	}
	return &Manager{
		db:        db,
		collector: collector,
		mqtt:      mqtt,
		opts:      opts,
		runtimes:  make(map[string]*Runtime),
	}
}

func (m *Manager) clientOptions(rt *Runtime) sunways.Options {
	entry := rt.Entry
	opts := m.opts.API
	switch {
	case entry.Token != "":
		opts.TokenJar = &sunways.TokenJar{Token: entry.Token, Issued: entry.TokenIssued}
	case entry.InitialToken != "":
		opts.TokenJar = &sunways.TokenJar{Token: entry.InitialToken, Issued: time.Now()}
	}
	opts.OnToken = func(jar sunways.TokenJar) {
		m.persistToken(rt, jar)
	}
	return opts
}

// updateEntry loads the stored entry of rt, applies fn and saves it. Nothing
// is written once rt was unloaded so a stale runtime cannot overwrite what
// replaced it.
func (m *Manager) updateEntry(ctx context.Context, rt *Runtime, fn func(*types.Entry)) error {
	m.entryMu.Lock()
	defer m.entryMu.Unlock()

	if rt.unloaded.Load() {
		log.Ctx(ctx).DebugContext(ctx, "skipping entry update of unloaded runtime", slog.String("entryID", rt.Entry.ID))
		return nil
	}
	entry, err := m.db.GetEntry(ctx, rt.Entry.ID)
	if err != nil {
		return fmt.Errorf("failed to load entry: %w", err)
	}
	fn(&entry)
	return m.db.SaveEntry(ctx, entry)
}

// saveEntry stores entry under the same lock as updateEntry.
func (m *Manager) saveEntry(ctx context.Context, entry types.Entry) error {
	m.entryMu.Lock()
	defer m.entryMu.Unlock()
	if err := m.db.SaveEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

// persistToken stores a new token so a restart can reuse it.
func (m *Manager) persistToken(rt *Runtime, jar sunways.TokenJar) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := m.updateEntry(ctx, rt, func(e *types.Entry) {
		e.Token = jar.Token
		e.TokenIssued = jar.Issued
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to store token", slog.String("entryID", rt.Entry.ID), slog.Any("error", err))
	}
}

// markReauth flags the entry so the user is asked for new credentials.
func (m *Manager) markReauth(ctx context.Context, rt *Runtime) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err := m.updateEntry(ctx, rt, func(e *types.Entry) {
		e.NeedsReauth = true
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to flag entry for reauth", slog.String("entryID", rt.Entry.ID), slog.Any("error", err))
	}
}

// SetupEntry creates the client and coordinator of an entry, performs the
// first refresh and starts polling. A failure to reach the station returns
// ErrNotReady, rejected credentials return ErrAuthFailed.
func (m *Manager) SetupEntry(ctx context.Context, entry types.Entry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid entry %s: %w", entry.ID, err)
	}
	if entry.NeedsReauth {
		return fmt.Errorf("%w: entry %s needs reauth", ErrAuthFailed, entry.ID)
	}

	m.mu.Lock()
	_, exists := m.runtimes[entry.ID]
	m.mu.Unlock()
	if exists {
		return fmt.Errorf("entry %s is already set up", entry.ID)
	}

	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("stationID", entry.StationID)))

	rt := &Runtime{
		Entry: entry,
		done:  make(chan struct{}),
	}
	client := sunways.NewClient(entry.Email, entry.Password, m.clientOptions(rt))
	coord := coordinator.New(client, entry.StationID, m.opts.UpdateTimeout)
	err := coord.FirstRefresh(ctx)
	if errors.Is(err, sunways.ErrSessionExpired) {
		// a stored token went stale, the client logs in again on the retry
		log.Ctx(ctx).InfoContext(ctx, "stored token expired, logging in")
		err = coord.FirstRefresh(ctx)
	}
	if err != nil {
		client.Close()
		if sunways.IsCredentialsRejected(err) {
			m.markReauth(ctx, rt)
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return err
	}
	rt.Client = client
	rt.Coordinator = coord
	rt.Sensors = entity.NewSensors(coord, entry.StationID, entry.Title)

	m.mu.Lock()
	if _, exists := m.runtimes[entry.ID]; exists {
		m.mu.Unlock()
		client.Close()
		return fmt.Errorf("entry %s is already set up", entry.ID)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel
	m.runtimes[entry.ID] = rt
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.Add(coord)
	}
	if m.mqtt != nil {
		rt.mqtt = entity.NewMQTTPublisher(m.mqtt, m.opts.TopicPrefix, entry.StationID, rt.Sensors)
		if err := rt.mqtt.PublishDiscovery(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish mqtt discovery", slog.Any("error", err))
		}
		if err := rt.mqtt.PublishState(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish mqtt state", slog.Any("error", err))
		}
		coord.Listen(rt.mqtt.Listener(ctx))
	}

	go m.poll(loopCtx, rt)

	log.Ctx(ctx).InfoContext(ctx, "entry set up", slog.String("title", entry.Title), slog.Int("sensors", len(rt.Sensors)))
	return nil
}

// poll refreshes the coordinator every scan interval until ctx is done or
// the credentials are rejected. An expired session is not a rejection, the
// next tick logs in again.
func (m *Manager) poll(ctx context.Context, rt *Runtime) {
	defer close(rt.done)

	ticker := time.NewTicker(m.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := rt.Coordinator.Refresh(ctx)
		switch {
		case err == nil:
		case sunways.IsCredentialsRejected(err):
			log.Ctx(ctx).ErrorContext(ctx, "credentials rejected, stopping updates until reauth", slog.Any("error", err))
			m.markReauth(ctx, rt)
			return
		case errors.Is(err, sunways.ErrSessionExpired):
			log.Ctx(ctx).WarnContext(ctx, "session expired, logging in on next update", slog.Any("error", err))
		}
	}
}

// Refresh refreshes the entry right away.
func (m *Manager) Refresh(ctx context.Context, entryID string) (*types.Snapshot, error) {
	rt, ok := m.Runtime(entryID)
	if !ok {
		return nil, fmt.Errorf("entry %s is not set up", entryID)
	}
	return rt.Coordinator.Refresh(ctx)
}

// Unload stops polling the entry and releases its client. Unloading an entry
// that is not set up is a no-op.
func (m *Manager) Unload(ctx context.Context, entryID string) error {
	m.mu.Lock()
	rt, ok := m.runtimes[entryID]
	delete(m.runtimes, entryID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	rt.unloaded.Store(true)
	rt.cancel()
	<-rt.done

	if m.collector != nil {
		m.collector.Remove(rt.Entry.StationID)
	}
	if rt.mqtt != nil {
		if err := rt.mqtt.PublishOffline(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish offline", slog.String("entryID", entryID), slog.Any("error", err))
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "entry unloaded", slog.String("entryID", entryID))
	return rt.Client.Close()
}

// Runtime returns the runtime of a set up entry.
func (m *Manager) Runtime(entryID string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[entryID]
	return rt, ok
}

// Runtimes returns every set up entry ordered by id.
func (m *Manager) Runtimes() []*Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rts := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		rts = append(rts, rt)
	}
	sort.Slice(rts, func(i, j int) bool { return rts[i].Entry.ID < rts[j].Entry.ID })
	return rts
}

// AddEntry persists a new entry and sets it up. The entry stays persisted if
// setup fails with ErrNotReady, Run retries it.
func (m *Manager) AddEntry(ctx context.Context, entry types.Entry) error {
	if err := m.saveEntry(ctx, entry); err != nil {
		return err
	}
	return m.SetupEntry(ctx, entry)
}

// ReloadEntry unloads the entry, persists it and sets it up again. The old
// runtime is stopped before saving so it cannot overwrite the new entry.
func (m *Manager) ReloadEntry(ctx context.Context, entry types.Entry) error {
	if err := m.Unload(ctx, entry.ID); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "error unloading entry", slog.String("entryID", entry.ID), slog.Any("error", err))
	}
	if err := m.saveEntry(ctx, entry); err != nil {
		return err
	}
	return m.SetupEntry(ctx, entry)
}

// RemoveEntry unloads and deletes the entry.
func (m *Manager) RemoveEntry(ctx context.Context, entryID string) error {
	if err := m.Unload(ctx, entryID); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "error unloading entry", slog.String("entryID", entryID), slog.Any("error", err))
	}
	return m.db.DeleteEntry(ctx, entryID)
}

// Close disconnects from the MQTT broker, if connected. Entries should be
// unloaded first.
func (m *Manager) Close() {
	if m.disconnect != nil {
		m.disconnect()
	}
}

// Run sets up every stored entry, retrying entries that are not ready every
// retryInterval, and unloads everything once ctx is done.
func (m *Manager) Run(ctx context.Context, retryInterval time.Duration) error {
	entries, err := m.db.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.setupWithRetry(ctx, entry, retryInterval)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	for _, rt := range m.Runtimes() {
		if err := m.Unload(shutdownCtx, rt.Entry.ID); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "error unloading entry", slog.String("entryID", rt.Entry.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (m *Manager) setupWithRetry(ctx context.Context, entry types.Entry, retryInterval time.Duration) {
	for {
		err := m.SetupEntry(ctx, entry)
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrNotReady):
			log.Ctx(ctx).WarnContext(ctx, "entry not ready, retrying", slog.String("entryID", entry.ID), slog.Duration("in", retryInterval), slog.Any("error", err))
		default:
			log.Ctx(ctx).ErrorContext(ctx, "failed to set up entry", slog.String("entryID", entry.ID), slog.Any("error", err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}
	}
}
