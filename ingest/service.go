// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/matrix-ingest/lib/backfill"
	"github.com/bureau-foundation/matrix-ingest/lib/bus"
	"github.com/bureau-foundation/matrix-ingest/lib/canonical"
	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/config"
	"github.com/bureau-foundation/matrix-ingest/lib/cryptosession"
	"github.com/bureau-foundation/matrix-ingest/lib/e2ee"
	"github.com/bureau-foundation/matrix-ingest/lib/eventstore"
	"github.com/bureau-foundation/matrix-ingest/lib/keyrecovery"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/lib/secret"
	"github.com/bureau-foundation/matrix-ingest/lib/verification"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// Config holds a Service's collaborators and tuning.
type Config struct {
	AccountID string

	Session   messaging.Session
	Crypto    e2ee.Capabilities
	Store     eventstore.Store
	Publisher *bus.Publisher

	// DeviceKeys supplies this device's signing key for verification
	// MACs. Verification is disabled without it.
	DeviceKeys verification.DeviceKeySource

	// Reporter shows verification progress. Defaults to logging.
	Reporter verification.Reporter

	// RecoverySecret unlocks server-side key backup. Optional.
	RecoverySecret *secret.Buffer

	Sync         config.SyncConfig
	Tuning       config.CryptoConfig
	Backfill     config.BackfillConfig
	Verification config.VerificationConfig

	Clock  clock.Clock
	Logger *slog.Logger
}

// Service ingests one Matrix account.
type Service struct {
	accountID      string
	self           ref.UserID
	crypto         e2ee.Capabilities
	store          eventstore.Store
	publisher      *bus.Publisher
	recoverySecret *secret.Buffer
	clock          clock.Clock
	logger         *slog.Logger

	directory   *Directory
	history     *History
	mapper      *canonical.Mapper
	coordinator *keyrecovery.Coordinator
	maintainer  *cryptosession.Maintainer
	backfiller  *backfill.Backfiller
	syncLoop    *SyncLoop

	// Nil when verification is disabled.
	protocol *verification.SASProtocol
	manager  *verification.Manager

	// runCtx is set by Run before any goroutine that reads it starts.
	runCtx   context.Context
	prepared sync.Once
	tasks    sync.WaitGroup

	// awaiting holds Pendings with a goroutine waiting on them. The
	// value says whether the cleartext is published.
	awaiting sync.Map
}

var _ backfill.Handler = (*Service)(nil)

// New wires a Service.
func New(config Config) (*Service, error) {
	switch {
	case config.AccountID == "":
		return nil, errors.New("ingest: AccountID is required")
	case config.Session == nil:
		return nil, errors.New("ingest: Session is required")
	case config.Crypto == nil:
		return nil, errors.New("ingest: Crypto is required")
	case config.Store == nil:
		return nil, errors.New("ingest: Store is required")
	case config.Publisher == nil:
		return nil, errors.New("ingest: Publisher is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Service{
		accountID:      config.AccountID,
		self:           config.Session.UserID(),
		crypto:         config.Crypto,
		store:          config.Store,
		publisher:      config.Publisher,
		recoverySecret: config.RecoverySecret,
		clock:          config.Clock,
		logger:         config.Logger,
		directory:      NewDirectory(config.Session.UserID()),
		history:        NewHistory(config.Sync.HistorySize),
		runCtx:         context.Background(),
	}

	s.mapper = canonical.NewMapper(canonical.Config{
		AccountID: config.AccountID,
		LocalUser: s.self,
		History:   s.history,
		Store:     config.Store,
		Clock:     config.Clock,
		Logger:    config.Logger.With("component", "mapper"),
	})

	s.maintainer = cryptosession.New(cryptosession.Config{
		Capabilities:    config.Crypto,
		Directory:       s.directory,
		Self:            s.self,
		RefreshInterval: config.Tuning.SessionRefreshInterval.Std(),
		TopUpInterval:   config.Tuning.OneTimeKeyInterval.Std(),
		Clock:           config.Clock,
		Logger:          config.Logger.With("component", "sessions"),
	})

	var err error
	s.coordinator, err = keyrecovery.New(keyrecovery.Config{
		Capabilities:   config.Crypto,
		Sessions:       s.maintainer,
		Timeline:       s.history,
		Track:          s.trackRescanned,
		Cooldown:       config.Tuning.KeyRequestCooldown.Std(),
		MaxAttempts:    config.Tuning.KeyRequestMaxAttempts,
		AttemptWindow:  config.Tuning.KeyRequestWindow.Std(),
		RescanInterval: config.Tuning.RescanInterval.Std(),
		Clock:          config.Clock,
		Logger:         config.Logger.With("component", "keyrecovery"),
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	if config.Backfill.Enabled {
		s.backfiller, err = backfill.New(backfill.Config{
			Pager:     config.Session,
			Rooms:     s.directory,
			Handler:   s,
			Store:     config.Store,
			AccountID: config.AccountID,
			Interval:  config.Backfill.Interval.Std(),
			MaxPages:  config.Backfill.MaxPages,
			PageSize:  config.Backfill.PageSize,
			Clock:     config.Clock,
			Logger:    config.Logger.With("component", "backfill"),
		})
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
	}

	if config.Verification.Enabled && config.DeviceKeys == nil {
		config.Logger.Warn("verification enabled without a crypto backend; requests will be ignored")
	}
	if config.Verification.Enabled && config.DeviceKeys != nil {
		s.protocol, err = verification.NewSASProtocol(verification.SASConfig{
			Transport:  config.Session,
			DeviceKeys: config.DeviceKeys,
			Clock:      config.Clock,
			Logger:     config.Logger.With("component", "verification"),
		})
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		reporter := config.Reporter
		if reporter == nil {
			reporter = logReporter{logger: config.Logger}
		}
		s.manager, err = verification.New(verification.Config{
			Protocol:   s.protocol,
			Reporter:   reporter,
			OnVerified: s.onVerified,
			Clock:      config.Clock,
			Logger:     config.Logger.With("component", "verification"),
		})
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
	}

	s.syncLoop = NewSyncLoop(SyncLoopConfig{
		Syncer:  config.Session,
		Filter:  messaging.SyncFilter{}.JSON(),
		Timeout: config.Sync.Timeout.Std(),
		Clock:   config.Clock,
		Logger:  config.Logger.With("component", "sync"),
	})
	s.syncLoop.OnState(func(state SyncState) {
		if state == StatePrepared {
			s.prepared.Do(s.onPrepared)
		}
	})
	return s, nil
}

// Verification returns the verification manager, or nil when
// verification is disabled.
func (s *Service) Verification() *verification.Manager { return s.manager }

// Directory returns the room directory.
func (s *Service) Directory() *Directory { return s.directory }

// SyncLoop returns the sync loop, for registering state listeners
// before Run.
func (s *Service) SyncLoop() *SyncLoop { return s.syncLoop }

// Run syncs until ctx is cancelled, then waits for background work.
func (s *Service) Run(ctx context.Context) {
	s.runCtx = ctx
	if s.manager != nil {
		s.tasks.Go(func() { s.manager.Run(ctx) })
	}
	s.syncLoop.Run(ctx, s)
	s.tasks.Wait()
}

// onPrepared starts the background workers once, after the first sync.
func (s *Service) onPrepared() {
	ctx := s.runCtx
	s.logger.Info("account prepared",
		"user_id", s.self,
		"rooms", len(s.directory.Rooms()),
	)
	s.tasks.Go(func() { s.maintainer.Run(ctx) })
	s.tasks.Go(func() { s.coordinator.Run(ctx) })
	if s.backfiller != nil {
		s.tasks.Go(func() { s.backfiller.Run(ctx) })
	}
	if s.recoverySecret != nil {
		s.tasks.Go(func() { s.restoreBackup(ctx) })
	}
}

// HandleSync implements SyncHandler.
func (s *Service) HandleSync(ctx context.Context, response *messaging.SyncResponse, initial bool) {
	for roomID, room := range response.Rooms.Join {
		s.directory.Join(roomID)
		for _, event := range room.State.Events {
			s.applyMembership(ctx, roomID, event, initial)
		}
		for _, event := range room.Timeline.Events {
			if event.RoomID.IsZero() {
				event.RoomID = roomID
			}
			s.applyMembership(ctx, roomID, event, initial)
			s.history.Add(roomID, event, initial)
			if !initial {
				s.dispatchTimeline(ctx, roomID, event)
			}
		}
		if initial {
			continue
		}
		if room.Timeline.Limited {
			s.logger.Debug("timeline gap, left to backfill", "room_id", roomID)
		}
		for _, event := range room.Ephemeral.Events {
			s.dispatchEphemeral(ctx, roomID, event)
		}
	}

	for roomID := range response.Rooms.Leave {
		s.directory.Leave(roomID)
		s.history.Forget(roomID)
		s.logger.Info("left room", "room_id", roomID)
	}

	for _, event := range response.ToDevice.Events {
		s.dispatchToDevice(ctx, event)
	}

	if response.DeviceOneTimeKeysCount != nil {
		s.maintainer.NoteOneTimeKeyCounts(response.DeviceOneTimeKeysCount)
	}
	if !initial && len(response.DeviceLists.Changed) > 0 {
		s.ensureSessions(ctx, response.DeviceLists.Changed)
	}
}

// HandleHistorical implements backfill.Handler: the event is stored but
// never published.
func (s *Service) HandleHistorical(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
	if event.Type == schema.EventTypeEncrypted {
		return s.ingestEncrypted(ctx, roomID, event, false)
	}
	record, err := s.mapper.Map(ctx, event, s.directory.Conversation(roomID))
	if err != nil {
		return err
	}
	return s.store.Upsert(ctx, &record)
}

func (s *Service) applyMembership(ctx context.Context, roomID ref.RoomID, event messaging.Event, initial bool) {
	joined := s.directory.Apply(roomID, event)
	if joined.IsZero() || initial || joined == s.self {
		return
	}
	s.ensureSessions(ctx, []ref.UserID{joined})
}

func (s *Service) ensureSessions(ctx context.Context, users []ref.UserID) {
	s.tasks.Go(func() { s.maintainer.EnsureSessionsFor(ctx, users) })
}

func (s *Service) dispatchTimeline(ctx context.Context, roomID ref.RoomID, event messaging.Event) {
	if event.Type == schema.EventTypeEncrypted {
		if err := s.ingestEncrypted(ctx, roomID, event, true); err != nil {
			s.logMappingError(event, err)
		}
		return
	}
	record, err := s.mapper.Map(ctx, event, s.directory.Conversation(roomID))
	if err != nil {
		s.logMappingError(event, err)
		return
	}
	s.write(ctx, &record, true)
}

func (s *Service) dispatchEphemeral(ctx context.Context, roomID ref.RoomID, event messaging.Event) {
	conversation := s.directory.Conversation(roomID)
	switch event.Type {
	case schema.EventTypeReceipt:
		records, err := s.mapper.MapReceipts(event, conversation)
		if err != nil {
			s.logMappingError(event, err)
			return
		}
		for i := range records {
			s.write(ctx, &records[i], true)
		}
	case schema.EventTypeTyping:
		record, err := s.mapper.MapTyping(event, conversation)
		if err != nil {
			s.logMappingError(event, err)
			return
		}
		s.write(ctx, &record, true)
	}
}

// ingestEncrypted writes the placeholder and registers the event with
// the coordinator. The cleartext record follows when the key arrives.
func (s *Service) ingestEncrypted(ctx context.Context, roomID ref.RoomID, event messaging.Event, publish bool) error {
	if event.RoomID.IsZero() {
		event.RoomID = roomID
	}
	placeholder, err := s.mapper.Map(ctx, event, s.directory.Conversation(roomID))
	if err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, &placeholder); err != nil {
		return err
	}
	pending, err := s.coordinator.Observe(ctx, event)
	if err != nil {
		return err
	}
	s.track(ctx, pending, roomID, publish)
	return nil
}

// track awaits a Pending once. A later publishing caller upgrades an
// existing non-publishing wait.
func (s *Service) track(ctx context.Context, pending *keyrecovery.Pending, roomID ref.RoomID, publish bool) {
	value, loaded := s.awaiting.LoadOrStore(pending, new(atomic.Bool))
	shouldPublish := value.(*atomic.Bool)
	if publish {
		shouldPublish.Store(true)
	}
	if loaded {
		return
	}
	s.tasks.Go(func() {
		defer s.awaiting.Delete(pending)
		s.awaitDecryption(ctx, pending, roomID, shouldPublish)
	})
}

// trackRescanned receives Pendings the coordinator registered from the
// history during a rescan.
func (s *Service) trackRescanned(pending *keyrecovery.Pending) {
	event := pending.Event()
	publish := !s.history.Historical(event.RoomID, event.EventID)
	s.track(s.runCtx, pending, event.RoomID, publish)
}

func (s *Service) awaitDecryption(ctx context.Context, pending *keyrecovery.Pending, roomID ref.RoomID, publish *atomic.Bool) {
	var result keyrecovery.Result
	select {
	case result = <-pending.Done():
	case <-ctx.Done():
		return
	}
	encrypted := pending.Event()
	if result.Err != nil {
		s.logger.Debug("encrypted event left as placeholder",
			"event_id", encrypted.EventID,
			"room_id", roomID,
			"error", result.Err,
		)
		return
	}

	s.history.Replace(roomID, result.Event)
	record, err := s.mapper.MapDecrypted(ctx, encrypted, result.Event, s.directory.Conversation(roomID))
	if err != nil {
		s.logMappingError(encrypted, err)
		return
	}
	s.write(ctx, &record, publish.Load())
}

// write upserts a record and optionally publishes it. Failures are
// logged; the hot path does not retry.
func (s *Service) write(ctx context.Context, record *canonical.Event, publish bool) {
	if err := s.store.Upsert(ctx, record); err != nil {
		s.logger.Warn("store write failed",
			"event_id", record.EventID,
			"type", string(record.Type),
			"error", err,
		)
		return
	}
	if !publish {
		return
	}
	if _, err := s.publisher.Publish(ctx, *record); err != nil {
		s.logger.Warn("publish failed",
			"event_id", record.EventID,
			"type", string(record.Type),
			"error", err,
		)
	}
}

func (s *Service) dispatchToDevice(ctx context.Context, event messaging.Event) {
	result, err := s.crypto.HandleToDevice(ctx, event)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, e2ee.ErrNoBackend) {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "to-device message dropped",
			"type", event.Type,
			"sender", event.Sender,
			"error", err,
		)
		return
	}

	for _, session := range result.Imported {
		s.coordinator.KeysReceived(ctx, session.RoomID, session.SessionID)
	}
	if withheld := result.Withheld; withheld != nil && !withheld.RoomID.IsZero() && withheld.SessionID != "" {
		s.coordinator.Withheld(ctx, withheld.RoomID, withheld.SessionID, withheld.Code)
	}

	cleartext := result.Event
	if s.protocol != nil && strings.HasPrefix(cleartext.Type.String(), "m.key.verification.") {
		s.protocol.HandleToDevice(ctx, cleartext, s.manager)
	}
}

// restoreBackup imports every session from key backup and retries the
// events waiting on them.
func (s *Service) restoreBackup(ctx context.Context) {
	sessions, err := s.crypto.RestoreBackup(ctx, s.recoverySecret)
	if err != nil {
		if errors.Is(err, e2ee.ErrNoBackend) {
			s.logger.Debug("key backup restore skipped: no crypto backend")
			return
		}
		s.logger.Warn("key backup restore failed", "error", err)
		return
	}
	s.logger.Info("key backup restored", "sessions", len(sessions))
	for _, session := range sessions {
		s.coordinator.KeysReceived(ctx, session.RoomID, session.SessionID)
	}
}

// onVerified refreshes sessions with the newly verified peer and pulls
// any keys the verification made available.
func (s *Service) onVerified(ctx context.Context, outcome verification.Outcome) {
	s.maintainer.EnsureSessionsFor(ctx, []ref.UserID{outcome.Peer})
	if s.recoverySecret != nil {
		s.restoreBackup(ctx)
	}
}

func (s *Service) logMappingError(event messaging.Event, err error) {
	level := slog.LevelWarn
	if errors.Is(err, canonical.ErrUnsupported) {
		level = slog.LevelDebug
	}
	s.logger.Log(context.Background(), level, "event not ingested",
		"event_id", event.EventID,
		"type", event.Type,
		"error", err,
	)
}

// logReporter is the verification Reporter used without a console.
type logReporter struct {
	logger *slog.Logger
}

func (r logReporter) ShowSAS(request verification.Request, sas verification.SAS) {
	r.logger.Info("verification SAS ready",
		"transaction_id", request.TransactionID,
		"peer", request.Peer,
		"peer_device", request.PeerDevice,
		"emoji", sas.EmojiString(),
		"decimal", sas.DecimalString(),
	)
}

func (r logReporter) Finished(outcome verification.Outcome) {
	r.logger.Info("verification finished",
		"transaction_id", outcome.TransactionID,
		"peer", outcome.Peer,
		"state", string(outcome.State),
		"code", outcome.Code,
	)
}
