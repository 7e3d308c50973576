package taskdeck

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/taskdeck/taskdeck.go/pkg/api"
	"github.com/taskdeck/taskdeck.go/pkg/channel"
	"github.com/taskdeck/taskdeck.go/pkg/logger"
	"github.com/taskdeck/taskdeck.go/pkg/models"
	"github.com/taskdeck/taskdeck.go/pkg/notify"
	"github.com/taskdeck/taskdeck.go/pkg/persist"
	"github.com/taskdeck/taskdeck.go/pkg/store"
)

// Config assembles a Session. API and Channel are injectable so that
// tests can substitute fakes; when nil they are built from BaseURL,
// ChannelURL, and Credential.
type Config struct {
	// BaseURL is the REST endpoint, e.g. "https://deck.example.com".
	BaseURL string
	// ChannelURL is the push channel endpoint, e.g. "wss://deck.example.com/channel".
	ChannelURL string
	// Credential is the session bearer token.
	Credential string
	// Actor is this session's user id. Remote changes by the same actor
	// do not synthesize notifications.
	Actor string

	// SnapshotPath, when set, enables persisted client state across
	// reloads.
	SnapshotPath string

	API     api.Client
	Channel *channel.Client
	Logger  logger.Logger

	// OnChange observes every reconciled commit and rollback, for UI
	// bindings.
	OnChange func(ev store.ChangeEvent)
	// OnPresence observes presence envelopes.
	OnPresence func(env *channel.Envelope)
	// OnChannelDown fires when a reconnection episode ultimately fails.
	OnChannelDown func(err error)
}

// Session owns one mutation store per entity kind, the notification
// aggregator, and the shared change channel. Construct one at sign-in
// with New and destroy it at logout with Close.
type Session struct {
	cfg     Config
	log     logger.Logger
	client  api.Client
	channel *channel.Client

	Tasks    *store.Store[*models.Task]
	Projects *store.Store[*models.Project]
	Teams    *store.Store[*models.Team]
	Comments *store.Store[*models.Comment]

	Notifications *notify.Aggregator
}

// New builds a Session from the config, restoring persisted state when
// a snapshot exists.
func New(cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	s := &Session{cfg: cfg, log: log}

	s.client = cfg.API
	if s.client == nil {
		if cfg.BaseURL == "" {
			return nil, errors.New("taskdeck: Config.BaseURL or Config.API is required")
		}
		s.client = api.NewHTTPClient(cfg.BaseURL, cfg.Credential, api.WithLogger(log))
	}

	s.Notifications = notify.New(s.client, cfg.Actor, notify.WithLogger(log))

	sink := store.Sink(func(ev store.ChangeEvent) {
		s.Notifications.Handle(ev)
		if cfg.OnChange != nil {
			cfg.OnChange(ev)
		}
	})

	s.Tasks = store.New(models.KindTask, s.client,
		func() *models.Task { return &models.Task{} },
		store.WithLogger[*models.Task](log), store.WithSink[*models.Task](sink))
	s.Projects = store.New(models.KindProject, s.client,
		func() *models.Project { return &models.Project{} },
		store.WithLogger[*models.Project](log), store.WithSink[*models.Project](sink))
	s.Teams = store.New(models.KindTeam, s.client,
		func() *models.Team { return &models.Team{} },
		store.WithLogger[*models.Team](log), store.WithSink[*models.Team](sink))
	s.Comments = store.New(models.KindComment, s.client,
		func() *models.Comment { return &models.Comment{} },
		store.WithLogger[*models.Comment](log), store.WithSink[*models.Comment](sink))

	s.channel = cfg.Channel
	if s.channel == nil {
		if cfg.ChannelURL == "" {
			return nil, errors.New("taskdeck: Config.ChannelURL or Config.Channel is required")
		}
		opts := []channel.Option{channel.WithLogger(log)}
		if cfg.OnChannelDown != nil {
			opts = append(opts, channel.WithOnDown(cfg.OnChannelDown))
		}
		s.channel = channel.NewClient(cfg.ChannelURL, opts...)
	}
	s.channel.SetHandler(s.routeEnvelope)
	if cfg.OnPresence != nil {
		s.channel.SetPresenceHandler(cfg.OnPresence)
	}

	if cfg.SnapshotPath != "" {
		if err := s.restore(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Connect establishes the push subscription and joins the session
// user's own room so that notifications flow immediately.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.channel.Connect(ctx, s.cfg.Credential); err != nil {
		return err
	}
	if s.cfg.Actor != "" {
		s.channel.Join("user:" + s.cfg.Actor)
	}
	return nil
}

// WatchProject joins the project's room and returns a release func.
// Rooms are reference-counted: independent callers may watch the same
// project and release independently.
func (s *Session) WatchProject(id string) func() {
	return s.watch("project:" + id)
}

// WatchTask joins the task's room and returns a release func.
func (s *Session) WatchTask(id string) func() {
	return s.watch("task:" + id)
}

// WatchTeam joins the team's room and returns a release func.
func (s *Session) WatchTeam(id string) func() {
	return s.watch("team:" + id)
}

func (s *Session) watch(room string) func() {
	s.channel.Join(room)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.channel.Leave(room)
		})
	}
}

// Close persists the session state when configured, then tears down the
// channel. The session must not be used afterwards.
func (s *Session) Close(ctx context.Context) error {
	var saveErr error
	if s.cfg.SnapshotPath != "" {
		saveErr = s.Save()
	}
	closeErr := s.channel.Close(ctx)
	if saveErr != nil {
		return saveErr
	}
	return closeErr
}

// Refresh forces a re-fetch of the canonical record, discarding any
// optimistic local state for it.
func (s *Session) Refresh(ctx context.Context, kind models.Kind, id string) error {
	switch kind {
	case models.KindTask:
		return s.Tasks.Refetch(ctx, id)
	case models.KindProject:
		return s.Projects.Refetch(ctx, id)
	case models.KindTeam:
		return s.Teams.Refetch(ctx, id)
	case models.KindComment:
		return s.Comments.Refetch(ctx, id)
	default:
		return fmt.Errorf("taskdeck: no store for kind %q", kind)
	}
}

// Save writes the persisted client state snapshot.
func (s *Session) Save() error {
	if s.cfg.SnapshotPath == "" {
		return errors.New("taskdeck: no snapshot path configured")
	}
	snap := &persist.Snapshot{
		Credential:    s.cfg.Credential,
		Tasks:         s.Tasks.List(),
		Projects:      s.Projects.List(),
		Teams:         s.Teams.List(),
		Comments:      s.Comments.List(),
		Notifications: s.Notifications.List(),
	}
	return persist.Save(s.cfg.SnapshotPath, snap)
}

func (s *Session) restore() error {
	snap, err := persist.Load(s.cfg.SnapshotPath)
	if err != nil {
		if errors.Is(err, persist.ErrNoSnapshot) {
			return nil
		}
		return fmt.Errorf("taskdeck: restore snapshot: %w", err)
	}
	s.Tasks.Seed(snap.Tasks)
	s.Projects.Seed(snap.Projects)
	s.Teams.Seed(snap.Teams)
	s.Comments.Seed(snap.Comments)
	s.Notifications.Restore(snap.Notifications)
	return nil
}

// routeEnvelope maps a validated channel envelope onto the store for
// its entity kind. Unroutable kinds are logged and dropped here, never
// inside the reconciler.
func (s *Session) routeEnvelope(env *channel.Envelope) {
	ev := store.RemoteEvent{
		Type:     changeTypeOf(env.Type),
		ID:       env.EntityID,
		Actor:    env.Actor,
		Revision: env.Revision,
		Payload:  env.Payload,
	}

	switch env.Kind {
	case models.KindTask:
		s.Tasks.ApplyRemote(ev)
	case models.KindProject:
		s.Projects.ApplyRemote(ev)
	case models.KindTeam:
		s.Teams.ApplyRemote(ev)
	case models.KindComment:
		s.Comments.ApplyRemote(ev)
	default:
		s.log.Debug("session dropped envelope for unrouted kind", "kind", env.Kind, "id", env.EntityID)
	}
}

func changeTypeOf(t channel.EventType) store.ChangeType {
	switch t {
	case channel.EventCreated:
		return store.ChangeCreated
	case channel.EventUpdated:
		return store.ChangeUpdated
	case channel.EventDeleted:
		return store.ChangeDeleted
	default:
		return store.ChangeType(t)
	}
}
