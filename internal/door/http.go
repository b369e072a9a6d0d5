package door

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/auth"
	"github.com/MarcoPoloResearchLab/doorsync/internal/client"
	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/remotesql"
	"github.com/MarcoPoloResearchLab/doorsync/internal/server"
)

// ErrRemoteSQLUnsupported is returned when remote SQL is requested on the single-connection engine.
var ErrRemoteSQLUnsupported = errors.New("door: remote sql requires the postgres engine")

// HTTPConfig selects the optional parts of the HTTP surface.
type HTTPConfig struct {
	StreamTokens      *auth.StreamTokenIssuer
	EnableRemoteSQL   bool
	MaxRemoteSQLConns int
	HeartbeatInterval time.Duration
}

// HTTPHandler serves this database to its peers. Committed outgoing events are forwarded to the
// notification streams of their destination nodes until the database closes.
func (d *Database) HTTPHandler(cfg HTTPConfig) (http.Handler, error) {
	deps := server.Dependencies{
		Replication:       d.service,
		Nodes:             d.registry,
		Realtime:          server.NewRealtimeDispatcher(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		Clock:             d.cfg.Clock,
		Logger:            d.logger,
	}
	if cfg.StreamTokens != nil {
		deps.StreamTokens = cfg.StreamTokens
	}
	if cfg.EnableRemoteSQL {
		if d.engine != database.EnginePostgres {
			return nil, ErrRemoteSQLUnsupported
		}
		sqlxDB, err := remotesql.NewDatabase(d.db)
		if err != nil {
			return nil, err
		}
		manager, err := remotesql.NewManager(remotesql.ManagerConfig{
			Database:       sqlxDB,
			MaxConnections: cfg.MaxRemoteSQLConns,
			Logger:         d.logger,
		})
		if err != nil {
			return nil, err
		}
		d.remoteSQL = manager
		deps.RemoteSQL = remotesql.NewHandler(manager, d.logger)
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return nil, err
	}
	events, _ := d.events.OutgoingEvents(d.lifetime)
	go deps.Realtime.Forward(events, d.cfg.Clock)
	return handler, nil
}

// NewClient builds a replication client that applies pulled batches to this database.
func (d *Database) NewClient(cfg client.Config) (*client.Client, error) {
	cfg.Applier = d.applier
	if cfg.Logger == nil {
		cfg.Logger = d.logger
	}
	return client.New(cfg)
}
