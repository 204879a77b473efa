// Command accessplaned runs the access-control plane's HTTP API: it loads
// the process configuration, wires every internal component over the
// catalog database, and serves the REST surface.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/lager"
	_ "github.com/lib/pq"

	"github.com/collation-ai/vibe-access-plane/internal/admin"
	"github.com/collation-ai/vibe-access-plane/internal/audit"
	"github.com/collation-ai/vibe-access-plane/internal/auth"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/collab"
	"github.com/collation-ai/vibe-access-plane/internal/config"
	"github.com/collation-ai/vibe-access-plane/internal/httpapi"
	"github.com/collation-ai/vibe-access-plane/internal/lifecycle"
	"github.com/collation-ai/vibe-access-plane/internal/pgrole"
	"github.com/collation-ai/vibe-access-plane/internal/poolreg"
	"github.com/collation-ai/vibe-access-plane/internal/pwlifecycle"
	"github.com/collation-ai/vibe-access-plane/internal/vault"
)

func main() {
	configFilePath := flag.String("config", "", "Location of the config file")
	flag.Parse()

	cfg, err := config.Load(*configFilePath)
	if err != nil {
		log.Fatalf("Error loading config file: %s", err)
	}
	logger := buildLogger(cfg.LogLevel)

	masterDB, err := sql.Open("postgres", cfg.MasterDBConnectionString)
	if err != nil {
		log.Fatalf("Failed to open master database: %s", err)
	}
	defer masterDB.Close()

	store := catalog.New(masterDB, logger)
	if err := store.InitSchema(); err != nil {
		log.Fatalf("Failed to initialize catalog schema: %s", err)
	}

	v := vault.New(cfg.EncryptionKey, cfg.APIKeySalt)
	pools := poolreg.New(cfg.MinPoolSize, cfg.MaxPoolSize, logger)
	defer pools.CloseAll()

	authenticator := auth.New(store, v, logger)
	recorder := audit.New(store, logger)

	coordinator := lifecycle.New(store, buildRoleDropperFactory(store, v, logger), logger)
	directory := admin.New(store, v, coordinator, logger)

	notifier := collab.NewLoggingNotifier(logger)
	tokenExpiry := time.Duration(cfg.PasswordResetTokenExpiryHours) * time.Hour
	passwordLifecycle := pwlifecycle.New(store, notifier, tokenExpiry, cfg.PasswordExpiryDays, logger)

	scheduler := collab.NewCronScheduler(logger)
	if err := scheduler.Every(cfg.PasswordExpirySweepCron, passwordLifecycle.CheckPasswordExpiry); err != nil {
		log.Fatalf("Failed to schedule password-expiry sweep: %s", err)
	}
	// Start blocks inside cron.Run, so it gets its own goroutine.
	go scheduler.Start()
	defer scheduler.Stop()

	server := httpapi.New(cfg, store, v, authenticator, directory, pools, recorder, passwordLifecycle, logger)

	go stopOnSignal(logger, scheduler)

	if err := startHTTPServer(cfg, server, logger); err != nil {
		log.Fatalf("Failed to start access-plane process: %s", err)
	}
}

func buildLogger(logLevel string) lager.Logger {
	lagerLogLevel, err := lager.LogLevelFromString(strings.ToLower(logLevel))
	if err != nil {
		log.Fatal(err)
	}

	logger := lager.NewLogger("accessplaned")
	logger.RegisterSink(lager.NewWriterSink(os.Stdout, lagerLogLevel))

	return logger
}

// startHTTPServer binds the listener before logging "start", so external
// readiness probes never see the log line before the socket actually
// accepts connections.
func startHTTPServer(cfg *config.Config, server *httpapi.Server, logger lager.Logger) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %s", cfg.Port, err)
	}
	logger.Info("start", lager.Data{"port": cfg.Port})
	return http.Serve(listener, server.NewRouter())
}

func stopOnSignal(logger lager.Logger, scheduler *collab.CronScheduler) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, os.Kill)
	<-signalChan
	logger.Info("shutdown.signal-received")
	scheduler.Stop()
}

// buildRoleDropperFactory resolves the DatabaseServer a PGDatabaseUser's
// native role actually lives on by matching its own (ephemeral, per-role)
// connection string's host:port against the registered server directory,
// then opens a fresh admin connection to run the drop, closing it
// immediately after. Admin connections are ephemeral and never shared
// across operations.
func buildRoleDropperFactory(store *catalog.Store, v *vault.Vault, logger lager.Logger) lifecycle.RoleDropperFactory {
	return func(p *catalog.PGDatabaseUser) (lifecycle.RoleDropper, error) {
		roleConnString, err := v.Decrypt(p.ConnectionStringEncrypted)
		if err != nil {
			return nil, err
		}
		host, port, err := hostPortFromConnectionString(roleConnString)
		if err != nil {
			return nil, err
		}

		servers, err := store.ListDatabaseServers()
		if err != nil {
			return nil, err
		}
		var server *catalog.DatabaseServer
		for _, candidate := range servers {
			if candidate.Host == host && candidate.Port == port {
				server = candidate
				break
			}
		}
		if server == nil {
			return nil, fmt.Errorf("no registered database server matches %s:%d", host, port)
		}

		adminPassword, err := v.Decrypt(server.AdminPasswordEncrypted)
		if err != nil {
			return nil, err
		}
		adminConnString := poolreg.ConnectionString(server.Host, server.Port, p.DatabaseName, server.AdminUsername, adminPassword, server.SSLMode)
		adminDB, err := sql.Open("postgres", adminConnString)
		if err != nil {
			return nil, err
		}
		if err := adminDB.Ping(); err != nil {
			adminDB.Close()
			return nil, err
		}

		return &ephemeralRoleDropper{db: adminDB, manager: pgrole.New(adminDB, logger)}, nil
	}
}

// ephemeralRoleDropper closes its admin connection once its single
// DropRole call returns, matching the admin-pool-is-ephemeral rule the
// rest of internal/admin already follows for ad hoc operations.
type ephemeralRoleDropper struct {
	db      *sql.DB
	manager *pgrole.Manager
}

func (d *ephemeralRoleDropper) DropRole(username string) (existed bool, err error) {
	defer d.db.Close()
	return d.manager.DropRole(username)
}

func hostPortFromConnectionString(connString string) (string, int, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return "", 0, fmt.Errorf("connection string has no numeric port: %w", err)
	}
	return u.Hostname(), port, nil
}
