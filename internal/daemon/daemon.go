// Package daemon hosts the troupe daemon process: the uds server, the
// response inbox watcher, the event relay, and the live run registry.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/troupehq/troupe/internal/agent"
	"github.com/troupehq/troupe/internal/events"
	"github.com/troupehq/troupe/internal/lock"
	"github.com/troupehq/troupe/internal/model"
	"github.com/troupehq/troupe/internal/notify"
	"github.com/troupehq/troupe/internal/relay"
	"github.com/troupehq/troupe/internal/run"
	"github.com/troupehq/troupe/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

const eventBufferSize = 64

// Daemon is the main troupe daemon process.
type Daemon struct {
	troupeDir string
	config    model.Config
	logLevel  LogLevel
	logger    *log.Logger
	logFile   io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	bus         *events.Bus
	audit       *events.AuditLogger
	auditDetach func()

	registry *run.Registry
	handler  *RunHandler

	agents         *agent.Registry
	dispatcher     *agent.Dispatcher
	dispatchDetach func()

	relay *relay.Relay

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown sync.Once
}

// New creates a new Daemon instance logging to .troupe/logs/daemon.log.
func New(troupeDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(troupeDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(troupeDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(troupeDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	scanInterval := 10 * time.Second
	logger := log.New(w, "", 0)

	d := &Daemon{
		troupeDir: troupeDir,
		config:    cfg,
		logLevel:  parseLogLevel(cfg.Logging.Level),
		logger:    logger,
		logFile:   closer,
		fileLock:  lock.NewFileLock(filepath.Join(troupeDir, "locks", "daemon.lock")),
		server:    uds.NewServer(filepath.Join(troupeDir, uds.DefaultSocketName), logger),
		ticker:    time.NewTicker(scanInterval),
		registry:  run.NewRegistry(),
		ctx:       ctx,
		cancel:    cancel,
		group:     new(errgroup.Group),
	}
	return d, nil
}

// SetAgents wires an executor registry for in-process dispatch. Must be
// called before Run; without it, responses only arrive via uds or the inbox.
func (d *Daemon) SetAgents(reg *agent.Registry) {
	d.agents = reg
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	d.bus = events.NewBus(eventBufferSize)

	audit, err := events.NewAuditLogger(filepath.Join(d.troupeDir, "logs", "events.jsonl"), 0)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.auditDetach = audit.Attach(d.bus)

	d.handler = NewRunHandler(d.troupeDir, d.config, d.bus, d.registry, d.logger)
	if d.config.Daemon.SnapshotRuns {
		d.handler.AttachPersistence()
	}
	if d.config.Daemon.Notify {
		d.bus.Subscribe(events.EventRunTerminal, func(ev events.Event) {
			reason, _ := ev.Data["reason"].(string)
			if err := notify.Send("troupe", fmt.Sprintf("run %s finished: %s", ev.RunID, reason)); err != nil {
				d.log(LogLevelDebug, "notify: %v", err)
			}
		})
	}

	if d.agents != nil {
		d.dispatcher = agent.NewDispatcher(d.agents, d.handler, d.logger)
		d.dispatchDetach = d.dispatcher.Attach(d.bus)
		d.log(LogLevelInfo, "in-process dispatcher enabled roles=%v", d.agents.Roles())
	}

	if d.config.Relay.Enabled {
		d.relay = relay.New(d.config.Relay.Addr, d.logger)
		if err := d.relay.Start(d.bus); err != nil {
			d.cleanup()
			return fmt.Errorf("start relay: %w", err)
		}
		d.log(LogLevelInfo, "relay enabled addr=%s", d.relay.Addr())
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	inboxDir := filepath.Join(d.troupeDir, "inbox")
	if err := os.MkdirAll(inboxDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure inbox dir: %w", err)
	}
	if err := watcher.Add(inboxDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch inbox: %w", err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start uds server: %w", err)
	}
	d.log(LogLevelInfo, "uds server listening on %s", filepath.Join(d.troupeDir, uds.DefaultSocketName))

	d.group.Go(d.inboxLoop)
	d.group.Go(d.tickerLoop)

	// catch up on responses dropped while the daemon was down
	d.scanInbox()
	d.log(LogLevelInfo, "daemon ready")

	d.waitSignals()
	return nil
}

// inboxLoop processes filesystem events on the response inbox.
func (d *Daemon) inboxLoop() error {
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.handleInboxFile(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop rescans the inbox at a fixed interval to pick up files whose
// events were missed.
func (d *Daemon) tickerLoop() error {
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case <-d.ticker.C:
			d.log(LogLevelDebug, "periodic inbox scan")
			d.scanInbox()
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log(LogLevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()
	case <-d.ctx.Done():
	}

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		d.cancel()

		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}
		if d.dispatcher != nil {
			if d.dispatchDetach != nil {
				d.dispatchDetach()
			}
			d.dispatcher.Close()
		}

		// stop live runs so their terminal snapshots land before the bus closes
		d.registry.StopAll("daemon shutdown")

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			_ = d.group.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(LogLevelInfo, "all loops drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		if d.relay != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			if err := d.relay.Stop(ctx); err != nil {
				d.log(LogLevelWarn, "relay stop: %v", err)
			}
			cancel()
		}
		if d.agents != nil {
			if err := d.agents.CloseAll(); err != nil {
				d.log(LogLevelWarn, "close agents: %v", err)
			}
		}
		if d.auditDetach != nil {
			d.auditDetach()
		}
		if d.bus != nil {
			d.bus.Close()
		}
		if d.audit != nil {
			d.audit.Close()
		}

		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.troupeDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
