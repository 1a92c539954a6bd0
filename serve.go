package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/bstore"

	"github.com/mjl-/moximap/config"
	"github.com/mjl-/moximap/imapserver"
	"github.com/mjl-/moximap/kvstore"
	"github.com/mjl-/moximap/memstore"
	"github.com/mjl-/moximap/mlog"
	"github.com/mjl-/moximap/moxvar"
	"github.com/mjl-/moximap/store"
	"github.com/mjl-/moximap/tagsvc"
)

// portHandlers are the http handlers registered for a listening address, by path.
type portHandlers struct {
	addr     string
	handlers map[string]http.Handler
}

func (p *portHandlers) handle(path string, h http.Handler) error {
	if _, ok := p.handlers[path]; ok {
		return fmt.Errorf("duplicate handler for path %q on %s", path, p.addr)
	}
	p.handlers[path] = h
	return nil
}

// httpServers gathers the http handlers for listening addresses, for metrics
// and the tag service.
type httpServers struct {
	ports   map[string]*portHandlers
	servers []*http.Server
}

func (hs *httpServers) port(ip string, port int) *portHandlers {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	p := hs.ports[addr]
	if p == nil {
		p = &portHandlers{addr, map[string]http.Handler{}}
		hs.ports[addr] = p
	}
	return p
}

// listen starts listening on all addresses, and returns a function that
// starts serving.
func (hs *httpServers) listen(log mlog.Log) (func(), error) {
	var addrs []string
	for addr := range hs.ports {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var serves []func()
	for _, addr := range addrs {
		p := hs.ports[addr]
		mux := http.NewServeMux()
		for path, h := range p.handlers {
			mux.Handle(path, h)
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen for http: %w", err)
		}
		log.Print("listening for http", slog.String("addr", addr))
		server := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
			ErrorLog:          slog.NewLogLogger(log.Logger.Handler(), slog.LevelInfo),
		}
		hs.servers = append(hs.servers, server)
		serves = append(serves, func() {
			err := server.Serve(ln)
			if !errors.Is(err, http.ErrServerClosed) {
				log.Errorx("serving http", err, slog.String("addr", addr))
			}
		})
	}
	return func() {
		for _, serve := range serves {
			go serve()
		}
	}, nil
}

func (hs *httpServers) shutdown(ctx context.Context, log mlog.Log) {
	for _, server := range hs.servers {
		err := server.Shutdown(ctx)
		log.Check(err, "shutting down http server")
	}
}

func cmdServe(c *cmd) {
	c.help = `Start moximap, serving IMAP, and HTTP for metrics and the tag service.

Users authenticate with the credentials stored in the accounts database, see
"moximap setaccountpassword". Mailboxes are kept in memory or in a database in
the data directory, depending on the configured backend.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig()
	log := c.log

	log.Print("starting moximap",
		slog.String("version", moxvar.Version),
		slog.Any("pid", os.Getpid()),
		slog.String("backend", conf.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := os.MkdirAll(conf.DataDirPath(configPath, ""), 0770)
	xcheckf(err, "creating data directory")

	hs := &httpServers{ports: map[string]*portHandlers{}}
	var tagdb *bstore.DB
	for _, name := range sortedListeners(conf) {
		l := conf.Listeners[name]
		if !l.TagService.Enabled {
			continue
		}
		if tagdb == nil {
			tagdb, err = tagsvc.OpenDB(ctx, log, conf.DataDirPath(configPath, "tags.db"))
			xcheckf(err, "open tag database")
			defer func() {
				err := tagdb.Close()
				log.Check(err, "closing tag database")
			}()
		}
		h, err := tagsvc.NewHandler(l.TagService.Path, tagdb, log.WithPkg("tagsvc"))
		xcheckf(err, "tag service handler")
		for _, ip := range l.IPs {
			err := hs.port(ip, config.Port(l.TagService.Port, 1080)).handle(l.TagService.Path, h)
			xcheckf(err, "listener %q", name)
		}
	}
	for _, name := range sortedListeners(conf) {
		l := conf.Listeners[name]
		if !l.Metrics.Enabled {
			continue
		}
		for _, ip := range l.IPs {
			err := hs.port(ip, config.Port(l.Metrics.Port, 8010)).handle("/metrics", promhttp.Handler())
			xcheckf(err, "listener %q", name)
		}
	}

	var backend store.Backend
	switch conf.Backend {
	case "kv":
		kv, err := kvstore.Open(log.WithPkg("kvstore"), conf.DataDirPath(configPath, "mailboxes.db"), tagsvc.NewClient(conf.TagService.URL), conf.Mailboxes())
		xcheckf(err, "open mailbox database")
		defer func() {
			err := kv.Close()
			log.Check(err, "closing mailbox database")
		}()
		backend = kv
	default:
		backend = memstore.New(conf.Mailboxes())
	}

	accounts, err := store.OpenAccounts(ctx, log.WithPkg("store"), conf.DataDirPath(configPath, "accounts.db"), backend)
	xcheckf(err, "open accounts")
	defer func() {
		err := accounts.Close()
		log.Check(err, "closing accounts")
	}()
	store.StartAuthCache()

	for _, name := range sortedListeners(conf) {
		l := conf.Listeners[name]
		srvConfig := imapserver.Config{
			Hostname:     conf.HostnameASCII,
			Auth:         accounts,
			NoRequireTLS: l.IMAP.NoRequireSTARTTLS,
		}
		if l.TLS != nil {
			srvConfig.TLSConfig = l.TLS.Config
		}
		srv := imapserver.NewServer(srvConfig)
		for _, ip := range l.IPs {
			if l.IMAP.Enabled {
				addr := net.JoinHostPort(ip, fmt.Sprintf("%d", config.Port(l.IMAP.Port, 143)))
				err := srv.Listen(ctx, name, addr, false)
				xcheckf(err, "listener %q", name)
			}
			if l.IMAPS.Enabled {
				addr := net.JoinHostPort(ip, fmt.Sprintf("%d", config.Port(l.IMAPS.Port, 993)))
				err := srv.Listen(ctx, name, addr, true)
				xcheckf(err, "listener %q", name)
			}
		}
	}

	serveHTTP, err := hs.listen(log)
	xcheckf(err, "http listeners")

	imapserver.Serve()
	serveHTTP()
	log.Print("ready to serve")

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for existing connections", slog.Any("signal", sig))
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	hs.shutdown(shutdownCtx, log)
}

func sortedListeners(conf *config.Static) []string {
	var l []string
	for name := range conf.Listeners {
		l = append(l, name)
	}
	sort.Strings(l)
	return l
}

func cmdTagservice(c *cmd) {
	c.help = `Serve only the tag service API over HTTP.

The tag service keeps the list of mailboxes per user, along with their message
counts. It is used by moximap instances with the kv backend. The database is
stored in the data directory of the config file as tags.db.
`
	var listen, path string
	var metricsListen string
	c.flag.StringVar(&listen, "listen", "127.0.0.1:1080", "address to listen on for the API")
	c.flag.StringVar(&path, "path", "/tags/", "path to serve the API on")
	c.flag.StringVar(&metricsListen, "metrics", "", "if non-empty, address to serve prometheus metrics on")
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig()
	log := c.log

	err := os.MkdirAll(conf.DataDirPath(configPath, ""), 0770)
	xcheckf(err, "creating data directory")

	ctx := context.Background()
	db, err := tagsvc.OpenDB(ctx, log, conf.DataDirPath(configPath, "tags.db"))
	xcheckf(err, "open tag database")
	defer func() {
		err := db.Close()
		log.Check(err, "closing tag database")
	}()

	h, err := tagsvc.NewHandler(path, db, log.WithPkg("tagsvc"))
	xcheckf(err, "tag service handler")

	serve := func(addr string, mux *http.ServeMux) {
		log.Print("listening for http", slog.String("addr", addr))
		server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 30 * time.Second}
		err := server.ListenAndServe()
		log.Fatalx("serving http", err, slog.String("addr", addr))
	}

	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go serve(metricsListen, mux)
	}
	mux := http.NewServeMux()
	mux.Handle(path, h)
	serve(listen, mux)
}
