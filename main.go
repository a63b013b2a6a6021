package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/mirror"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/upload"
	"github.com/mqy/minichat/ws"
)

var (
	flagAddr       = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile    = flag.String("pid-file", "minichat.pid", "pid file")
	flagDataDir    = flag.String("data-dir", "data", "dir for the message database and upload index")
	flagUploadsDir = flag.String("uploads-dir", "uploads", "dir for uploaded media files")
	flagStaticDir  = flag.String("static-dir", "static", "dir for the web client assets")

	flagMaxUploadMB = flag.Uint("max-upload-mb", 8, "max upload size in MB, allowed value in [1, 64]")
	flagTokenTTL    = flag.Duration("token-ttl", time.Hour, "admin token lifetime")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers; empty disables the message mirror")
	flagKafkaTopic   = flag.String("kafka-topic", mirror.DefaultTopic, "kafka topic for the message mirror")

	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

// Secrets come from the environment, not argv.
const (
	envAdminPassword     = "ADMIN_PASSWORD"
	envAdminPasswordHash = "ADMIN_PASSWORD_HASH"
	envTokenSecret       = "TOKEN_SECRET"
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	password := os.Getenv(envAdminPassword)
	passwordHash := os.Getenv(envAdminPasswordHash)
	secret := os.Getenv(envTokenSecret)
	if password == "" && passwordHash == "" {
		return errorf("%s or %s is required", envAdminPassword, envAdminPasswordHash)
	}
	if secret == "" {
		return errorf("%s is required", envTokenSecret)
	}

	pid := os.Getpid()
	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	glog.Info("minichat server is starting")

	ctx := context.Background()

	messageStore, err := store.Open(ctx, filepath.Join(*flagDataDir, "chat.db"))
	if err != nil {
		return errorf("open message store: %v", err)
	}
	defer messageStore.Close()

	uploads, err := upload.NewFileStore(*flagUploadsDir, filepath.Join(*flagDataDir, "uploads.db"), int(*flagMaxUploadMB))
	if err != nil {
		return errorf("open upload store: %v", err)
	}
	defer uploads.Close()

	var mir *mirror.Mirror
	if *flagKafkaBrokers != "" {
		mir = mirror.New(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic)
		defer mir.Stop()
		glog.Infof("kafka mirror enabled, topic: %s", *flagKafkaTopic)
	}

	admin := auth.New(secret, password, passwordHash, *flagTokenTTL)
	hub := ws.NewHub(messageStore, uploads, mir)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	api.NewHandler(hub.Api(), admin).Register(mux)

	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(*flagStaticDir))))
	mux.Handle(upload.URLPrefix, http.StripPrefix(upload.URLPrefix, http.FileServer(http.Dir(*flagUploadsDir))))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(*flagStaticDir, "index.html"))
	})
	mux.HandleFunc("/admin", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(*flagStaticDir, "admin.html"))
	})

	lis, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		return errorf("listen %s: %v", *flagAddr, err)
	}

	server := &http.Server{Handler: mux}
	serveErrCh := make(chan error, 1)
	go func() {
		glog.Infof("http server is listening %s", *flagAddr)
		serveErrCh <- server.Serve(lis)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		glog.Infof("received signal `%s`, stopping", sig.String())
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errorf("http server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("http server shutdown: %v", err)
	}

	glog.Info("minichat server exited")
	return 0
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagDataDir == "" {
		return errorf("--data-dir is required")
	}
	if *flagUploadsDir == "" {
		return errorf("--uploads-dir is required")
	}
	if *flagMaxUploadMB == 0 || *flagMaxUploadMB > 64 {
		return errorf("invalid --max-upload-mb, expect in range [1, 64]")
	}
	if *flagTokenTTL < time.Minute || *flagTokenTTL > 24*time.Hour {
		return errorf("invalid --token-ttl, expect in range [1m, 24h]")
	}
	if *flagStaticDir != "" {
		if _, err := os.Stat(*flagStaticDir); err != nil {
			return errorf("error stat static dir `%s`: %v", *flagStaticDir, err)
		}
	}
	return 0
}

func validateAddr(s string) error {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	if host == "" {
		return nil
	}
	if ip := net.ParseIP(host); ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", host)
	}
	return nil
}

func errorf(format string, args ...interface{}) int {
	glog.Errorf(format, args...)
	return 1
}

func savePid(name string, pid int) error {
	if content, err := os.ReadFile(name); err == nil && len(content) > 0 {
		oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
		if err == nil {
			if proc, err := os.FindProcess(oldPid); err == nil {
				defer proc.Release()
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("exists with pid %d, the process is running", oldPid)
				}
				glog.Infof("pid file exists with pid %d, but it is not running", oldPid)
			}
		}
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}

	return os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600)
}
