package app

import (
	"context"
	"crypto/tls"
	"expvar"
	"flag"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	metrics_util "github.com/code-payments/escrow-server/pkg/metrics"
	"github.com/code-payments/escrow-server/pkg/osutil"
)

// App is a long lived application that services network requests.
//
// The lifecycle of the App is tied to the process. The app gets initialized
// before the listeners start, and gets stopped after they have stopped
// serving.
type App interface {
	// Init initializes the application in a blocking fashion. When Init returns, it
	// is expected that the application is ready to start receiving requests.
	Init(config Config, metricsProvider *newrelic.Application) error

	// HTTPHandler returns the handler served on the HTTP listener. A nil
	// handler disables the listener.
	HTTPHandler() http.Handler

	// RegisterWithGRPC provides a mechanism for the application to register gRPC services
	// with the gRPC server.
	RegisterWithGRPC(server *grpc.Server)

	// ShutdownChan returns a channel that is closed when the application is shutdown.
	//
	// If the channel is closed, the servers will initiate a shutdown if they have
	// not already done so.
	ShutdownChan() <-chan struct{}

	// Stop stops the service, allowing for it to clean up any resources. When Stop()
	// returns, the process exits.
	//
	// Stop should be idempotent.
	Stop()
}

var (
	configPath = flag.String("config", "config.yaml", "configuration file path")

	osSigCh = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(osSigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
}

func Run(app App, options ...Option) error {
	flag.Parse()

	logger := logrus.StandardLogger().WithField("type", "app")

	// viper.ReadInConfig only returns ConfigFileNotFoundError if it has to search
	// for a default config file because one hasn't been explicitly set. That is,
	// if we explicitly set a config file, and it does not exist, viper will not
	// return a ConfigFileNotFoundError, so we do it ourselves.
	if _, err := os.Stat(*configPath); err == nil {
		viper.SetConfigFile(*configPath)
	} else if !os.IsNotExist(err) {
		logger.WithError(err).Errorf("failed to check if config exists")
		os.Exit(1)
	}

	err := viper.ReadInConfig()
	_, isConfigNotFound := err.(viper.ConfigFileNotFoundError)
	if err != nil && !isConfigNotFound {
		logger.WithError(err).Error("failed to load config")
		os.Exit(1)
	}

	config := defaultConfig
	if err := viper.Unmarshal(&config); err != nil {
		logger.WithError(err).Error("failed to unmarshal config")
		os.Exit(1)
	}

	if len(config.AppName) == 0 {
		logger.Error("must specify an application name")
		os.Exit(1)
	}

	var metricsProvider *newrelic.Application
	if len(config.NewRelicLicenseKey) > 0 {
		nr, err := newrelic.NewApplication(
			newrelic.ConfigFromEnvironment(),
			newrelic.ConfigAppName(config.AppName),
			newrelic.ConfigLicense(config.NewRelicLicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			logrus.WithError(err).Error("error connecting to new relic")
			os.Exit(1)
		}

		metricsProvider = nr
	}

	configureLogger(config, metricsProvider)

	// pprof and expvar install themselves on the default mux, which must not
	// be reachable from the public listener.
	http.DefaultServeMux = http.NewServeMux()

	if config.EnableExpvar || config.EnablePprof {
		debugHTTPMux := newDebugMux(config)
		go func() {
			for {
				if err := http.ListenAndServe(config.DebugListenAddress, debugHTTPMux); err != nil {
					logger.WithError(err).Warn("Debug HTTP server failed. Retrying in 5s...")
				}
				time.Sleep(5 * time.Second)
			}
		}()
	}

	var ballast []byte
	if config.EnableBallast {
		ballast = make([]byte, ballastSize(config.BallastCapacity, osutil.GetTotalMemory()))
	}

	memoryLeakShutdownCh := make(chan struct{})
	if config.EnableMemoryLeakCron {
		cronJob, err := newMemoryLeakCron(config.MemoryLeakCronSchedule, memoryLeakShutdownCh)
		if err != nil {
			logger.WithError(err).Error("failed to initialize memory leak cron")
			os.Exit(1)
		}
		cronJob.Start()
		defer cronJob.Stop()
	}

	var secureLis, insecureLis net.Listener
	var transportCreds credentials.TransportCredentials

	insecureLis, err = net.Listen("tcp", config.InsecureListenAddress)
	if err != nil {
		logger.WithError(err).Errorf("failed to listen on %s", config.InsecureListenAddress)
		os.Exit(1)
	}

	var tlsConfig *tls.Config
	if config.TLSCertificate != "" {
		if config.TLSKey == "" {
			logger.Error("tls key must be provided if certificate is specified")
			os.Exit(1)
		}

		certBytes, err := LoadFile(config.TLSCertificate)
		if err != nil {
			logger.WithError(err).Error("failed to load tls certificate")
			os.Exit(1)
		}

		keyBytes, err := LoadFile(config.TLSKey)
		if err != nil {
			logger.WithError(err).Error("failed to load tls key")
			os.Exit(1)
		}

		cert, err := tls.X509KeyPair(certBytes, keyBytes)
		if err != nil {
			logger.WithError(err).Error("invalid certificate/private key")
			os.Exit(1)
		}

		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		transportCreds = credentials.NewServerTLSFromCert(&cert)
		secureLis, err = net.Listen("tcp", config.ListenAddress)
		if err != nil {
			logger.WithError(err).Errorf("failed to listen on %s", config.ListenAddress)
			os.Exit(1)
		}
	}

	opts := opts{
		unaryServerInterceptors:  defaultUnaryServerInterceptors(),
		streamServerInterceptors: defaultStreamServerInterceptors(),
	}
	for _, o := range options {
		o(&opts)
	}

	if err := app.Init(config.AppConfig, metricsProvider); err != nil {
		logger.WithError(err).Error("failed to initialize application")
		os.Exit(1)
	}

	var servers []*grpc.Server
	insecureServ := grpc.NewServer(
		grpc_middleware.WithUnaryServerChain(opts.unaryServerInterceptors...),
		grpc_middleware.WithStreamServerChain(opts.streamServerInterceptors...),
	)
	servers = append(servers, insecureServ)

	var secureServ *grpc.Server
	if secureLis != nil {
		secureServ = grpc.NewServer(
			grpc.Creds(transportCreds),
			grpc_middleware.WithUnaryServerChain(opts.unaryServerInterceptors...),
			grpc_middleware.WithStreamServerChain(opts.streamServerInterceptors...),
		)
		servers = append(servers, secureServ)
	}

	for _, serv := range servers {
		app.RegisterWithGRPC(serv)
		healthgrpc.RegisterHealthServer(serv, health.NewServer())
	}

	grpcShutdownCh := make(chan struct{}, len(servers))
	serve := func(serv *grpc.Server, lis net.Listener) {
		if err := serv.Serve(lis); err != nil {
			logger.WithError(err).Error("grpc serve stopped")
		} else {
			logger.Info("grpc server stopped")
		}
		grpcShutdownCh <- struct{}{}
	}
	go serve(insecureServ, insecureLis)
	if secureServ != nil {
		go serve(secureServ, secureLis)
	}

	var httpServ *http.Server
	httpShutdownCh := make(chan struct{})
	if handler := app.HTTPHandler(); handler != nil {
		httpServ = &http.Server{
			Addr:              config.HTTPListenAddress,
			Handler:           wrapHTTPHandler(handler, opts.httpMiddleware),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			var err error
			if tlsConfig != nil {
				err = httpServ.ListenAndServeTLS("", "")
			} else {
				err = httpServ.ListenAndServe()
			}

			if err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("http serve stopped")
			} else {
				logger.Info("http server stopped")
			}

			close(httpShutdownCh)
		}()
	}

	// Wait for the following shutdown conditions:
	//    1. OS Signal telling us to shutdown
	//    2. A server has shutdown (for whatever reason)
	//    3. The application has shutdown (for whatever reason)
	select {
	case <-osSigCh:
		logger.Info("interrupt received, shutting down")
	case <-grpcShutdownCh:
		logger.Info("grpc server shutdown")
	case <-httpShutdownCh:
		logger.Info("http server shutdown")
	case <-memoryLeakShutdownCh:
		logger.Info("shutdown to deal with memory leak")
	case <-app.ShutdownChan():
		logger.Info("app shutdown")
	}

	shutdownCh := make(chan struct{})
	go func() {
		// Servers and the application have idempotent shutdown methods, so
		// it's fine to call all of them, regardless of the shutdown condition.
		if httpServ != nil {
			ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownGracePeriod)
			if err := httpServ.Shutdown(ctx); err != nil {
				logger.WithError(err).Warn("failed to gracefully stop http server")
			}
			cancel()
		}
		for _, serv := range servers {
			serv.GracefulStop()
		}
		app.Stop()

		close(shutdownCh)
	}()

	select {
	case <-shutdownCh:
		// Ensure the ballast is used to avoid any possible compiler optimizations
		// around unused variable.
		if len(ballast) > 0 {
			ballast[0] = 1
		}

		return nil
	case <-time.After(config.ShutdownGracePeriod):
		return errors.Errorf("failed to stop the application within %v", config.ShutdownGracePeriod)
	}
}

func newDebugMux(config BaseConfig) *http.ServeMux {
	mux := http.NewServeMux()
	if config.EnableExpvar {
		mux.Handle("/debug/vars", expvar.Handler())
	}
	if config.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// ballastSize caps the ballast at half of the total memory.
func ballastSize(capacity float32, totalMemory uint64) uint64 {
	if capacity > 0.5 {
		capacity = 0.5
	}
	if capacity < 0 {
		capacity = 0
	}
	return uint64(capacity * float32(totalMemory))
}

func newMemoryLeakCron(schedule string, shutdownCh chan struct{}) (*cron.Cron, error) {
	cronJob := cron.New(cron.WithLocation(time.Local))

	var once sync.Once
	_, err := cronJob.AddFunc(schedule, func() {
		once.Do(func() { close(shutdownCh) })
	})
	if err != nil {
		return nil, errors.Wrapf(err, "invalid schedule %q", schedule)
	}
	return cronJob, nil
}

func defaultUnaryServerInterceptors() []grpc.UnaryServerInterceptor {
	entry := logrus.StandardLogger().WithField("type", "app/grpc")
	return []grpc.UnaryServerInterceptor{
		grpc_ctxtags.UnaryServerInterceptor(),
		grpc_logrus.UnaryServerInterceptor(entry),
		grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(recoveryHandler(entry))),
	}
}

func defaultStreamServerInterceptors() []grpc.StreamServerInterceptor {
	entry := logrus.StandardLogger().WithField("type", "app/grpc")
	return []grpc.StreamServerInterceptor{
		grpc_ctxtags.StreamServerInterceptor(),
		grpc_logrus.StreamServerInterceptor(entry),
		grpc_recovery.StreamServerInterceptor(grpc_recovery.WithRecoveryHandler(recoveryHandler(entry))),
	}
}

func recoveryHandler(log *logrus.Entry) grpc_recovery.RecoveryHandlerFunc {
	return func(p interface{}) error {
		log.WithField("panic", p).Error("recovered from panic")
		return status.Error(codes.Internal, "internal error")
	}
}

func configureLogger(config BaseConfig, metricsProvider *newrelic.Application) {
	var formatter logrus.Formatter = &logrus.JSONFormatter{}
	if strings.EqualFold(config.LogFormat, "text") {
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	}

	if metricsProvider != nil {
		logrus.SetFormatter(metrics_util.NewLogFormatter(metricsProvider, formatter))
	} else {
		logrus.SetFormatter(formatter)
	}

	level, err := logrus.ParseLevel(strings.ToLower(config.LogLevel))
	if err != nil {
		logrus.StandardLogger().WithField("log_level", config.LogLevel).Warn("unknown log level, ignoring")
	} else {
		logrus.SetLevel(level)
	}

	logrus.SetOutput(os.Stdout)
}
