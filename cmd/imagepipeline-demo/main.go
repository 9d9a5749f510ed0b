// Command imagepipeline-demo serves images through an ImagePipeline over
// HTTP, grounded on the teacher's cmd/image-service bootstrap: flags via
// envy, a shutdown context from signal.NotifyContext, a TCP-or-unix HTTP
// listener, and a separate metrics listener.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/DMarby/imagepipeline/internal/cmd"
	"github.com/DMarby/imagepipeline/internal/codec"
	"github.com/DMarby/imagepipeline/internal/codec/stdcodec"
	"github.com/DMarby/imagepipeline/internal/dataloader"
	"github.com/DMarby/imagepipeline/internal/demoapi"
	"github.com/DMarby/imagepipeline/internal/diskcache"
	"github.com/DMarby/imagepipeline/internal/logger"
	"github.com/DMarby/imagepipeline/internal/metrics"
	"github.com/DMarby/imagepipeline/internal/pipeline"
	"github.com/DMarby/imagepipeline/internal/request"
	"github.com/DMarby/imagepipeline/internal/tracing"
	tracingtest "github.com/DMarby/imagepipeline/internal/tracing/test"

	"github.com/jamiealquiza/envy"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

var (
	listen        = flag.String("listen", "", "listen address (tcp host:port or unix socket path)")
	metricsListen = flag.String("metrics-listen", "127.0.0.1:8083", "metrics listen address")
	loglevel      = zap.LevelFlag("log-level", zap.InfoLevel, "log level (default \"info\") (debug, info, warn, error, dpanic, panic, fatal)")

	storagePath = flag.String("storage-path", "", "path to the disk cache directory")

	dataLoadingWorkers = flag.Int("data-loading-workers", pipeline.DefaultDataLoadingQueueMaxConcurrent, "data loading queue concurrency")
	processingWorkers  = flag.Int("processing-workers", pipeline.DefaultProcessingQueueMaxConcurrent, "image processing queue concurrency")
)

// checker satisfies internal/metrics.Checker without a real readiness probe
// beyond "the process is up"; the demo has no external dependency worth
// polling the way the teacher's storage/cache health check does.
type checker struct{}

func (checker) Healthy(ctx context.Context) error { return nil }

func main() {
	ctx := context.Background()

	envy.Parse("IMAGEPIPELINE")
	flag.Parse()

	log := logger.New(*loglevel)
	defer log.Sync()

	maxprocs.Set(maxprocs.Logger(log.Infof))

	shutdownCtx, shutdown := signal.NotifyContext(ctx, os.Interrupt, os.Kill, syscall.SIGTERM)
	defer shutdown()

	// Unlike the teacher's commented-out real tracer, initialization here is
	// attempted for real; a demo run without a collector reachable falls
	// back to the no-op tracer instead of refusing to start.
	var tracer tracing.Starter
	tracerCtx, tracerCancel := context.WithCancel(ctx)
	defer tracerCancel()
	if realTracer, err := tracing.New(tracerCtx, log, "imagepipeline-demo"); err != nil {
		log.Warnf("tracing disabled, falling back to no-op: %s", err)
		tracer = tracingtest.New(log)
	} else {
		tracer = realTracer
		defer realTracer.Shutdown(tracerCtx)
	}

	var dataCache *diskcache.Cache
	if *storagePath != "" {
		var err error
		dataCache, err = diskcache.New(*storagePath, request.DefaultFilenameGenerator)
		if err != nil {
			log.Fatalf("error initializing disk cache: %s", err)
		}
	}

	decoders := codec.NewRegistry()
	decoders.Register(stdcodec.Factory)

	pipe := pipeline.New(pipeline.Configuration{
		DataLoader:                    dataloader.NewHTTPLoader(nil),
		DataCache:                     dataCache,
		Decoders:                      decoders,
		Encoder:                       stdcodec.NewEncoder(),
		DataLoadingQueueMaxConcurrent: *dataLoadingWorkers,
		ProcessingQueueMaxConcurrent:  *processingWorkers,
		IsProgressiveDecodingEnabled:  true,
		IsRateLimiterEnabled:          true,
		IsResumableDataEnabled:        true,
		IsDecompressionEnabled:        true,
		DataCachePolicy:               pipeline.DataCachePolicyAutomatic,
		Tracer:                        tracer,
		Logger:                        log,
		MetricsRegistry:               metrics.Registry,
	})

	api := &demoapi.API{
		Pipeline: pipe,
		Encoder:  stdcodec.NewEncoder(),
		Log:      log,
		Tracer:   tracer,
	}

	server := &http.Server{
		Handler:      api.Router(),
		ReadTimeout:  cmd.ReadTimeout,
		WriteTimeout: cmd.WriteTimeout,
		IdleTimeout:  cmd.IdleTimeout,
		ErrorLog:     logger.NewHTTPErrorLog(log),
	}

	network := "unix"
	if strings.Contains(*listen, ":") {
		network = "tcp"
	} else if *listen != "" {
		os.Remove(*listen)
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, network, *listen)
	if err != nil {
		log.Fatalf("error creating %s listener: %s", network, err.Error())
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("error shutting down the http server: %s", err)
		}
	}()

	log.Infof("http server listening on %s", *listen)

	go metrics.Serve(shutdownCtx, log, checker{}, *metricsListen)

	<-shutdownCtx.Done()
	log.Infof("shutting down: %s", shutdownCtx.Err())

	serverCtx, serverCancel := context.WithTimeout(context.Background(), cmd.WriteTimeout)
	defer serverCancel()
	if err := server.Shutdown(serverCtx); err != nil {
		log.Warnf("error shutting down: %s", err)
	}
}
