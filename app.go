package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/geodedup/dedup"
)

// shutdownTimeout bounds how long serve waits for in-flight requests
const shutdownTimeout = 5 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config   *dedup.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *dedup.MetricsObserver
	MQTT     mqtt.Client // nil when no broker is configured

	// mu guards the store cursor and the latest result, which HTTP
	// handlers read concurrently
	mu     sync.RWMutex
	store  dedup.Store
	result *dedup.Result
}

// NewApp creates an App with its own metrics registry
func NewApp(cfg *dedup.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	metrics, err := dedup.NewMetricsObserver(reg)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics,
	}, nil
}

// Open opens the configured input dataset
func (a *App) Open() error {
	store, err := dedup.OpenStore(a.Config.Input)
	if err != nil {
		return fmt.Errorf("opening %s: %w", a.Config.Input.Path, err)
	}
	a.mu.Lock()
	a.store = store
	a.mu.Unlock()

	fields := []zap.Field{
		zap.String("path", a.Config.Input.Path),
		zap.Strings("fields", store.Fields()),
	}
	if gpkg, ok := store.(*dedup.GeoPackage); ok {
		fields = append(fields, zap.String("table", gpkg.Table()))
	}
	a.Logger.Info("opened dataset", fields...)
	return nil
}

// ConnectMQTT connects to the configured broker. A failed connection is
// logged and the pass continues without publishing.
func (a *App) ConnectMQTT() {
	client, err := dedup.ConnectMQTT(a.Config.MQTT)
	if err != nil {
		a.Logger.Warn("mqtt unavailable, progress will not be published", zap.Error(err))
		return
	}
	if client != nil {
		a.Logger.Info("connected to mqtt broker", zap.String("broker", a.Config.MQTT.Broker))
	}
	a.MQTT = client
}

// HideFields removes the named attribute columns from the schema the pass
// sees. The input dataset is not modified. Unknown names are ignored.
func (a *App) HideFields(names []string) error {
	if len(names) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.store == nil {
		return fmt.Errorf("dataset not open")
	}
	hider, ok := a.store.(dedup.FieldHider)
	if !ok {
		return fmt.Errorf("dataset %s does not support hiding fields", a.Config.Input.Path)
	}

	before := len(a.store.Fields())
	if err := hider.HideFields(names); err != nil {
		return fmt.Errorf("hiding fields: %w", err)
	}
	a.Logger.Info("ignoring fields",
		zap.Strings("requested", names),
		zap.Int("removed", before-len(a.store.Fields())))
	return nil
}

// DropFields deletes the named attribute columns from the dataset. A
// GeoPackage is altered on disk. Unknown names are ignored.
func (a *App) DropFields(names []string) error {
	if len(names) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.store == nil {
		return fmt.Errorf("dataset not open")
	}
	deleter, ok := a.store.(dedup.FieldDeleter)
	if !ok {
		return fmt.Errorf("dataset %s does not support dropping fields", a.Config.Input.Path)
	}

	before := len(a.store.Fields())
	if err := deleter.DeleteFields(names); err != nil {
		return fmt.Errorf("dropping fields: %w", err)
	}
	a.Logger.Info("dropped fields",
		zap.Strings("requested", names),
		zap.Int("removed", before-len(a.store.Fields())))
	return nil
}

// RunPass clusters the dataset once and keeps the result for serving
func (a *App) RunPass() (*dedup.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.store == nil {
		return nil, fmt.Errorf("dataset not open")
	}

	runID := uuid.NewString()
	observers := dedup.MultiObserver{
		dedup.NewLogObserver(a.Logger.With(zap.String("run_id", runID))),
		a.Metrics,
	}
	var publisher *dedup.Publisher
	if a.MQTT != nil {
		publisher = dedup.NewPublisher(a.MQTT, a.Config.MQTT.PublishPrefix, runID, a.Config.MQTT.ProgressRate, a.Logger)
		publisher.SetQoS(a.Config.MQTT.QoS)
		observers = append(observers, publisher)
	}

	engine := dedup.NewEngine(a.store,
		dedup.WithObserver(observers),
		dedup.WithAttributeVerification(a.Config.Dedup.VerifyAttributes))

	res, err := engine.Run()
	if err != nil {
		return nil, fmt.Errorf("clustering pass: %w", err)
	}
	res.RunID = runID

	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("clustering pass produced an inconsistent result: %w", err)
	}
	if publisher != nil {
		publisher.PublishResult(res)
		if err := publisher.Err(); err != nil {
			a.Logger.Warn("pass finished with mqtt errors", zap.Error(err))
		}
	}

	a.result = res
	return res, nil
}

// Result returns the latest pass result, or nil before the first pass
func (a *App) Result() *dedup.Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.result
}

// WriteOutputs writes every output file named in the configuration
func (a *App) WriteOutputs(res *dedup.Result) error {
	out := a.Config.Output

	if out.Path != "" {
		if err := dedup.WriteResultFile(out.Path, res); err != nil {
			return fmt.Errorf("writing clusters: %w", err)
		}
		a.Logger.Info("wrote clusters", zap.String("path", out.Path))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.store.ClearSpatialFilter()

	if out.Annotated != "" {
		if err := writeFile(out.Annotated, func(f *os.File) error {
			return dedup.WriteAnnotatedGeoJSON(f, a.store, res)
		}); err != nil {
			return fmt.Errorf("writing annotated GeoJSON: %w", err)
		}
		a.Logger.Info("wrote annotated GeoJSON", zap.String("path", out.Annotated))
	}

	if out.Render != "" {
		renderer := dedup.NewClusterRenderer(a.store, res)
		render := renderer.RenderToSVG
		if strings.EqualFold(filepath.Ext(out.Render), ".png") {
			render = renderer.RenderToPNG
		}
		if err := writeFile(out.Render, func(f *os.File) error { return render(f) }); err != nil {
			return fmt.Errorf("rendering clusters: %w", err)
		}
		a.Logger.Info("rendered clusters", zap.String("path", out.Render))
	}
	return nil
}

// writeFile creates path and runs fn on it, reporting close errors
func writeFile(path string, fn func(*os.File) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(f)
}

// Serve runs the HTTP server until ctx is cancelled
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.HTTP.Port),
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases the dataset and the broker connection
func (a *App) Close() error {
	if a.MQTT != nil {
		a.MQTT.Disconnect(250)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
