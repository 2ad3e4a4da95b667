package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/onsi/gomega"

	"github.com/civicdata/sf311-sync/database"
	"github.com/civicdata/sf311-sync/internal/app"
	"github.com/civicdata/sf311-sync/internal/config"
	"github.com/civicdata/sf311-sync/internal/socrata"
	"github.com/civicdata/sf311-sync/internal/status"
)

// DaemonTestHelper manages a sync daemon lifecycle for testing
type DaemonTestHelper struct {
	ctx        context.Context
	configPath string
	baseURL    string
	address    string
	httpClient *http.Client
	app        *app.SyncApp
	socrataURL string
}

// NewDaemonTestHelper creates a helper for a daemon that queries socrataURL
func NewDaemonTestHelper(ctx context.Context, configPath, socrataURL string) *DaemonTestHelper {
	port := FreePort()
	return &DaemonTestHelper{
		ctx:        ctx,
		configPath: configPath,
		address:    fmt.Sprintf("127.0.0.1:%d", port),
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		socrataURL: socrataURL,
	}
}

// FreePort asks the kernel for an unused TCP port
func FreePort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	defer func() {
		_ = l.Close()
	}()
	return l.Addr().(*net.TCPAddr).Port
}

// StartDaemon migrates the store, builds the daemon and starts it in the background
func (d *DaemonTestHelper) StartDaemon() error {
	cfg, err := config.LoadConfig(config.WithConfigPath(d.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := MigrateSQLite(cfg.Database.GetPath()); err != nil {
		return err
	}

	client, err := socrata.NewDefaultClient(socrata.Options{
		BaseURL:   d.socrataURL,
		DatasetID: cfg.Source.GetDatasetID(),
		AppToken:  "integration-token",
	})
	if err != nil {
		return fmt.Errorf("failed to create socrata client: %w", err)
	}

	syncApp, err := app.NewSyncApp(d.ctx,
		app.WithConfig(cfg),
		app.WithAddress(d.address),
		app.WithSocrataClient(client),
	)
	if err != nil {
		return fmt.Errorf("failed to build daemon: %w", err)
	}
	d.app = syncApp

	go func() {
		if err := syncApp.Start(); err != nil {
			// The test fails when it cannot reach the daemon
			fmt.Fprintf(os.Stderr, "Daemon start failed: %v\n", err)
		}
	}()

	return nil
}

// StopDaemon gracefully stops the daemon
func (d *DaemonTestHelper) StopDaemon() error {
	if d.app != nil {
		return d.app.Stop(5 * time.Second)
	}
	return nil
}

// WaitForDaemonReady waits for the ops server to answer /health
func (d *DaemonTestHelper) WaitForDaemonReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := d.httpClient.Get(d.baseURL + "/health")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 200*time.Millisecond).Should(gomega.Succeed(), "Daemon should be ready")
}

// WaitForPhase waits until /status reports the given phase
func (d *DaemonTestHelper) WaitForPhase(phase status.SyncPhase, timeout time.Duration) *status.RunStatus {
	var st *status.RunStatus
	gomega.Eventually(func() (status.SyncPhase, error) {
		var err error
		st, err = d.GetStatus()
		if err != nil {
			return "", err
		}
		return st.Phase, nil
	}, timeout, 200*time.Millisecond).Should(gomega.Equal(phase))
	return st
}

// GetStatus fetches and decodes /status
func (d *DaemonTestHelper) GetStatus() (*status.RunStatus, error) {
	resp, err := d.httpClient.Get(d.baseURL + "/status")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}
	var st status.RunStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetReadiness makes a GET request to /readiness
func (d *DaemonTestHelper) GetReadiness() (*http.Response, error) {
	return d.httpClient.Get(d.baseURL + "/readiness")
}

// GetMetrics returns the /metrics exposition text
func (d *DaemonTestHelper) GetMetrics() (string, error) {
	resp, err := d.httpClient.Get(d.baseURL + "/metrics")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// MigrateSQLite applies the schema migrations to a SQLite file
func MigrateSQLite(path string) error {
	m, err := database.NewFromConnectionString(database.DriverSQLite, path)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()
	if err := database.MigrateUp(m); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// ConfigOptions holds the knobs written by WriteConfigYAML
type ConfigOptions struct {
	RequestedFrom  string
	PageSize       int
	MaxRetries     int
	ConflictPolicy string
	Interval       string
}

// WriteConfigYAML writes a daemon configuration using a SQLite store under dir
func WriteConfigYAML(dir string, opts ConfigOptions) string {
	if opts.Interval == "" {
		opts.Interval = "1h"
	}
	if opts.ConflictPolicy == "" {
		opts.ConflictPolicy = config.ConflictPolicyOverwrite
	}

	content := fmt.Sprintf(`source:
  domain: data.sfgov.org
  datasetId: %s
  timeout: 10s

sync:
  pageSize: %d
  pageDelay: 0s
  retryDelay: 10ms
  maxRetries: %d
  conflictPolicy: %s
  requestedFrom: %q
  interval: %s

database:
  driver: sqlite
  path: %s

status:
  path: %s
`, DatasetID, opts.PageSize, opts.MaxRetries, opts.ConflictPolicy, opts.RequestedFrom, opts.Interval,
		filepath.Join(dir, "sf311.db"), filepath.Join(dir, "status.json"))

	path := filepath.Join(dir, "config.yaml")
	gomega.Expect(os.WriteFile(path, []byte(content), 0600)).To(gomega.Succeed())
	return path
}
