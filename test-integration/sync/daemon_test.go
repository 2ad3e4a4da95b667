package integration

import (
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/civicdata/sf311-sync/internal/status"
	"github.com/civicdata/sf311-sync/internal/sync"
	"github.com/civicdata/sf311-sync/test-integration/sync/helpers"
)

var _ = Describe("Sync daemon", Label("daemon", "sqlite"), func() {
	var (
		tempDir string
		fake    *helpers.FakeSocrata
		daemon  *helpers.DaemonTestHelper
	)

	BeforeEach(func() {
		tempDir = createTempDir("sf311-integration-")
		fake = helpers.NewFakeSocrata(helpers.GenerateRows(25, "2025-01-02"))
	})

	AfterEach(func() {
		if daemon != nil {
			Expect(daemon.StopDaemon()).To(Succeed())
			daemon = nil
		}
		fake.Close()
		cleanupTempDir(tempDir)
	})

	startDaemon := func(opts helpers.ConfigOptions) {
		configPath := helpers.WriteConfigYAML(tempDir, opts)
		daemon = helpers.NewDaemonTestHelper(ctx, configPath, fake.URL())
		Expect(daemon.StartDaemon()).To(Succeed())
		daemon.WaitForDaemonReady(10 * time.Second)
	}

	Context("with an empty store", func() {
		It("backfills the requested window page by page", func() {
			startDaemon(helpers.ConfigOptions{RequestedFrom: "2025-01-01", PageSize: 10})

			st := daemon.WaitForPhase(status.SyncPhaseComplete, 15*time.Second)
			Expect(st.Mode).To(Equal(sync.ModeHistorical))
			Expect(st.Fetched).To(Equal(25))
			Expect(st.Inserted).To(Equal(25))
			Expect(st.Pages).To(Equal(3))
			Expect(st.Predicate).To(Equal("requested_datetime >= '2025-01-01T00:00:00.000'"))

			requests := fake.Requests()
			Expect(requests).To(HaveLen(3))
			for i, req := range requests {
				Expect(req.Offset).To(Equal(i * 10))
				Expect(req.Limit).To(Equal(10))
				Expect(req.Order).To(Equal(":id"))
				Expect(req.Token).To(Equal("integration-token"))
			}
		})

		It("reports readiness and metrics after a successful run", func() {
			startDaemon(helpers.ConfigOptions{RequestedFrom: "2025-01-01", PageSize: 100})
			daemon.WaitForPhase(status.SyncPhaseComplete, 15*time.Second)

			resp, err := daemon.GetReadiness()
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			metrics, err := daemon.GetMetrics()
			Expect(err).NotTo(HaveOccurred())
			Expect(metrics).To(ContainSubstring("sf311_sync_runs_total"))
			Expect(metrics).To(ContainSubstring(`dataset="vw6y-z8j6"`))
		})
	})

	Context("when the endpoint fails transiently", func() {
		It("retries the page and completes", func() {
			fake.FailNext(2)
			startDaemon(helpers.ConfigOptions{RequestedFrom: "2025-01-01", PageSize: 100, MaxRetries: 5})

			st := daemon.WaitForPhase(status.SyncPhaseComplete, 15*time.Second)
			Expect(st.Retries).To(Equal(2))
			Expect(st.Inserted).To(Equal(25))
		})
	})

	Context("when the endpoint keeps failing", func() {
		It("marks the run failed and reports not ready", func() {
			fake.FailNext(100)
			startDaemon(helpers.ConfigOptions{RequestedFrom: "2025-01-01", PageSize: 100, MaxRetries: 1})

			st := daemon.WaitForPhase(status.SyncPhaseFailed, 15*time.Second)
			Expect(st.FailedOp).To(Equal(sync.OpExtract))
			Expect(st.AttemptCount).To(Equal(1))
			Expect(st.Inserted).To(BeZero())

			resp, err := daemon.GetReadiness()
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Context("when the daemon restarts over a populated store", func() {
		It("switches to an incremental window", func() {
			startDaemon(helpers.ConfigOptions{RequestedFrom: "2025-01-01", PageSize: 100})
			daemon.WaitForPhase(status.SyncPhaseComplete, 15*time.Second)
			Expect(daemon.StopDaemon()).To(Succeed())

			fake.SetRows(helpers.GenerateRows(30, "2025-01-02"))
			startDaemon(helpers.ConfigOptions{RequestedFrom: "2025-01-01", PageSize: 100})

			Eventually(func() (sync.Mode, error) {
				st, err := daemon.GetStatus()
				if err != nil {
					return "", err
				}
				if st.Phase != status.SyncPhaseComplete {
					return "", nil
				}
				return st.Mode, nil
			}, 15*time.Second, 200*time.Millisecond).Should(Equal(sync.ModeIncremental))

			st, err := daemon.GetStatus()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Inserted).To(Equal(5))
			Expect(strings.Contains(st.Predicate, "updated_datetime > ")).To(BeTrue())
		})
	})
})
