package scheduler

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/taskgridproject/taskgrid/internal/common"
	"github.com/taskgridproject/taskgrid/internal/common/app"
	"github.com/taskgridproject/taskgrid/internal/common/task"
	"github.com/taskgridproject/taskgrid/internal/scheduler/blacklist"
	"github.com/taskgridproject/taskgrid/internal/scheduler/configuration"
)

// Run sets up a scheduler application and runs it until a SIGTERM is received.
func Run(config configuration.Configuration) error {
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())
	instanceId := uuid.NewString()
	log.Infof("Starting taskgrid scheduler %s", instanceId)

	shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
	defer shutdownMetricServer()

	registry := NewExecutorRegistry()
	tracker, err := blacklist.New(config.Blacklist, config.MaxTaskFailures, clock.RealClock{}, registry, nil)
	if err != nil {
		return errors.WithMessage(err, "error creating blacklist tracker")
	}
	prometheus.MustRegister(tracker)

	scheduler := NewScheduler(registry, tracker, config.Blacklist, clock.RealClock{})

	taskManager := task.NewBackgroundTaskManager("taskgrid_scheduler_")
	defer taskManager.StopAll(2 * time.Second)
	taskManager.Register(scheduler.ApplyBlacklistTimeout, config.BlacklistSweepInterval, "blacklist_timeout_sweep")

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Scheduler shutting down")
		return nil
	})
	return g.Wait()
}
