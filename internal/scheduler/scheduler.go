package scheduler

import (
	"context"

	"github.com/mdouchement/chunkvault/internal/chunkstore"
	"github.com/mdouchement/chunkvault/internal/database"
	"github.com/mdouchement/chunkvault/internal/storage"
	"github.com/mdouchement/chunkvault/internal/xerror"
	"github.com/mdouchement/logger"
	"github.com/robfig/cron/v3"
)

// A Controller is an Iversion Of Control pattern used to init the server package.
type Controller struct {
	Logger        logger.Logger
	Database      database.Client
	Storage       storage.Backend
	Specification string
}

// A Report sums up an audit run.
type Report struct {
	Checked int
	// Findings holds the integrity error of each damaged object.
	Findings map[string]error
}

// Start lauches the scheduler asynchronously.
// The returned function stops it.
func Start(c Controller) (func(), error) {
	cron := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	log := c.Logger.WithPrefix("[scheduler]")

	_, err := cron.AddFunc(c.Specification, func() {
		if _, err := Audit(context.Background(), c); err != nil {
			log.Error(err)
		}
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Audit task registred (%s)", c.Specification)

	cron.Start()
	log.Info("Scheduler is running")

	return func() {
		<-cron.Stop().Done()
	}, nil
}

// Audit verifies every complete object against its chunks and their payloads, then prunes the storage.
// Incomplete uploads are never touched.
func Audit(ctx context.Context, c Controller) (*Report, error) {
	log := c.Logger.WithPrefix("[audit]")
	store := chunkstore.New(c.Logger, c.Database, c.Storage)

	objects, err := c.Database.AllObjects()
	if err != nil {
		return nil, err
	}

	report := &Report{
		Findings: map[string]error{},
	}

	for _, object := range objects {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if !object.IsComplete {
			continue
		}
		report.Checked++

		err = store.Verify(ctx, object)
		if err != nil {
			if !xerror.Is(err, xerror.StreamIntegrity) {
				return report, err
			}

			report.Findings[object.ID] = err
			if xerr, ok := xerror.As(err); ok && len(xerr.MissingIndices) > 0 {
				log.Errorf("%s (%s): missing chunk(s) %v", object.ID, object.Filename, xerr.MissingIndices)
				continue
			}
			log.Errorf("%s (%s): %s", object.ID, object.Filename, err)
		}
	}
	log.Infof("%d object(s) checked, %d damaged", report.Checked, len(report.Findings))

	log.Info("Storage cleanup")
	return report, c.Storage.Cleanup(ctx)
}
