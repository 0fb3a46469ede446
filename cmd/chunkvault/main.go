package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"

	"github.com/mdouchement/chunkvault/internal/config"
	"github.com/mdouchement/chunkvault/internal/database"
	"github.com/mdouchement/chunkvault/internal/scheduler"
	"github.com/mdouchement/chunkvault/internal/webserver"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version  = "dev"
	revision = "none"
	date     = "unknown"

	cfgfile string
	binding string
	port    string
)

func main() {
	c := &cobra.Command{
		Use:     "chunkvault",
		Short:   "Resumable chunked upload and range streaming server",
		Version: fmt.Sprintf("%s - build %.7s @ %s - %s", version, revision, date, runtime.Version()),
		Args:    cobra.ExactArgs(0),
	}
	c.PersistentFlags().StringVarP(&cfgfile, "config", "c", os.Getenv("CHUNKVAULT_CONFIG"), "Configuration file")

	c.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Version for chunkvault",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(c.Version)
		},
	})
	c.AddCommand(initCmd)
	c.AddCommand(reindexCmd)
	c.AddCommand(auditCmd)

	serverCmd.Flags().StringVarP(&binding, "binding", "b", "0.0.0.0", "Server's binding")
	serverCmd.Flags().StringVarP(&port, "port", "p", "5000", "Server's port")
	c.AddCommand(serverCmd)

	if err := c.Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}

var (
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Init the database",
		Args:  cobra.ExactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgfile)
			if err != nil {
				return err
			}
			return database.StormInit(cfg.DatabasePath)
		},
	}

	//

	reindexCmd = &cobra.Command{
		Use:   "reindex",
		Short: "Reindex the database",
		Args:  cobra.ExactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgfile)
			if err != nil {
				return err
			}
			return database.StormReIndex(cfg.DatabasePath)
		},
	}

	//

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Verify the integrity of the finalized objects",
		Args:  cobra.ExactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgfile)
			if err != nil {
				return err
			}

			ctrl, closer, err := controller(cfg, c.Root().Version)
			if err != nil {
				return err
			}
			defer closer()

			report, err := scheduler.Audit(context.Background(), scheduler.Controller{
				Logger:   ctrl.Logger,
				Database: ctrl.Database,
				Storage:  ctrl.Storage,
			})
			if err != nil {
				return errors.Wrap(err, "audit")
			}

			if len(report.Findings) > 0 {
				return errors.Errorf("%d damaged object(s) out of %d", len(report.Findings), report.Checked)
			}
			return nil
		},
	}

	//

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Start server",
		Args:  cobra.ExactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgfile)
			if err != nil {
				return err
			}

			ctrl, closer, err := controller(cfg, c.Root().Version)
			if err != nil {
				return err
			}
			defer closer()

			//

			stop, err := scheduler.Start(scheduler.Controller{
				Logger:        ctrl.Logger,
				Database:      ctrl.Database,
				Storage:       ctrl.Storage,
				Specification: cfg.AuditSchedule,
			})
			if err != nil {
				return errors.Wrap(err, "could not start scheduler")
			}
			defer stop()

			//

			engine := webserver.EchoEngine(ctrl)
			webserver.PrintRoutes(engine)

			listen := fmt.Sprintf("%s:%s", binding, port)
			ctrl.Logger.Infof("Server listening on %s (%s storage)", listen, ctrl.Storage.Name())
			return errors.Wrap(
				engine.Start(listen),
				"could not run server",
			)
		},
	}
)

// controller instantiates the logger, the database and the storage described by cfg.
func controller(cfg *config.Config, version string) (webserver.Controller, func(), error) {
	ctrl := webserver.Controller{
		Version: version,
	}

	log := logrus.New()
	log.SetFormatter(&logger.LogrusTextFormatter{
		DisableColors:   false,
		ForceColors:     true,
		ForceFormatting: true,
		PrefixRE:        regexp.MustCompile(`^(\[.*?\])\s`),
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return ctrl, nil, errors.Wrap(err, "invalid log level")
	}
	log.SetLevel(level)
	ctrl.Logger = logger.WrapLogrus(log)

	//

	ctrl.Window, err = cfg.Window()
	if err != nil {
		return ctrl, nil, err
	}
	ctrl.MaxChunkSize, err = cfg.ChunkSizeLimit()
	if err != nil {
		return ctrl, nil, err
	}

	//

	ctrl.Storage, err = cfg.Storage()
	if err != nil {
		return ctrl, nil, errors.Wrap(err, "could not open storage")
	}

	//

	db, err := database.StormOpen(cfg.DatabasePath)
	if err != nil {
		return ctrl, nil, errors.Wrap(err, "could not open database")
	}
	ctrl.Database = db

	return ctrl, func() { db.Close() }, nil
}
