package daemon

import (
	"fmt"
	"time"

	"github.com/harun/datalens/internal/config"
	"github.com/harun/datalens/pkg/bitbucket"
	"github.com/harun/datalens/pkg/database"
	"github.com/harun/datalens/pkg/outlook"
	"github.com/harun/datalens/pkg/splunk"
	"github.com/harun/datalens/pkg/toolexecutor"
)

var newOutlookBackend = outlook.NewDefaultBackend

// registerTools binds every enabled tool group. Tools of a disabled group are
// still known to the dispatcher so the model gets a "not available" result.
func (d *Daemon) registerTools() error {
	log := d.logger.GetZerolog()

	if d.config.Database.Enabled {
		dbCfg, err := databaseConfig(d.config)
		if err != nil {
			return err
		}
		dbCfg.Recorder = d.metrics
		dbCfg.Logger = log

		d.database, err = database.NewManager(d.ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("failed to create database manager: %w", err)
		}
		if err := database.RegisterTools(d.tools, d.database); err != nil {
			return err
		}
		d.logger.Info().Bool("mock", d.database.Mock()).Msg("Database tools registered")
	} else {
		d.tools.RegisterUnavailable(toolexecutor.GroupDatabase, database.ToolNames()...)
	}

	if d.config.Splunk.Enabled {
		sc := d.config.Splunk
		client := splunk.NewClient(splunk.Config{
			Host:             sc.Host,
			Port:             sc.Port,
			Username:         sc.Username,
			Password:         sc.Password,
			VerifySSL:        sc.VerifySSL,
			Timeout:          seconds(sc.TimeoutSeconds),
			Indexes:          sc.Indexes,
			EarliestTime:     sc.Query.EarliestTime,
			LatestTime:       sc.Query.LatestTime,
			MaxResults:       sc.Query.MaxResults,
			PageSize:         sc.Query.PageSize,
			MaxExecutionTime: seconds(sc.Query.MaxExecutionTimeSeconds),
			PollInterval:     time.Duration(sc.Query.PollIntervalMs) * time.Millisecond,
			Logger:           log,
		})
		if err := splunk.RegisterTools(d.tools, client); err != nil {
			return err
		}
		d.logger.Info().Str("host", sc.Host).Msg("Splunk tools registered")
	} else {
		d.tools.RegisterUnavailable(toolexecutor.GroupSplunk, splunk.ToolNames()...)
	}

	if d.config.Bitbucket.Enabled {
		bc := d.config.Bitbucket
		client := bitbucket.NewClient(bitbucket.Config{
			BaseURL:        bc.BaseURL,
			Token:          bc.Token,
			DefaultProject: bc.DefaultProject,
			VerifySSL:      bc.VerifySSL,
			ConnectTimeout: seconds(bc.ConnectTimeoutSeconds),
			ReadTimeout:    seconds(bc.ReadTimeoutSeconds),
			Logger:         log,
		})
		if err := bitbucket.RegisterTools(d.tools, client); err != nil {
			return err
		}
		d.logger.Info().Str("base_url", bc.BaseURL).Msg("Bitbucket tools registered")
	} else {
		d.tools.RegisterUnavailable(toolexecutor.GroupBitbucket, bitbucket.ToolNames()...)
	}

	if d.config.Outlook.Enabled {
		oc := d.config.Outlook
		client := outlook.NewClient(outlook.Config{
			SharedMailboxEmail:    oc.SharedMailboxEmail,
			SearchPersonalMailbox: oc.SearchPersonalMailbox,
			SearchSharedMailbox:   oc.SearchSharedMailbox,
			MaxSearchResults:      oc.MaxSearchResults,
			SearchTimeout:         seconds(oc.SearchTimeoutSeconds),
			SearchAllFolders:      oc.SearchAllFolders,
			MaxBodyChars:          oc.MaxBodyChars,
			Logger:                log,
		}, newOutlookBackend(), d.queue)
		if err := outlook.RegisterTools(d.tools, client); err != nil {
			return err
		}
		d.logger.Info().Msg("Outlook tools registered")
	} else {
		d.tools.RegisterUnavailable(toolexecutor.GroupOutlook, outlook.ToolNames()...)
	}

	for _, group := range toolexecutor.AllGroups() {
		if names := d.tools.FilterByGroup(group); len(names) > 0 {
			d.logger.Debug().Str("group", string(group)).Strs("tools", names).Msg("Tool group ready")
		}
	}
	d.logger.Info().Int("tools", d.tools.GetToolCount()).Msg("Tool registry ready")
	return nil
}

// databaseConfig maps the file config onto the manager's. Environment keys
// accept the same aliases as the connectToEnvironment tool.
func databaseConfig(cfg *config.Config) (database.Config, error) {
	dc := cfg.Database

	out := database.Config{
		Mock:          dc.Mode != "live",
		DefaultSchema: cfg.Agent.DefaultSchema,
		MaxRows:       dc.MaxRows,
		QueryTimeout:  seconds(dc.QueryTimeoutSeconds),
		Targets:       make(map[database.Environment]database.Target, len(dc.Environments)),
	}
	if cfg.Agent.SecondarySchema != "" {
		out.Schemas = []string{cfg.Agent.SecondarySchema}
	}

	if dc.DefaultEnvironment != "" {
		env, err := database.ParseEnvironment(dc.DefaultEnvironment)
		if err != nil {
			return out, fmt.Errorf("database.default_environment: %w", err)
		}
		out.DefaultEnvironment = env
	}

	for name, target := range dc.Environments {
		env, err := database.ParseEnvironment(name)
		if err != nil {
			return out, fmt.Errorf("database.environments: %w", err)
		}
		out.Targets[env] = database.Target{Driver: target.Driver, DSN: target.DSN}
	}

	return out, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
