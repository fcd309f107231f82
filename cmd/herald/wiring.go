package main

import (
	"context"
	"database/sql"

	"github.com/MarcoPoloResearchLab/herald/internal/backends"
	"github.com/MarcoPoloResearchLab/herald/internal/config"
	"github.com/MarcoPoloResearchLab/herald/internal/database"
	"github.com/MarcoPoloResearchLab/herald/internal/inbox"
	"github.com/MarcoPoloResearchLab/herald/internal/logging"
	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"github.com/MarcoPoloResearchLab/herald/internal/users"
	"go.uber.org/zap"
)

type serviceStack struct {
	logger     *zap.Logger
	sqlDB      *sql.DB
	mediums    *notices.MediumRegistry
	catalog    *notices.Catalog
	settings   *notices.SettingResolver
	stats      *notices.StatsRecorder
	users      *users.Service
	inbox      *inbox.Service
	dispatcher *notices.Dispatcher
	drainer    *notices.Drainer
}

func (s *serviceStack) Close() {
	if s.sqlDB != nil {
		_ = s.sqlDB.Close()
	}
	_ = s.logger.Sync()
}

// buildStack opens the database and assembles the dispatch pipeline. Transports are
// only constructed for the backends that are enabled.
func buildStack(appConfig config.AppConfig) (stack *serviceStack, err error) {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	stack = &serviceStack{logger: logger}
	partial := stack
	defer func() {
		if err != nil {
			partial.Close()
		}
	}()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	if stack.sqlDB, err = db.DB(); err != nil {
		return nil, err
	}

	if stack.mediums, err = notices.NewMediumRegistry(appConfig.Notices.Mediums); err != nil {
		return nil, err
	}
	if stack.catalog, err = notices.NewCatalog(notices.CatalogConfig{Database: db, Logger: logger}); err != nil {
		return nil, err
	}
	if stack.users, err = users.NewService(users.ServiceConfig{Database: db}); err != nil {
		return nil, err
	}
	if stack.settings, err = notices.NewSettingResolver(notices.SettingResolverConfig{
		Database:  db,
		Mediums:   stack.mediums,
		Directory: stack.users,
		Keys:      notices.NewUUIDKeyProvider(),
		Logger:    logger,
	}); err != nil {
		return nil, err
	}
	if stack.stats, err = notices.NewStatsRecorder(notices.StatsRecorderConfig{Database: db, Logger: logger}); err != nil {
		return nil, err
	}
	if stack.inbox, err = inbox.NewService(inbox.ServiceConfig{Database: db, Hub: inbox.NewHub()}); err != nil {
		return nil, err
	}

	renderer, err := backends.NewRenderer(backends.RendererConfig{
		Fallback:  appConfig.Notices.DefaultLocale,
		Templates: appConfig.Notices.Templates,
	})
	if err != nil {
		return nil, err
	}
	deps := backends.Dependencies{
		Settings:       stack.settings,
		Renderer:       renderer,
		UnsubscribeURL: appConfig.Notices.UnsubscribeURL,
		Inbox:          stack.inbox,
		Logger:         logger,
	}
	if appConfig.UsesBackend(backends.EmailBackendName) {
		sender, err := backends.NewPostmarkSender(backends.PostmarkConfig{
			ServerToken:  appConfig.Email.ServerToken,
			AccountToken: appConfig.Email.AccountToken,
			From:         appConfig.Email.From,
			ReplyTo:      appConfig.Email.ReplyTo,
			BaseURL:      appConfig.Email.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		deps.EmailSender = sender
	}
	if appConfig.UsesBackend(backends.PushBackendName) {
		gateway, err := backends.NewPushGateway(appConfig.Push.URL, appConfig.Push.Token, appConfig.Push.Timeout)
		if err != nil {
			return nil, err
		}
		deps.PushGateway = gateway
	}
	built, err := backends.Build(appConfig.Notices.Backends, deps)
	if err != nil {
		return nil, err
	}

	invoker, err := notices.NewInvoker(notices.InvokerConfig{
		Catalog:       stack.catalog,
		Backends:      built,
		Mediums:       stack.mediums,
		Languages:     stack.users,
		Stats:         stack.stats,
		StatsEnabled:  appConfig.Notices.StatsEnabled,
		DefaultLocale: appConfig.Notices.DefaultLocale,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	queue, err := notices.NewQueue(notices.QueueConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	if stack.dispatcher, err = notices.NewDispatcher(notices.DispatcherConfig{
		Catalog:   stack.catalog,
		Invoker:   invoker,
		Queue:     queue,
		Directory: stack.users,
		QueueAll:  appConfig.Notices.QueueAll,
		Logger:    logger,
	}); err != nil {
		return nil, err
	}
	if stack.drainer, err = notices.NewDrainer(notices.DrainerConfig{
		Queue:      queue,
		Invoker:    invoker,
		Directory:  stack.users,
		BatchLimit: appConfig.Drain.BatchLimit,
		Logger:     logger,
	}); err != nil {
		return nil, err
	}

	logger.Info("dispatch pipeline ready",
		zap.Strings("backends", appConfig.Notices.Backends),
		zap.Bool("queue_all", appConfig.Notices.QueueAll),
		zap.String("default_locale", appConfig.Notices.DefaultLocale.String()))
	return stack, nil
}

func syncNoticeTypes(ctx context.Context, stack *serviceStack, appConfig config.AppConfig) error {
	for _, definition := range appConfig.Notices.Types {
		if _, _, err := stack.catalog.Create(ctx, definition); err != nil {
			return err
		}
	}
	return nil
}
