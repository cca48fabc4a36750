package main

import (
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"code.cloudfoundry.org/lager"
	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/18f/cf-domain-renewer/adapters"
	"github.com/18f/cf-domain-renewer/alerts"
	"github.com/18f/cf-domain-renewer/letsencrypt"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/18f/cf-domain-renewer/pipeline"
	"github.com/18f/cf-domain-renewer/scheduler"
	"github.com/18f/cf-domain-renewer/types"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudfront"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
)

func main() {
	logger := lager.NewLogger("cf-domain-renewer")
	logger.RegisterSink(lager.NewPrettySink(os.Stdout, lager.INFO))
	logger.RegisterSink(lager.NewPrettySink(os.Stderr, lager.ERROR))

	settings, err := types.NewSettings("")
	if err != nil {
		logger.Fatal("new-settings", err)
	}

	cdnStore := openStore(cfdomainrenewer.RouteTypeCDN, settings.CdnDatabaseUrl, settings, logger)
	albStore := openStore(cfdomainrenewer.RouteTypeALB, settings.AlbDatabaseUrl, settings, logger)
	stores := map[cfdomainrenewer.RouteType]*models.Store{
		cfdomainrenewer.RouteTypeCDN: cdnStore,
		cfdomainrenewer.RouteTypeALB: albStore,
	}

	// the CDN distributions live in the commercial partition, the load
	// balancers in govcloud
	commercial := session.Must(session.NewSession(aws.NewConfig().
		WithRegion(settings.CommercialRegion).
		WithCredentials(credentials.NewStaticCredentials(
			settings.CommercialAccessKeyId, settings.CommercialSecretAccessKey, ""))))
	govcloud := session.Must(session.NewSession(aws.NewConfig().
		WithRegion(settings.GovcloudRegion).
		WithCredentials(credentials.NewStaticCredentials(
			settings.GovcloudAccessKeyId, settings.GovcloudSecretAccessKey, ""))))

	cdnAdapter := adapters.NewCdnAdapter(
		cloudfront.New(commercial), iam.New(commercial), s3.New(commercial),
		adapters.CdnAdapterSettings{
			Bucket:        settings.CommercialBucket,
			IamPathPrefix: settings.CommercialIamPathPrefix,
			PollDelay:     settings.PropagationPollDelay,
			PollAttempts:  settings.PropagationPollAttempts,
			SettleDelay:   settings.S3PropagationSleep,
		}, logger)
	albAdapter := adapters.NewAlbAdapter(
		elbv2.New(govcloud), iam.New(govcloud), s3.New(govcloud), albStore,
		adapters.AlbAdapterSettings{
			Bucket:        settings.GovcloudBucket,
			IamPathPrefix: settings.GovcloudIamPathPrefix,
			PollDelay:     settings.PropagationPollDelay,
			PollAttempts:  settings.PropagationPollAttempts,
			SettleDelay:   settings.S3PropagationSleep,
		}, logger)

	factory, err := letsencrypt.NewDirectoryFactory(settings.AcmeUrl, http.DefaultClient)
	if err != nil {
		logger.Fatal("new-directory-factory", err)
	}

	orchestratorSettings := letsencrypt.OrchestratorSettings{
		Email:               settings.Email,
		ChallengeType:       cfdomainrenewer.ChallengeType(settings.ChallengeType),
		MaxRoutesPerAccount: settings.MaxRoutesPerUser,
		PollTimeout:         time.Duration(settings.AcmePollTimeoutInSeconds) * time.Second,
		Resolvers:           settings.Resolvers,
	}

	var alerter alerts.Alerter = alerts.NewLogAlerter(logger)
	if settings.SmtpHost != "" {
		alerter = alerts.NewSmtpAlerter(alerts.SmtpSettings{
			Host:     settings.SmtpHost,
			Port:     settings.SmtpPort,
			Username: settings.SmtpUser,
			Password: settings.SmtpPass,
			From:     settings.SmtpFrom,
			To:       strings.Split(settings.SmtpTo, ","),
		}, logger)
	}

	reporter := pipeline.NewFailureReporter(stores, alerter, settings.Env, logger)
	queue := pipeline.NewQueue(stores, pipeline.QueueSettings{
		Attempts:      settings.StepAttempts,
		RetryInterval: settings.StepRetryInterval,
	}, reporter.Report, logger)
	queue.Run()

	targets := map[cfdomainrenewer.RouteType]scheduler.Target{
		cfdomainrenewer.RouteTypeCDN: {
			Store: cdnStore,
			Deps: pipeline.Deps{
				Store:        cdnStore,
				Orchestrator: letsencrypt.NewOrchestrator(cdnStore, factory, orchestratorSettings, logger),
				Adapter:      cdnAdapter,
			},
		},
		cfdomainrenewer.RouteTypeALB: {
			Store: albStore,
			Deps: pipeline.Deps{
				Store:        albStore,
				Orchestrator: letsencrypt.NewOrchestrator(albStore, factory, orchestratorSettings, logger),
				Adapter:      albAdapter,
			},
		},
	}

	sched := scheduler.New(targets, queue, albAdapter, scheduler.Settings{
		RenewBeforeDays:  settings.RenewBeforeDays,
		RenewSchedule:    settings.RenewSchedule,
		BackportSchedule: settings.BackportSchedule,
	}, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("start-scheduler", err)
	}

	logger.Info("started", lager.Data{"env": settings.Env})

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	sched.Stop()
	queue.Stop()
	logger.Info("goodbye")
}

func openStore(routeType cfdomainrenewer.RouteType, databaseUrl string, settings *types.Settings, logger lager.Logger) *models.Store {
	db, err := gorm.Open("postgres", databaseUrl)
	if err != nil {
		logger.Fatal("open-database", err, lager.Data{"route-type": routeType})
	}

	store, err := models.NewStore(routeType, db, settings.EncryptionKey(routeType), logger)
	if err != nil {
		logger.Fatal("new-store", err, lager.Data{"route-type": routeType})
	}
	if err := store.AutoMigrate(); err != nil {
		logger.Fatal("migrate", err, lager.Data{"route-type": routeType})
	}
	return store
}
