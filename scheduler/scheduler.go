// Package scheduler drives the daily sweeps: one that enqueues renewal
// pipelines for routes running out of certificate, and one that records
// certificates rotated onto load balancers by hand.
package scheduler

import (
	"time"

	"code.cloudfoundry.org/lager"
	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/18f/cf-domain-renewer/adapters"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/18f/cf-domain-renewer/pipeline"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/robfig/cron"
)

// Target binds one resource class's store to the dependencies its pipelines
// need.
type Target struct {
	Store *models.Store
	Deps  pipeline.Deps
}

type Settings struct {
	RenewBeforeDays  int
	RenewSchedule    string
	BackportSchedule string
}

type Scheduler struct {
	targets  map[cfdomainrenewer.RouteType]Target
	queue    *pipeline.Queue
	lister   adapters.AttachedCertificateLister
	settings Settings
	cron     *cron.Cron
	logger   lager.Logger

	now func() time.Time
}

func New(targets map[cfdomainrenewer.RouteType]Target, queue *pipeline.Queue, lister adapters.AttachedCertificateLister, settings Settings, logger lager.Logger) *Scheduler {
	if settings.RenewBeforeDays <= 0 {
		settings.RenewBeforeDays = cfdomainrenewer.DefaultRenewBeforeDays
	}
	return &Scheduler{
		targets:  targets,
		queue:    queue,
		lister:   lister,
		settings: settings,
		cron:     cron.New(),
		logger:   logger.Session("scheduler"),
		now:      time.Now,
	}
}

func (s *Scheduler) Start() error {
	if err := s.cron.AddFunc(s.settings.RenewSchedule, s.RenewalSweep); err != nil {
		return err
	}
	if err := s.cron.AddFunc(s.settings.BackportSchedule, s.BackportSweep); err != nil {
		return err
	}
	s.logger.Info("starting-cron", lager.Data{
		"renew-schedule":    s.settings.RenewSchedule,
		"backport-schedule": s.settings.BackportSchedule,
	})
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// RenewalSweep walks every provisioned route in both stores and enqueues a
// pipeline for each one whose certificates are all inside the renewal
// window. Routes with a renewal already in flight are left alone.
func (s *Scheduler) RenewalSweep() {
	for routeType, target := range s.targets {
		s.sweepTarget(routeType, target)
	}
}

func (s *Scheduler) sweepTarget(routeType cfdomainrenewer.RouteType, target Target) {
	lsession := s.logger.Session("renewal-sweep", lager.Data{"route-type": routeType})
	lsession.Info("starting")

	routes, err := target.Store.FindActiveInstances()
	if err != nil {
		lsession.Error("find-active-instances", err)
		return
	}

	enqueued := 0
	for idx := range routes {
		route := &routes[idx]
		if !route.NeedsRenewal(s.settings.RenewBeforeDays, s.now()) {
			continue
		}

		active, err := target.Store.HasActiveOperation(route.ID)
		if err != nil {
			lsession.Error("check-active-operation", err, lager.Data{"instance-id": route.InstanceId})
			continue
		}
		if active {
			lsession.Info("renewal-already-in-flight", lager.Data{"instance-id": route.InstanceId})
			continue
		}

		op, err := target.Store.CreateRenewalOperation(route.ID)
		if err != nil {
			lsession.Error("create-operation", err, lager.Data{"instance-id": route.InstanceId})
			continue
		}

		s.queue.Enqueue(pipeline.Build(op.ID, routeType, target.Deps))
		enqueued++
		lsession.Info("renewal-enqueued", lager.Data{
			"instance-id":  route.InstanceId,
			"operation-id": op.ID,
		})
	}

	lsession.Info("finished", lager.Data{"routes": len(routes), "enqueued": enqueued})
}

// BackportSweep reconciles certificates that landed on load balancer
// listeners outside this system, recording them so renewal scheduling sees
// the real expiry.
func (s *Scheduler) BackportSweep() {
	lsession := s.logger.Session("backport-sweep")

	target, ok := s.targets[cfdomainrenewer.RouteTypeALB]
	if !ok || s.lister == nil {
		return
	}
	lsession.Info("starting")

	routes, err := target.Store.FindActiveInstances()
	if err != nil {
		lsession.Error("find-active-instances", err)
		return
	}

	for idx := range routes {
		route := &routes[idx]
		if route.AlbProxyArn == "" {
			continue
		}

		attached, err := s.lister.AttachedCertificates(route)
		if err != nil {
			lsession.Error("list-attached-certificates", err, lager.Data{"instance-id": route.InstanceId})
			continue
		}

		for _, arn := range attached {
			if err := s.backportCertificate(target.Store, route, arn, lsession); err != nil {
				lsession.Error("backport-certificate", err, lager.Data{
					"instance-id": route.InstanceId,
					"arn":         arn,
				})
			}
		}
	}

	lsession.Info("finished")
}

func (s *Scheduler) backportCertificate(store *models.Store, route *models.Route, arn string, lsession lager.Logger) error {
	known, err := store.HasCertificateWithArn(route.ID, arn)
	if err != nil || known {
		return err
	}

	metadata, err := s.lister.CertificateMetadata(arn)
	if err != nil {
		return err
	}

	err = store.CreateBackportedCertificate(route.ID, arn,
		aws.StringValue(metadata.ServerCertificateName),
		aws.TimeValue(metadata.Expiration))
	if err != nil {
		return err
	}

	lsession.Info("certificate-backported", lager.Data{
		"instance-id": route.InstanceId,
		"arn":         arn,
	})
	return nil
}
