package pipeline

import (
	"fmt"

	"code.cloudfoundry.org/lager"
	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/18f/cf-domain-renewer/alerts"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/jinzhu/gorm"
)

// FailureReporter turns an exhausted pipeline into a failed operation and an
// operator alert.
type FailureReporter struct {
	stores  map[cfdomainrenewer.RouteType]*models.Store
	alerter alerts.Alerter
	env     string
	logger  lager.Logger
}

func NewFailureReporter(stores map[cfdomainrenewer.RouteType]*models.Store, alerter alerts.Alerter, env string, logger lager.Logger) *FailureReporter {
	return &FailureReporter{
		stores:  stores,
		alerter: alerter,
		env:     env,
		logger:  logger.Session("failure-reporter"),
	}
}

// Report is the queue's failure hook. An operation that cannot be found is
// ignored; anything else is marked failed and alerted on.
func (r *FailureReporter) Report(operationId uint, routeType cfdomainrenewer.RouteType, stepName string, cause error) {
	lsession := r.logger.Session("report", lager.Data{
		"operation-id": operationId,
		"route-type":   routeType,
		"step":         stepName,
	})

	store, ok := r.stores[routeType]
	if !ok {
		lsession.Info("unknown-route-type")
		return
	}

	op, err := store.GetOperation(operationId)
	if err != nil {
		if gorm.IsRecordNotFoundError(err) {
			lsession.Info("operation-not-found")
			return
		}
		lsession.Error("load-operation", err)
		return
	}

	if err := store.MarkOperationFailed(operationId); err != nil {
		lsession.Error("mark-operation-failed", err)
		return
	}

	subject := fmt.Sprintf("[%s] certificate renewal failed for instance %s", r.env, op.Route.InstanceId)
	body := fmt.Sprintf(
		"Certificate renewal needs attention.\n\nOperation: %d\nRoute: %d (%s)\nResource type: %s\nFailing step: %s\nError: %v\n",
		operationId, op.RouteID, op.Route.InstanceId, routeType, stepName, cause,
	)
	if err := r.alerter.Notify(subject, body); err != nil {
		lsession.Error("send-alert", err)
		return
	}

	lsession.Info("operation-failed-and-reported")
}
