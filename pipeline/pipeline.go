// Package pipeline chains the renewal steps for one operation and drives
// them through a worker queue with per-step retries.
package pipeline

import (
	"errors"

	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/18f/cf-domain-renewer/adapters"
	"github.com/18f/cf-domain-renewer/letsencrypt"
	"github.com/18f/cf-domain-renewer/models"
	uuid "github.com/satori/go.uuid"
)

// Step is one unit of work against an operation. Retriable steps run until
// they succeed or the attempt budget is spent; the rest get exactly one shot.
type Step struct {
	Name      string
	Retriable bool
	Run       func(op *models.Operation) error
}

// Pipeline is the fixed step chain for one renewal operation. The route type
// tag travels with it so the failure hook can find the right store.
type Pipeline struct {
	// Id correlates all of one pipeline's log lines across retries.
	Id          string
	OperationId uint
	RouteType   cfdomainrenewer.RouteType
	Steps       []Step
}

// Deps is everything the steps touch, bound per resource class.
type Deps struct {
	Store        *models.Store
	Orchestrator *letsencrypt.Orchestrator
	Adapter      adapters.ResourceAdapter
}

// Build assembles the renewal chain for an operation. Step order is fixed;
// every step re-reads the operation and relies on null-field guards, so
// re-running a completed step is a cheap no-op.
func Build(operationId uint, routeType cfdomainrenewer.RouteType, deps Deps) *Pipeline {
	return &Pipeline{
		Id:          uuid.NewV4().String(),
		OperationId: operationId,
		RouteType:   routeType,
		Steps: []Step{
			{Name: "create-account", Retriable: true, Run: deps.Orchestrator.CreateAccount},
			{Name: "create-key-and-csr", Retriable: true, Run: deps.Orchestrator.CreateKeyAndCSR},
			{Name: "initiate-order", Retriable: true, Run: deps.Orchestrator.InitiateOrder},
			{Name: "upload-challenge-files", Retriable: true, Run: func(op *models.Operation) error {
				if op.Certificate == nil {
					return errors.New("operation has no certificate")
				}
				return deps.Adapter.UploadChallengeFiles(op.Route, op.Certificate.Challenges)
			}},
			{Name: "answer-challenges", Retriable: true, Run: deps.Orchestrator.AnswerChallenges},
			{Name: "finalize-and-retrieve", Retriable: true, Run: deps.Orchestrator.FinalizeAndRetrieve},
			{Name: "upload-certificate", Retriable: true, Run: func(op *models.Operation) error {
				return uploadCertificate(deps, op)
			}},
			{Name: "associate-certificate", Retriable: true, Run: func(op *models.Operation) error {
				if op.Certificate == nil {
					return errors.New("operation has no certificate")
				}
				return deps.Adapter.AssociateCertificate(op.Route, op.Certificate)
			}},
			{Name: "wait-for-propagation", Retriable: false, Run: func(op *models.Operation) error {
				if op.Certificate == nil {
					return errors.New("operation has no certificate")
				}
				return deps.Adapter.WaitForPropagation(op.Route, op.Certificate)
			}},
			{Name: "remove-old-certificate", Retriable: true, Run: func(op *models.Operation) error {
				return removeOldCertificates(deps, op)
			}},
			{Name: "mark-operation-succeeded", Retriable: false, Run: func(op *models.Operation) error {
				return deps.Store.MarkOperationSucceeded(op.ID)
			}},
		},
	}
}

// uploadCertificate pushes the issued certificate into the store and, once
// the store identifiers are known, makes it the route's certificate.
func uploadCertificate(deps Deps, op *models.Operation) error {
	cert := op.Certificate
	if cert == nil {
		return errors.New("operation has no certificate")
	}
	if cert.LeafPEM == "" {
		return errors.New("certificate has not been issued")
	}

	if err := deps.Adapter.UploadCertificate(op.Route, cert); err != nil {
		return err
	}

	return deps.Store.Transaction(func(tx *models.Store) error {
		if err := tx.SaveCertificate(cert); err != nil {
			return err
		}
		return tx.AssociateCertificateWithRoute(cert, op.RouteID)
	})
}

// removeOldCertificates retires every store certificate the route holds
// besides the one this operation produced, then forgets their store
// identifiers so a repeat finds nothing to delete.
func removeOldCertificates(deps Deps, op *models.Operation) error {
	if op.Certificate == nil {
		return errors.New("operation has no certificate")
	}
	if op.Route == nil {
		return errors.New("operation has no route")
	}

	for idx := range op.Route.Certificates {
		old := &op.Route.Certificates[idx]
		if old.ID == op.Certificate.ID || old.IamServerCertificateName == "" {
			continue
		}

		if err := deps.Adapter.DeleteCertificate(old.IamServerCertificateName); err != nil {
			return err
		}

		if err := deps.Store.ClearIamMetadata(old); err != nil {
			return err
		}
	}
	return nil
}
