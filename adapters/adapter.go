// Package adapters holds the provider-facing half of the renewal pipeline.
// Each resource class gets one adapter that knows how to publish challenge
// files, install certificates and retire old ones for that class.
package adapters

import (
	"github.com/18f/cf-domain-renewer/models"
	"github.com/aws/aws-sdk-go/service/iam"
)

// ResourceAdapter is what the pipeline steps call. Implementations mutate the
// passed records with provider identifiers; persistence stays with the
// caller.
type ResourceAdapter interface {
	// UploadChallengeFiles publishes validation material for unanswered
	// challenges.
	UploadChallengeFiles(route *models.Route, challenges []models.Challenge) error

	// UploadCertificate pushes the issued certificate into the certificate
	// store and fills in the certificate's store identifiers.
	UploadCertificate(route *models.Route, cert *models.Certificate) error

	// AssociateCertificate points the edge resource at the uploaded
	// certificate, displacing whichever one it was serving.
	AssociateCertificate(route *models.Route, cert *models.Certificate) error

	// WaitForPropagation blocks until the resource reports the change is
	// live.
	WaitForPropagation(route *models.Route, cert *models.Certificate) error

	// DeleteCertificate removes a certificate from the certificate store by
	// name. Deleting one that is already gone is not an error.
	DeleteCertificate(name string) error
}

// AttachedCertificateLister is implemented by adapters whose resources can be
// rotated by hand outside this system, so the sweep can pick those
// certificates up.
type AttachedCertificateLister interface {
	AttachedCertificates(route *models.Route) ([]string, error)
	CertificateMetadata(arn string) (*iam.ServerCertificateMetadata, error)
}
