package adapters

import (
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudfront"
	"github.com/aws/aws-sdk-go/service/cloudfront/cloudfrontiface"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type CdnAdapterSettings struct {
	Bucket        string
	IamPathPrefix string
	PollDelay     time.Duration
	PollAttempts  int
	SettleDelay   time.Duration
}

// CdnAdapter rotates certificates on CloudFront distributions. The
// distribution config is read and written back whole with its etag, the only
// update the service accepts.
type CdnAdapter struct {
	cloudfront cloudfrontiface.CloudFrontAPI
	certifier  *iamCertifier
	publisher  *challengePublisher
	settings   CdnAdapterSettings
	logger     lager.Logger
}

func NewCdnAdapter(cloudfrontSvc cloudfrontiface.CloudFrontAPI, iamSvc iamiface.IAMAPI, s3Svc s3iface.S3API, settings CdnAdapterSettings, logger lager.Logger) *CdnAdapter {
	logger = logger.Session("cdn-adapter")
	if settings.PollDelay <= 0 {
		settings.PollDelay = 30 * time.Second
	}
	if settings.PollAttempts <= 0 {
		settings.PollAttempts = 20
	}
	return &CdnAdapter{
		cloudfront: cloudfrontSvc,
		certifier:  &iamCertifier{iam: iamSvc, pathPrefix: settings.IamPathPrefix, logger: logger},
		publisher:  &challengePublisher{s3: s3Svc, bucket: settings.Bucket, settleDelay: settings.SettleDelay, logger: logger},
		settings:   settings,
		logger:     logger,
	}
}

func (a *CdnAdapter) UploadChallengeFiles(route *models.Route, challenges []models.Challenge) error {
	return a.publisher.uploadChallengeFiles(challenges)
}

func (a *CdnAdapter) UploadCertificate(route *models.Route, cert *models.Certificate) error {
	return a.certifier.uploadCertificate(route, cert)
}

func (a *CdnAdapter) AssociateCertificate(route *models.Route, cert *models.Certificate) error {
	lsession := a.logger.Session("associate-certificate", lager.Data{
		"distribution-id": route.DistId,
		"certificate-id":  cert.ID,
	})

	if route.DistId == "" {
		return errors.New("route has no distribution id")
	}
	if cert.IamServerCertificateId == "" {
		return errors.New("certificate has not been uploaded")
	}

	resp, err := a.cloudfront.GetDistributionConfig(&cloudfront.GetDistributionConfigInput{
		Id: aws.String(route.DistId),
	})
	if err != nil {
		lsession.Error("get-distribution-config", err)
		return err
	}

	config := resp.DistributionConfig
	if config.ViewerCertificate != nil &&
		aws.StringValue(config.ViewerCertificate.IAMCertificateId) == cert.IamServerCertificateId {
		lsession.Debug("certificate-already-associated")
		return nil
	}

	config.ViewerCertificate = &cloudfront.ViewerCertificate{
		IAMCertificateId:             aws.String(cert.IamServerCertificateId),
		SSLSupportMethod:             aws.String(cloudfront.SSLSupportMethodSniOnly),
		MinimumProtocolVersion:       aws.String(cloudfront.MinimumProtocolVersionTlsv112016),
		CloudFrontDefaultCertificate: aws.Bool(false),
	}

	_, err = a.cloudfront.UpdateDistribution(&cloudfront.UpdateDistributionInput{
		Id:                 aws.String(route.DistId),
		IfMatch:            resp.ETag,
		DistributionConfig: config,
	})
	if err != nil {
		lsession.Error("update-distribution", err)
		return err
	}

	lsession.Info("certificate-associated")
	return nil
}

func (a *CdnAdapter) WaitForPropagation(route *models.Route, cert *models.Certificate) error {
	lsession := a.logger.Session("wait-for-propagation", lager.Data{"distribution-id": route.DistId})

	for attempt := 0; attempt < a.settings.PollAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(a.settings.PollDelay)
		}

		resp, err := a.cloudfront.GetDistribution(&cloudfront.GetDistributionInput{
			Id: aws.String(route.DistId),
		})
		if err != nil {
			lsession.Error("get-distribution", err)
			return err
		}

		status := aws.StringValue(resp.Distribution.Status)
		if status == "Deployed" {
			lsession.Info("distribution-deployed")
			return nil
		}
		lsession.Debug("distribution-not-ready", lager.Data{"status": status})
	}

	return fmt.Errorf("distribution %s did not deploy in time", route.DistId)
}

func (a *CdnAdapter) DeleteCertificate(name string) error {
	return a.certifier.deleteCertificate(name)
}
