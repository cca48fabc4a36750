package adapters

import (
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/elbv2/elbv2iface"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// AlbProxyFinder resolves a load balancer arn to its tracked listener.
type AlbProxyFinder interface {
	GetAlbProxy(albArn string) (*models.AlbProxy, error)
}

type AlbAdapterSettings struct {
	Bucket        string
	IamPathPrefix string
	PollDelay     time.Duration
	PollAttempts  int
	SettleDelay   time.Duration
}

// AlbAdapter rotates certificates on load balancer listeners. The new
// certificate is attached before the old one is removed so the listener
// always has something to serve.
type AlbAdapter struct {
	elbv2     elbv2iface.ELBV2API
	certifier *iamCertifier
	publisher *challengePublisher
	proxies   AlbProxyFinder
	settings  AlbAdapterSettings
	logger    lager.Logger
}

func NewAlbAdapter(elbSvc elbv2iface.ELBV2API, iamSvc iamiface.IAMAPI, s3Svc s3iface.S3API, proxies AlbProxyFinder, settings AlbAdapterSettings, logger lager.Logger) *AlbAdapter {
	logger = logger.Session("alb-adapter")
	if settings.PollDelay <= 0 {
		settings.PollDelay = 30 * time.Second
	}
	if settings.PollAttempts <= 0 {
		settings.PollAttempts = 20
	}
	return &AlbAdapter{
		elbv2:     elbSvc,
		certifier: &iamCertifier{iam: iamSvc, pathPrefix: settings.IamPathPrefix, logger: logger},
		publisher: &challengePublisher{s3: s3Svc, bucket: settings.Bucket, settleDelay: settings.SettleDelay, logger: logger},
		proxies:   proxies,
		settings:  settings,
		logger:    logger,
	}
}

func (a *AlbAdapter) UploadChallengeFiles(route *models.Route, challenges []models.Challenge) error {
	return a.publisher.uploadChallengeFiles(challenges)
}

func (a *AlbAdapter) UploadCertificate(route *models.Route, cert *models.Certificate) error {
	return a.certifier.uploadCertificate(route, cert)
}

func (a *AlbAdapter) AssociateCertificate(route *models.Route, cert *models.Certificate) error {
	lsession := a.logger.Session("associate-certificate", lager.Data{
		"instance-id":    route.InstanceId,
		"certificate-id": cert.ID,
	})

	if cert.IamServerCertificateArn == "" {
		return errors.New("certificate has not been uploaded")
	}

	listenerArn, err := a.listenerArn(route)
	if err != nil {
		lsession.Error("resolve-listener", err)
		return err
	}

	_, err = a.elbv2.AddListenerCertificates(&elbv2.AddListenerCertificatesInput{
		ListenerArn: aws.String(listenerArn),
		Certificates: []*elbv2.Certificate{
			{CertificateArn: aws.String(cert.IamServerCertificateArn)},
		},
	})
	if err != nil {
		lsession.Error("add-listener-certificate", err)
		return err
	}

	// detach the certificates this one replaces, but never the one we just
	// attached
	for idx := range route.Certificates {
		previous := route.Certificates[idx]
		if previous.IamServerCertificateArn == "" ||
			previous.IamServerCertificateArn == cert.IamServerCertificateArn {
			continue
		}
		_, err = a.elbv2.RemoveListenerCertificates(&elbv2.RemoveListenerCertificatesInput{
			ListenerArn: aws.String(listenerArn),
			Certificates: []*elbv2.Certificate{
				{CertificateArn: aws.String(previous.IamServerCertificateArn)},
			},
		})
		if err != nil {
			lsession.Error("remove-listener-certificate", err, lager.Data{
				"arn": previous.IamServerCertificateArn,
			})
			return err
		}
	}

	lsession.Info("certificate-associated", lager.Data{"listener": listenerArn})
	return nil
}

func (a *AlbAdapter) WaitForPropagation(route *models.Route, cert *models.Certificate) error {
	lsession := a.logger.Session("wait-for-propagation", lager.Data{"instance-id": route.InstanceId})

	listenerArn, err := a.listenerArn(route)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < a.settings.PollAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(a.settings.PollDelay)
		}

		attached, err := a.listenerCertificates(listenerArn)
		if err != nil {
			lsession.Error("describe-listener-certificates", err)
			return err
		}
		for _, arn := range attached {
			if arn == cert.IamServerCertificateArn {
				lsession.Info("certificate-live")
				return nil
			}
		}
		lsession.Debug("certificate-not-yet-listed")
	}

	return fmt.Errorf("certificate %s never appeared on listener %s", cert.IamServerCertificateArn, listenerArn)
}

func (a *AlbAdapter) DeleteCertificate(name string) error {
	return a.certifier.deleteCertificate(name)
}

// AttachedCertificates lists the certificate arns currently on the route's
// listener, the input for picking up out-of-band rotations.
func (a *AlbAdapter) AttachedCertificates(route *models.Route) ([]string, error) {
	listenerArn, err := a.listenerArn(route)
	if err != nil {
		return nil, err
	}
	return a.listenerCertificates(listenerArn)
}

func (a *AlbAdapter) CertificateMetadata(arn string) (*iam.ServerCertificateMetadata, error) {
	return a.certifier.certificateMetadata(arn)
}

func (a *AlbAdapter) listenerArn(route *models.Route) (string, error) {
	if route.AlbProxyArn == "" {
		return "", errors.New("route has no load balancer")
	}
	proxy, err := a.proxies.GetAlbProxy(route.AlbProxyArn)
	if err != nil {
		return "", err
	}
	return proxy.ListenerArn, nil
}

func (a *AlbAdapter) listenerCertificates(listenerArn string) ([]string, error) {
	var arns []string
	input := &elbv2.DescribeListenerCertificatesInput{ListenerArn: aws.String(listenerArn)}
	for {
		page, err := a.elbv2.DescribeListenerCertificates(input)
		if err != nil {
			return nil, err
		}
		for _, cert := range page.Certificates {
			arns = append(arns, aws.StringValue(cert.CertificateArn))
		}
		if page.NextMarker == nil {
			return arns, nil
		}
		input.Marker = page.NextMarker
	}
}
