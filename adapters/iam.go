package adapters

import (
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
)

// iamCertifier is the certificate store shared by both adapters. Each
// adapter owns one, bound to the right partition's credentials.
type iamCertifier struct {
	iam        iamiface.IAMAPI
	pathPrefix string
	logger     lager.Logger
}

func certName(route *models.Route, cert *models.Certificate) string {
	return fmt.Sprintf("%s-%s-%d", route.InstanceId, time.Now().Format("2006-01-02"), cert.ID)
}

func (i *iamCertifier) uploadCertificate(route *models.Route, cert *models.Certificate) error {
	lsession := i.logger.Session("upload-certificate", lager.Data{"certificate-id": cert.ID})

	if cert.IamServerCertificateArn != "" {
		lsession.Debug("certificate-already-uploaded")
		return nil
	}

	chain := strings.TrimPrefix(cert.FullchainPEM, cert.LeafPEM)
	name := certName(route, cert)

	resp, err := i.iam.UploadServerCertificate(&iam.UploadServerCertificateInput{
		CertificateBody:       aws.String(cert.LeafPEM),
		CertificateChain:      aws.String(chain),
		PrivateKey:            aws.String(cert.PrivateKeyPEM),
		Path:                  aws.String(i.pathPrefix),
		ServerCertificateName: aws.String(name),
	})
	if err != nil {
		// a name collision with no recorded metadata means a previous
		// attempt died mid-upload and we cannot recover the arn, so give up
		// and let the retry with a new date run its course
		lsession.Error("iam-upload", err)
		return err
	}

	metadata := resp.ServerCertificateMetadata
	cert.IamServerCertificateArn = aws.StringValue(metadata.Arn)
	cert.IamServerCertificateId = aws.StringValue(metadata.ServerCertificateId)
	cert.IamServerCertificateName = aws.StringValue(metadata.ServerCertificateName)

	lsession.Info("certificate-uploaded", lager.Data{"arn": cert.IamServerCertificateArn})
	return nil
}

func (i *iamCertifier) deleteCertificate(name string) error {
	lsession := i.logger.Session("delete-certificate", lager.Data{"name": name})

	_, err := i.iam.DeleteServerCertificate(&iam.DeleteServerCertificateInput{
		ServerCertificateName: aws.String(name),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == iam.ErrCodeNoSuchEntityException {
			lsession.Debug("certificate-already-deleted")
			return nil
		}
		lsession.Error("iam-delete", err)
		return err
	}

	lsession.Info("certificate-deleted")
	return nil
}

func (i *iamCertifier) certificateMetadata(arn string) (*iam.ServerCertificateMetadata, error) {
	var found *iam.ServerCertificateMetadata
	err := i.iam.ListServerCertificatesPages(
		&iam.ListServerCertificatesInput{PathPrefix: aws.String(i.pathPrefix)},
		func(page *iam.ListServerCertificatesOutput, lastPage bool) bool {
			for _, metadata := range page.ServerCertificateMetadataList {
				if aws.StringValue(metadata.Arn) == arn {
					found = metadata
					return false
				}
			}
			return true
		},
	)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("no server certificate with arn %s under %s", arn, i.pathPrefix)
	}
	return found, nil
}
