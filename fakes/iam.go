package fakes

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
)

// FakeIAMAPI keeps uploaded server certificates in memory. Only the calls
// the renewer makes are implemented; anything else panics through the
// embedded interface.
type FakeIAMAPI struct {
	iamiface.IAMAPI

	Certificates map[string]*iam.ServerCertificateMetadata

	UploadErr error
	DeleteErr error

	UploadCalls []*iam.UploadServerCertificateInput
	DeleteCalls []*iam.DeleteServerCertificateInput
}

func NewFakeIAMAPI() *FakeIAMAPI {
	return &FakeIAMAPI{Certificates: make(map[string]*iam.ServerCertificateMetadata)}
}

func (f *FakeIAMAPI) UploadServerCertificate(input *iam.UploadServerCertificateInput) (*iam.UploadServerCertificateOutput, error) {
	f.UploadCalls = append(f.UploadCalls, input)
	if f.UploadErr != nil {
		return nil, f.UploadErr
	}

	name := aws.StringValue(input.ServerCertificateName)
	if _, exists := f.Certificates[name]; exists {
		return nil, awserr.New(iam.ErrCodeEntityAlreadyExistsException, "already exists", nil)
	}

	metadata := &iam.ServerCertificateMetadata{
		Arn:                   aws.String(fmt.Sprintf("arn:aws-us-gov:iam::123456789012:server-certificate%s%s", aws.StringValue(input.Path), name)),
		Path:                  input.Path,
		ServerCertificateId:   aws.String("ASCA" + name),
		ServerCertificateName: input.ServerCertificateName,
		Expiration:            aws.Time(time.Now().Add(90 * 24 * time.Hour)),
	}
	f.Certificates[name] = metadata
	return &iam.UploadServerCertificateOutput{ServerCertificateMetadata: metadata}, nil
}

func (f *FakeIAMAPI) DeleteServerCertificate(input *iam.DeleteServerCertificateInput) (*iam.DeleteServerCertificateOutput, error) {
	f.DeleteCalls = append(f.DeleteCalls, input)
	if f.DeleteErr != nil {
		return nil, f.DeleteErr
	}

	name := aws.StringValue(input.ServerCertificateName)
	if _, exists := f.Certificates[name]; !exists {
		return nil, awserr.New(iam.ErrCodeNoSuchEntityException, "not found", nil)
	}
	delete(f.Certificates, name)
	return &iam.DeleteServerCertificateOutput{}, nil
}

func (f *FakeIAMAPI) ListServerCertificatesPages(input *iam.ListServerCertificatesInput, fn func(*iam.ListServerCertificatesOutput, bool) bool) error {
	var list []*iam.ServerCertificateMetadata
	for _, metadata := range f.Certificates {
		list = append(list, metadata)
	}
	fn(&iam.ListServerCertificatesOutput{ServerCertificateMetadataList: list}, true)
	return nil
}
