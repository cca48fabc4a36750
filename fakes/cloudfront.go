package fakes

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudfront"
	"github.com/aws/aws-sdk-go/service/cloudfront/cloudfrontiface"
)

// FakeCloudFrontAPI serves a single distribution whose config can be read and
// updated with etag checking, the way the real service behaves.
type FakeCloudFrontAPI struct {
	cloudfrontiface.CloudFrontAPI

	DistributionId string
	Config         *cloudfront.DistributionConfig
	ETag           string
	Status         string

	UpdateErr   error
	UpdateCalls []*cloudfront.UpdateDistributionInput
}

func NewFakeCloudFrontAPI(distributionId string) *FakeCloudFrontAPI {
	return &FakeCloudFrontAPI{
		DistributionId: distributionId,
		Config: &cloudfront.DistributionConfig{
			ViewerCertificate: &cloudfront.ViewerCertificate{},
		},
		ETag:   "E1TAG",
		Status: "Deployed",
	}
}

func (f *FakeCloudFrontAPI) GetDistributionConfig(input *cloudfront.GetDistributionConfigInput) (*cloudfront.GetDistributionConfigOutput, error) {
	if aws.StringValue(input.Id) != f.DistributionId {
		return nil, awsNotFound("NoSuchDistribution")
	}
	return &cloudfront.GetDistributionConfigOutput{
		DistributionConfig: f.Config,
		ETag:               aws.String(f.ETag),
	}, nil
}

func (f *FakeCloudFrontAPI) UpdateDistribution(input *cloudfront.UpdateDistributionInput) (*cloudfront.UpdateDistributionOutput, error) {
	f.UpdateCalls = append(f.UpdateCalls, input)
	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}
	if aws.StringValue(input.IfMatch) != f.ETag {
		return nil, awsNotFound("PreconditionFailed")
	}
	f.Config = input.DistributionConfig
	f.ETag = f.ETag + "x"
	f.Status = "InProgress"
	return &cloudfront.UpdateDistributionOutput{
		Distribution: &cloudfront.Distribution{
			Id:     input.Id,
			Status: aws.String(f.Status),
		},
	}, nil
}

func (f *FakeCloudFrontAPI) GetDistribution(input *cloudfront.GetDistributionInput) (*cloudfront.GetDistributionOutput, error) {
	if aws.StringValue(input.Id) != f.DistributionId {
		return nil, awsNotFound("NoSuchDistribution")
	}
	return &cloudfront.GetDistributionOutput{
		Distribution: &cloudfront.Distribution{
			Id:     aws.String(f.DistributionId),
			Status: aws.String(f.Status),
		},
	}, nil
}
