package fakes

import (
	"io/ioutil"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

func awsNotFound(code string) error {
	return awserr.New(code, code, nil)
}

type PutRecord struct {
	Bucket               string
	Key                  string
	Body                 string
	ServerSideEncryption string
}

// FakeS3API records every object written to it.
type FakeS3API struct {
	s3iface.S3API

	PutErr  error
	Objects []PutRecord
}

func NewFakeS3API() *FakeS3API {
	return &FakeS3API{}
}

func (f *FakeS3API) PutObject(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	if f.PutErr != nil {
		return nil, f.PutErr
	}
	body, err := ioutil.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.Objects = append(f.Objects, PutRecord{
		Bucket:               aws.StringValue(input.Bucket),
		Key:                  aws.StringValue(input.Key),
		Body:                 string(body),
		ServerSideEncryption: aws.StringValue(input.ServerSideEncryption),
	})
	return &s3.PutObjectOutput{}, nil
}
