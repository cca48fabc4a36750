package fakes

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/elbv2/elbv2iface"
)

// FakeELBV2API tracks extra certificates per listener arn.
type FakeELBV2API struct {
	elbv2iface.ELBV2API

	ListenerCertificates map[string][]*elbv2.Certificate

	AddErr    error
	RemoveErr error

	AddCalls    []*elbv2.AddListenerCertificatesInput
	RemoveCalls []*elbv2.RemoveListenerCertificatesInput
}

func NewFakeELBV2API() *FakeELBV2API {
	return &FakeELBV2API{ListenerCertificates: make(map[string][]*elbv2.Certificate)}
}

func (f *FakeELBV2API) AddListenerCertificates(input *elbv2.AddListenerCertificatesInput) (*elbv2.AddListenerCertificatesOutput, error) {
	f.AddCalls = append(f.AddCalls, input)
	if f.AddErr != nil {
		return nil, f.AddErr
	}

	listener := aws.StringValue(input.ListenerArn)
	for _, cert := range input.Certificates {
		if f.hasCertificate(listener, aws.StringValue(cert.CertificateArn)) {
			continue
		}
		f.ListenerCertificates[listener] = append(f.ListenerCertificates[listener], cert)
	}
	return &elbv2.AddListenerCertificatesOutput{Certificates: f.ListenerCertificates[listener]}, nil
}

func (f *FakeELBV2API) RemoveListenerCertificates(input *elbv2.RemoveListenerCertificatesInput) (*elbv2.RemoveListenerCertificatesOutput, error) {
	f.RemoveCalls = append(f.RemoveCalls, input)
	if f.RemoveErr != nil {
		return nil, f.RemoveErr
	}

	listener := aws.StringValue(input.ListenerArn)
	var kept []*elbv2.Certificate
	for _, existing := range f.ListenerCertificates[listener] {
		removed := false
		for _, cert := range input.Certificates {
			if aws.StringValue(existing.CertificateArn) == aws.StringValue(cert.CertificateArn) {
				removed = true
			}
		}
		if !removed {
			kept = append(kept, existing)
		}
	}
	f.ListenerCertificates[listener] = kept
	return &elbv2.RemoveListenerCertificatesOutput{}, nil
}

func (f *FakeELBV2API) DescribeListenerCertificates(input *elbv2.DescribeListenerCertificatesInput) (*elbv2.DescribeListenerCertificatesOutput, error) {
	listener := aws.StringValue(input.ListenerArn)
	return &elbv2.DescribeListenerCertificatesOutput{Certificates: f.ListenerCertificates[listener]}, nil
}

func (f *FakeELBV2API) hasCertificate(listener, arn string) bool {
	for _, cert := range f.ListenerCertificates[listener] {
		if aws.StringValue(cert.CertificateArn) == arn {
			return true
		}
	}
	return false
}
