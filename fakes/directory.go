package fakes

import (
	"fmt"
	"sync"

	"github.com/go-acme/lego/v3/acme"
)

// FakeDirectory is a scripted ACME server. Tests seed it with orders,
// authorizations and challenges keyed by url and inspect call counts
// afterwards.
type FakeDirectory struct {
	mu sync.Mutex

	Account        acme.ExtendedAccount
	AccountErr     error
	Order          acme.ExtendedOrder
	OrderErr       error
	Orders         map[string]acme.Order
	OrderQueue     []acme.Order
	Authorizations map[string]acme.Authorization
	Challenges     map[string]acme.ExtendedChallenge
	Certificates   map[string][]byte

	FinalizeResult acme.Order
	FinalizeErr    error

	AnswerErrs map[string]error

	NewAccountCalls  int
	NewOrderCalls    int
	FinalizeCalls    int
	AnswerCalls      []string
	GetOrderCalls    int
	CertificateCalls int
}

func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		Orders:         make(map[string]acme.Order),
		Authorizations: make(map[string]acme.Authorization),
		Challenges:     make(map[string]acme.ExtendedChallenge),
		Certificates:   make(map[string][]byte),
		AnswerErrs:     make(map[string]error),
	}
}

func (f *FakeDirectory) NewAccount(email string) (acme.ExtendedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NewAccountCalls++
	return f.Account, f.AccountErr
}

func (f *FakeDirectory) NewOrder(domains []string) (acme.ExtendedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NewOrderCalls++
	return f.Order, f.OrderErr
}

func (f *FakeDirectory) GetOrder(orderUrl string) (acme.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetOrderCalls++
	if len(f.OrderQueue) > 0 {
		order := f.OrderQueue[0]
		f.OrderQueue = f.OrderQueue[1:]
		return order, nil
	}
	order, ok := f.Orders[orderUrl]
	if !ok {
		return acme.Order{}, fmt.Errorf("no order at %s", orderUrl)
	}
	return order, nil
}

func (f *FakeDirectory) FinalizeOrder(finalizeUrl string, csr []byte) (acme.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FinalizeCalls++
	return f.FinalizeResult, f.FinalizeErr
}

func (f *FakeDirectory) GetAuthorization(authzUrl string) (acme.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	authz, ok := f.Authorizations[authzUrl]
	if !ok {
		return acme.Authorization{}, fmt.Errorf("no authorization at %s", authzUrl)
	}
	return authz, nil
}

func (f *FakeDirectory) AnswerChallenge(challengeUrl string) (acme.ExtendedChallenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AnswerCalls = append(f.AnswerCalls, challengeUrl)
	if err := f.AnswerErrs[challengeUrl]; err != nil {
		return acme.ExtendedChallenge{}, err
	}
	return f.Challenges[challengeUrl], nil
}

func (f *FakeDirectory) GetChallenge(challengeUrl string) (acme.ExtendedChallenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	challenge, ok := f.Challenges[challengeUrl]
	if !ok {
		return acme.ExtendedChallenge{}, fmt.Errorf("no challenge at %s", challengeUrl)
	}
	return challenge, nil
}

func (f *FakeDirectory) GetCertificate(certUrl string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CertificateCalls++
	bundle, ok := f.Certificates[certUrl]
	if !ok {
		return nil, fmt.Errorf("no certificate at %s", certUrl)
	}
	return bundle, nil
}

func (f *FakeDirectory) KeyAuthorization(token string) (string, error) {
	return token + ".fake-thumbprint", nil
}
