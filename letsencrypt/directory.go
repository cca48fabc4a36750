package letsencrypt

import (
	"crypto"
	"net/http"
	"net/url"

	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/go-acme/lego/v3/acme"
	"github.com/go-acme/lego/v3/acme/api"
	"go.uber.org/ratelimit"
)

// Directory is the slice of the ACME protocol the renewal pipeline needs.
// Every implementation is bound to one account key; registration happens with
// an empty key id.
type Directory interface {
	NewAccount(email string) (acme.ExtendedAccount, error)
	NewOrder(domains []string) (acme.ExtendedOrder, error)
	GetOrder(orderUrl string) (acme.Order, error)
	FinalizeOrder(finalizeUrl string, csr []byte) (acme.Order, error)
	GetAuthorization(authzUrl string) (acme.Authorization, error)
	AnswerChallenge(challengeUrl string) (acme.ExtendedChallenge, error)
	GetChallenge(challengeUrl string) (acme.ExtendedChallenge, error)
	GetCertificate(certUrl string) ([]byte, error)
	KeyAuthorization(token string) (string, error)
}

// DirectoryFactory builds a Directory signing with the given account key.
// kid is the account URI, empty for a not-yet-registered key.
type DirectoryFactory func(privateKey crypto.PrivateKey, kid string) (Directory, error)

type legoDirectory struct {
	core    *api.Core
	limiter ratelimit.Limiter
}

// NewDirectoryFactory returns a factory for directories talking to acmeUrl.
// All directories built by one factory share a rate limit so the pooled
// accounts stay under the CA's request ceiling together.
func NewDirectoryFactory(acmeUrl string, httpClient *http.Client) (DirectoryFactory, error) {
	if _, err := url.Parse(acmeUrl); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	limiter := ratelimit.New(cfdomainrenewer.AcmeRateLimit, ratelimit.WithoutSlack)

	return func(privateKey crypto.PrivateKey, kid string) (Directory, error) {
		core, err := api.New(httpClient, "18f/cf-domain-renewer", acmeUrl, kid, privateKey)
		if err != nil {
			return nil, err
		}
		return &legoDirectory{core: core, limiter: limiter}, nil
	}, nil
}

func (d *legoDirectory) NewAccount(email string) (acme.ExtendedAccount, error) {
	d.limiter.Take()
	return d.core.Accounts.New(acme.Account{
		TermsOfServiceAgreed: true,
		Contact:              []string{"mailto:" + email},
	})
}

func (d *legoDirectory) NewOrder(domains []string) (acme.ExtendedOrder, error) {
	d.limiter.Take()
	return d.core.Orders.New(domains)
}

func (d *legoDirectory) GetOrder(orderUrl string) (acme.Order, error) {
	d.limiter.Take()
	return d.core.Orders.Get(orderUrl)
}

func (d *legoDirectory) FinalizeOrder(finalizeUrl string, csr []byte) (acme.Order, error) {
	d.limiter.Take()
	return d.core.Orders.UpdateForCSR(finalizeUrl, csr)
}

func (d *legoDirectory) GetAuthorization(authzUrl string) (acme.Authorization, error) {
	d.limiter.Take()
	return d.core.Authorizations.Get(authzUrl)
}

func (d *legoDirectory) AnswerChallenge(challengeUrl string) (acme.ExtendedChallenge, error) {
	d.limiter.Take()
	return d.core.Challenges.New(challengeUrl)
}

func (d *legoDirectory) GetChallenge(challengeUrl string) (acme.ExtendedChallenge, error) {
	d.limiter.Take()
	return d.core.Challenges.Get(challengeUrl)
}

func (d *legoDirectory) GetCertificate(certUrl string) ([]byte, error) {
	d.limiter.Take()
	cert, _, err := d.core.Certificates.Get(certUrl, true)
	return cert, err
}

func (d *legoDirectory) KeyAuthorization(token string) (string, error) {
	return d.core.GetKeyAuthorization(token)
}
