package letsencrypt

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"code.cloudfoundry.org/lager"
	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/18f/cf-domain-renewer/fakes"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/go-acme/lego/v3/acme"
	"github.com/go-acme/lego/v3/certcrypto"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/stretchr/testify/suite"
)

var testAccountKeyPEM string

func init() {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
	if err != nil {
		panic(err)
	}
	testAccountKeyPEM = string(certcrypto.PEMEncode(key))
}

type OrchestratorSuite struct {
	suite.Suite
	dir          string
	db           *gorm.DB
	store        *models.Store
	directory    *fakes.FakeDirectory
	orchestrator *Orchestrator
}

func (s *OrchestratorSuite) SetupTest() {
	var err error
	s.dir, err = ioutil.TempDir("", "renewer-acme-test")
	s.Require().NoError(err)

	s.db, err = gorm.Open("sqlite3", filepath.Join(s.dir, "state.db"))
	s.Require().NoError(err)

	s.store, err = models.NewStore(cfdomainrenewer.RouteTypeCDN, s.db,
		[]byte("0123456789abcdef0123456789abcdef"), lager.NewLogger("test"))
	s.Require().NoError(err)
	s.Require().NoError(s.store.AutoMigrate())

	s.directory = fakes.NewFakeDirectory()
	factory := func(privateKey crypto.PrivateKey, kid string) (Directory, error) {
		return s.directory, nil
	}

	s.orchestrator = NewOrchestrator(s.store, factory, OrchestratorSettings{
		Email:         "admin@example.gov",
		ChallengeType: cfdomainrenewer.ChallengeHTTP01,
		PollTimeout:   200 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}, lager.NewLogger("test"))
}

func (s *OrchestratorSuite) TearDownTest() {
	s.Require().NoError(s.db.Close())
	s.Require().NoError(os.RemoveAll(s.dir))
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) newOperation(domains ...string) *models.Operation {
	route := models.Route{
		InstanceId: "instance",
		State:      models.Provisioned,
		Domains:    models.DomainList(domains),
	}
	s.Require().NoError(s.db.Create(&route).Error)

	op, err := s.store.CreateRenewalOperation(route.ID)
	s.Require().NoError(err)
	return s.reload(op.ID)
}

func (s *OrchestratorSuite) assignAccount(op *models.Operation) *models.Operation {
	account := models.AcmeAccount{
		Email:         "admin@example.gov",
		Uri:           "https://acme.example/acct/1",
		PrivateKeyPEM: testAccountKeyPEM,
	}
	s.Require().NoError(s.store.CreateAccount(&account))
	s.Require().NoError(s.store.AssignAccount(op.Route, &account))
	return s.reload(op.ID)
}

func (s *OrchestratorSuite) reload(id uint) *models.Operation {
	op, err := s.store.GetOperation(id)
	s.Require().NoError(err)
	return op
}

func (s *OrchestratorSuite) TestCreateAccountRegistersWhenPoolEmpty() {
	op := s.newOperation("renew.example.gov")
	s.directory.Account = acme.ExtendedAccount{Location: "https://acme.example/acct/7"}

	s.Require().NoError(s.orchestrator.CreateAccount(op))
	s.Equal(1, s.directory.NewAccountCalls)

	loaded := s.reload(op.ID)
	s.Require().NotNil(loaded.Route.AcmeAccountID)
	s.Equal("https://acme.example/acct/7", loaded.Route.AcmeAccount.Uri)
	s.Contains(loaded.Route.AcmeAccount.PrivateKeyPEM, "PRIVATE KEY")
}

func (s *OrchestratorSuite) TestCreateAccountReusesPooledAccount() {
	op := s.newOperation("renew.example.gov")
	pooled := models.AcmeAccount{Email: "admin@example.gov", Uri: "https://acme.example/acct/1", PrivateKeyPEM: testAccountKeyPEM}
	s.Require().NoError(s.store.CreateAccount(&pooled))

	s.Require().NoError(s.orchestrator.CreateAccount(op))
	s.Equal(0, s.directory.NewAccountCalls)

	loaded := s.reload(op.ID)
	s.Require().NotNil(loaded.Route.AcmeAccountID)
	s.Equal(pooled.ID, *loaded.Route.AcmeAccountID)
}

func (s *OrchestratorSuite) TestCreateAccountIsIdempotent() {
	op := s.assignAccount(s.newOperation("renew.example.gov"))

	s.Require().NoError(s.orchestrator.CreateAccount(op))
	s.Equal(0, s.directory.NewAccountCalls)
}

func (s *OrchestratorSuite) TestCreateKeyAndCSR() {
	op := s.assignAccount(s.newOperation("renew.example.gov", "www.renew.example.gov"))

	s.Require().NoError(s.orchestrator.CreateKeyAndCSR(op))

	loaded := s.reload(op.ID)
	s.Require().NotNil(loaded.Certificate)
	s.Equal("renew.example.gov,www.renew.example.gov", loaded.Certificate.Domain)
	s.Contains(loaded.Certificate.PrivateKeyPEM, "PRIVATE KEY")
	s.Contains(loaded.Certificate.CsrPEM, "CERTIFICATE REQUEST")

	// a retry keeps the certificate it already made
	firstId := loaded.Certificate.ID
	s.Require().NoError(s.orchestrator.CreateKeyAndCSR(loaded))
	s.Equal(firstId, *s.reload(op.ID).CertificateID)
}

func (s *OrchestratorSuite) TestInitiateOrderRecordsChallenges() {
	op := s.assignAccount(s.newOperation("renew.example.gov"))
	s.Require().NoError(s.orchestrator.CreateKeyAndCSR(op))
	op = s.reload(op.ID)

	s.directory.Order = acme.ExtendedOrder{
		Order: acme.Order{
			Status:         acme.StatusPending,
			Authorizations: []string{"https://acme.example/authz/1"},
			Finalize:       "https://acme.example/order/1/finalize",
		},
		Location: "https://acme.example/order/1",
	}
	s.directory.Authorizations["https://acme.example/authz/1"] = acme.Authorization{
		Status:     acme.StatusPending,
		Identifier: acme.Identifier{Type: "dns", Value: "renew.example.gov"},
		Challenges: []acme.Challenge{
			{Type: "tls-alpn-01", URL: "https://acme.example/chall/alpn", Token: "alpn-token"},
			{Type: "http-01", URL: "https://acme.example/chall/http", Token: "http-token"},
		},
	}

	s.Require().NoError(s.orchestrator.InitiateOrder(op))

	loaded := s.reload(op.ID)
	s.Require().Len(loaded.Certificate.Challenges, 1)
	challenge := loaded.Certificate.Challenges[0]
	s.Equal("renew.example.gov", challenge.Domain)
	s.Equal("/.well-known/acme-challenge/http-token", challenge.ValidationPath)
	s.Equal("http-token.fake-thumbprint", challenge.ValidationContents)
	s.False(challenge.Answered)

	var record orderRecord
	s.Require().NoError(json.Unmarshal([]byte(loaded.Certificate.OrderJSON), &record))
	s.Equal("https://acme.example/order/1", record.Location)

	// placing the order again would burn a rate limit slot for nothing
	s.Require().NoError(s.orchestrator.InitiateOrder(loaded))
	s.Equal(1, s.directory.NewOrderCalls)
}

func (s *OrchestratorSuite) TestAnswerChallengesContinuesPastFailures() {
	op := s.orderedOperation()

	s.directory.AnswerErrs["https://acme.example/chall/1"] = errors.New("connection reset")
	s.directory.Challenges["https://acme.example/chall/2"] = acme.ExtendedChallenge{
		Challenge: acme.Challenge{Status: acme.StatusPending, URL: "https://acme.example/chall/2"},
	}

	err := s.orchestrator.AnswerChallenges(op)
	s.Require().Error(err)

	// the second challenge was still answered
	loaded := s.reload(op.ID)
	answered := 0
	for _, challenge := range loaded.Certificate.Challenges {
		if challenge.Answered {
			answered++
		}
	}
	s.Equal(1, answered)
	s.Len(s.directory.AnswerCalls, 2)
}

func (s *OrchestratorSuite) TestAnswerChallengesSkipsAlreadyValid() {
	op := s.orderedOperation()

	s.directory.Challenges["https://acme.example/chall/1"] = acme.ExtendedChallenge{
		Challenge: acme.Challenge{Status: acme.StatusValid, URL: "https://acme.example/chall/1"},
	}
	s.directory.Challenges["https://acme.example/chall/2"] = acme.ExtendedChallenge{
		Challenge: acme.Challenge{Status: acme.StatusValid, URL: "https://acme.example/chall/2"},
	}

	s.Require().NoError(s.orchestrator.AnswerChallenges(op))
	s.Empty(s.directory.AnswerCalls)

	for _, challenge := range s.reload(op.ID).Certificate.Challenges {
		s.True(challenge.Answered)
	}
}

func (s *OrchestratorSuite) TestFinalizeAndRetrieve() {
	op := s.orderedOperation()
	expires := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second).UTC()

	s.directory.Orders["https://acme.example/order/1"] = acme.Order{
		Status:   "ready",
		Finalize: "https://acme.example/order/1/finalize",
	}
	s.directory.FinalizeResult = acme.Order{
		Status:      acme.StatusValid,
		Certificate: "https://acme.example/cert/1",
	}
	s.directory.Certificates["https://acme.example/cert/1"] = testBundle(s.T(), expires)

	s.Require().NoError(s.orchestrator.FinalizeAndRetrieve(op))

	loaded := s.reload(op.ID)
	s.Contains(loaded.Certificate.LeafPEM, "BEGIN CERTIFICATE")
	s.True(len(loaded.Certificate.FullchainPEM) > len(loaded.Certificate.LeafPEM))
	s.Require().NotNil(loaded.Certificate.Expires)
	s.Equal(expires.Unix(), loaded.Certificate.Expires.Unix())

	// a retry is a no-op once the leaf is stored
	s.Require().NoError(s.orchestrator.FinalizeAndRetrieve(loaded))
	s.Equal(1, s.directory.FinalizeCalls)
	s.Equal(1, s.directory.CertificateCalls)
}

func (s *OrchestratorSuite) TestFinalizeWaitsForPendingValidation() {
	op := s.orderedOperation()
	expires := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second).UTC()

	// the CA is still validating on the first two polls; finalize must not
	// be attempted until the order reads ready
	s.directory.OrderQueue = []acme.Order{
		{Status: acme.StatusPending},
		{Status: acme.StatusProcessing},
		{Status: "ready", Finalize: "https://acme.example/order/1/finalize"},
	}
	s.directory.FinalizeResult = acme.Order{
		Status:      acme.StatusValid,
		Certificate: "https://acme.example/cert/1",
	}
	s.directory.Certificates["https://acme.example/cert/1"] = testBundle(s.T(), expires)

	s.Require().NoError(s.orchestrator.FinalizeAndRetrieve(op))
	s.Equal(3, s.directory.GetOrderCalls)
	s.Equal(1, s.directory.FinalizeCalls)
	s.Contains(s.reload(op.ID).Certificate.LeafPEM, "BEGIN CERTIFICATE")
}

func (s *OrchestratorSuite) TestFinalizeTimesOutWhileOrderPending() {
	op := s.orderedOperation()

	s.directory.Orders["https://acme.example/order/1"] = acme.Order{Status: acme.StatusPending}

	s.Require().Error(s.orchestrator.FinalizeAndRetrieve(op))
	s.Equal(0, s.directory.FinalizeCalls)
}

func (s *OrchestratorSuite) TestFinalizeDetachesCertificateOnValidationFailure() {
	op := s.orderedOperation()

	s.directory.Orders["https://acme.example/order/1"] = acme.Order{
		Status: acme.StatusInvalid,
		Error:  &acme.ProblemDetails{Type: "urn:ietf:params:acme:error:unauthorized", Detail: "challenge failed"},
	}

	err := s.orchestrator.FinalizeAndRetrieve(op)
	s.Require().Error(err)
	_, ok := err.(*ValidationError)
	s.True(ok)

	// the half-built certificate is abandoned so the retry starts over
	s.Nil(s.reload(op.ID).CertificateID)
}

func (s *OrchestratorSuite) TestFinalizeRecoversFromAlreadyValidOrder() {
	op := s.orderedOperation()
	expires := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second).UTC()

	// the first poll shows a finalizable order, the finalize call discovers a
	// previous attempt got there first, the second poll has the certificate
	s.directory.OrderQueue = []acme.Order{
		{Status: "ready", Finalize: "https://acme.example/order/1/finalize"},
		{Status: acme.StatusValid, Certificate: "https://acme.example/cert/1"},
	}
	s.directory.FinalizeErr = &acme.ProblemDetails{
		Type:   "urn:ietf:params:acme:error:orderNotReady",
		Detail: `Order's status ("valid") is not acceptable for finalization`,
	}
	s.directory.Certificates["https://acme.example/cert/1"] = testBundle(s.T(), expires)

	s.Require().NoError(s.orchestrator.FinalizeAndRetrieve(op))
	s.Contains(s.reload(op.ID).Certificate.LeafPEM, "BEGIN CERTIFICATE")
}

// orderedOperation walks an operation through key and order creation with
// two pending http-01 challenges.
func (s *OrchestratorSuite) orderedOperation() *models.Operation {
	op := s.assignAccount(s.newOperation("renew.example.gov", "www.renew.example.gov"))
	s.Require().NoError(s.orchestrator.CreateKeyAndCSR(op))
	op = s.reload(op.ID)

	s.directory.Order = acme.ExtendedOrder{
		Order: acme.Order{
			Status:         acme.StatusPending,
			Authorizations: []string{"https://acme.example/authz/1", "https://acme.example/authz/2"},
			Finalize:       "https://acme.example/order/1/finalize",
		},
		Location: "https://acme.example/order/1",
	}
	for idx, domain := range []string{"renew.example.gov", "www.renew.example.gov"} {
		authzUrl := []string{"https://acme.example/authz/1", "https://acme.example/authz/2"}[idx]
		challengeUrl := []string{"https://acme.example/chall/1", "https://acme.example/chall/2"}[idx]
		s.directory.Authorizations[authzUrl] = acme.Authorization{
			Status:     acme.StatusPending,
			Identifier: acme.Identifier{Type: "dns", Value: domain},
			Challenges: []acme.Challenge{
				{Type: "http-01", URL: challengeUrl, Token: "token-" + domain},
			},
		}
	}

	s.Require().NoError(s.orchestrator.InitiateOrder(op))
	return s.reload(op.ID)
}

func testBundle(t *testing.T, notAfter time.Time) []byte {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fake Intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter.Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDer, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}

	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "renew.example.gov"},
		DNSNames:     []string{"renew.example.gov", "www.renew.example.gov"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	leafDer, err := x509.CreateCertificate(rand.Reader, leafTemplate, caTemplate, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}

	var bundle []byte
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDer})...)
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDer})...)
	return bundle
}
