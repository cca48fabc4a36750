package pipeline

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/lager"
	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/18f/cf-domain-renewer/fakes"
	"github.com/18f/cf-domain-renewer/letsencrypt"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/go-acme/lego/v3/acme"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/stretchr/testify/suite"
)

// fakeAdapter stands in for both resource classes. Failures are scripted per
// method with a countdown, so a step can fail n times and then succeed.
type fakeAdapter struct {
	mu sync.Mutex

	challengeCalls int
	uploadCalls    int
	associateCalls int
	waitCalls      int
	deleteCalls    []string

	failAssociate int
	waitErr       error
}

func (f *fakeAdapter) UploadChallengeFiles(route *models.Route, challenges []models.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challengeCalls++
	return nil
}

func (f *fakeAdapter) UploadCertificate(route *models.Route, cert *models.Certificate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if cert.IamServerCertificateArn != "" {
		return nil
	}
	cert.IamServerCertificateArn = fmt.Sprintf("arn:cert/%d", cert.ID)
	cert.IamServerCertificateId = fmt.Sprintf("ASCA%d", cert.ID)
	cert.IamServerCertificateName = fmt.Sprintf("cert-%d", cert.ID)
	return nil
}

func (f *fakeAdapter) AssociateCertificate(route *models.Route, cert *models.Certificate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.associateCalls++
	if f.failAssociate > 0 {
		f.failAssociate--
		return errors.New("listener busy")
	}
	return nil
}

func (f *fakeAdapter) WaitForPropagation(route *models.Route, cert *models.Certificate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls++
	return f.waitErr
}

func (f *fakeAdapter) DeleteCertificate(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, name)
	return nil
}

type PipelineSuite struct {
	suite.Suite
	dir       string
	db        *gorm.DB
	store     *models.Store
	directory *fakes.FakeDirectory
	adapter   *fakeAdapter
	alerter   *fakes.FakeAlerter
	deps      Deps
	queue     *Queue
}

func (s *PipelineSuite) SetupTest() {
	var err error
	s.dir, err = ioutil.TempDir("", "renewer-pipeline-test")
	s.Require().NoError(err)

	s.db, err = gorm.Open("sqlite3", filepath.Join(s.dir, "state.db")+"?_busy_timeout=5000")
	s.Require().NoError(err)

	s.store, err = models.NewStore(cfdomainrenewer.RouteTypeALB, s.db,
		[]byte("0123456789abcdef0123456789abcdef"), lager.NewLogger("test"))
	s.Require().NoError(err)
	s.Require().NoError(s.store.AutoMigrate())

	s.directory = fakes.NewFakeDirectory()
	factory := func(privateKey crypto.PrivateKey, kid string) (letsencrypt.Directory, error) {
		return s.directory, nil
	}
	orchestrator := letsencrypt.NewOrchestrator(s.store, factory, letsencrypt.OrchestratorSettings{
		Email:         "admin@example.gov",
		ChallengeType: cfdomainrenewer.ChallengeHTTP01,
		PollTimeout:   200 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	}, lager.NewLogger("test"))

	s.adapter = &fakeAdapter{}
	s.alerter = fakes.NewFakeAlerter()
	s.deps = Deps{Store: s.store, Orchestrator: orchestrator, Adapter: s.adapter}

	stores := map[cfdomainrenewer.RouteType]*models.Store{cfdomainrenewer.RouteTypeALB: s.store}
	reporter := NewFailureReporter(stores, s.alerter, "test", lager.NewLogger("test"))
	s.queue = NewQueue(stores, QueueSettings{
		Workers:       2,
		Attempts:      3,
		RetryInterval: 5 * time.Millisecond,
	}, reporter.Report, lager.NewLogger("test"))
	s.queue.Run()
}

func (s *PipelineSuite) TearDownTest() {
	s.queue.Stop()
	s.Require().NoError(s.db.Close())
	s.Require().NoError(os.RemoveAll(s.dir))
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

// seedDirectory scripts a complete successful issuance for one domain.
func (s *PipelineSuite) seedDirectory(domain string) {
	s.directory.Account = acme.ExtendedAccount{Location: "https://acme.example/acct/1"}
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
		Identifier: acme.Identifier{Type: "dns", Value: domain},
		Challenges: []acme.Challenge{
			{Type: "http-01", URL: "https://acme.example/chall/1", Token: "token-1"},
		},
	}
	s.directory.Orders["https://acme.example/order/1"] = acme.Order{
		Status:   "ready",
		Finalize: "https://acme.example/order/1/finalize",
	}
	s.directory.FinalizeResult = acme.Order{
		Status:      acme.StatusValid,
		Certificate: "https://acme.example/cert/1",
	}
	s.directory.Certificates["https://acme.example/cert/1"] = pipelineTestBundle(s.T(),
		time.Now().Add(90*24*time.Hour))
}

func (s *PipelineSuite) newOperation(domain string) *models.Operation {
	route := models.Route{
		InstanceId: "instance-1",
		State:      models.Provisioned,
		Domains:    models.DomainList{domain},
	}
	s.Require().NoError(s.db.Create(&route).Error)

	op, err := s.store.CreateRenewalOperation(route.ID)
	s.Require().NoError(err)
	return op
}

func (s *PipelineSuite) waitForState(opId uint, want models.OperationState) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, err := s.store.GetOperation(opId)
		s.Require().NoError(err)
		if op.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	op, err := s.store.GetOperation(opId)
	s.Require().NoError(err)
	s.FailNowf("timed out", "operation %d is %s, wanted %s", opId, op.State, want)
}

func (s *PipelineSuite) TestRenewalRunsToCompletion() {
	s.seedDirectory("renew.example.gov")
	op := s.newOperation("renew.example.gov")

	s.queue.Enqueue(Build(op.ID, cfdomainrenewer.RouteTypeALB, s.deps))
	s.waitForState(op.ID, models.OperationSucceeded)

	done, err := s.store.GetOperation(op.ID)
	s.Require().NoError(err)
	s.Require().NotNil(done.Certificate)
	s.Contains(done.Certificate.LeafPEM, "BEGIN CERTIFICATE")
	s.NotEmpty(done.Certificate.IamServerCertificateArn)
	s.Require().NotNil(done.Certificate.RouteID)
	s.Equal(done.RouteID, *done.Certificate.RouteID)

	s.Equal(1, s.adapter.challengeCalls)
	s.Equal(1, s.adapter.uploadCalls)
	s.Equal(1, s.adapter.associateCalls)
	s.Equal(1, s.adapter.waitCalls)
	s.Empty(s.alerter.Alerts)
}

func (s *PipelineSuite) TestRetriableStepSucceedsOnLastAttempt() {
	s.seedDirectory("renew.example.gov")
	op := s.newOperation("renew.example.gov")
	s.adapter.failAssociate = 2 // attempts one and two fail, the third lands

	s.queue.Enqueue(Build(op.ID, cfdomainrenewer.RouteTypeALB, s.deps))
	s.waitForState(op.ID, models.OperationSucceeded)

	s.Equal(3, s.adapter.associateCalls)
	s.Empty(s.alerter.Alerts)
}

func (s *PipelineSuite) TestNonRetriableStepFailsPipeline() {
	s.seedDirectory("renew.example.gov")
	op := s.newOperation("renew.example.gov")
	s.adapter.waitErr = errors.New("propagation stalled")

	s.queue.Enqueue(Build(op.ID, cfdomainrenewer.RouteTypeALB, s.deps))
	s.waitForState(op.ID, models.OperationFailed)

	// one attempt, one alert, and the chain never reached cleanup
	s.Equal(1, s.adapter.waitCalls)
	s.Require().Len(s.alerter.Alerts, 1)
	s.Contains(s.alerter.Alerts[0].Body, "wait-for-propagation")
	s.Contains(s.alerter.Alerts[0].Body, "instance-1")
	s.Empty(s.adapter.deleteCalls)
}

func (s *PipelineSuite) TestRetriableStepExhaustsAndReports() {
	s.seedDirectory("renew.example.gov")
	op := s.newOperation("renew.example.gov")
	s.adapter.failAssociate = 100

	s.queue.Enqueue(Build(op.ID, cfdomainrenewer.RouteTypeALB, s.deps))
	s.waitForState(op.ID, models.OperationFailed)

	s.Equal(3, s.adapter.associateCalls)
	s.Len(s.alerter.Alerts, 1)
	s.Equal(0, s.adapter.waitCalls)
}

func (s *PipelineSuite) TestTerminalOperationRunsNothing() {
	s.seedDirectory("renew.example.gov")
	op := s.newOperation("renew.example.gov")
	s.Require().NoError(s.store.MarkOperationSucceeded(op.ID))

	s.queue.Enqueue(Build(op.ID, cfdomainrenewer.RouteTypeALB, s.deps))
	time.Sleep(100 * time.Millisecond)

	s.Equal(0, s.directory.NewAccountCalls)
	s.Equal(0, s.adapter.uploadCalls)
}

func (s *PipelineSuite) TestRemoveOldCertificateRunsStoreCallOnce() {
	route := models.Route{InstanceId: "instance-1", State: models.Provisioned, Domains: models.DomainList{"renew.example.gov"}}
	s.Require().NoError(s.db.Create(&route).Error)

	old := models.Certificate{RouteID: &route.ID, IamServerCertificateName: "old-cert"}
	s.Require().NoError(s.db.Create(&old).Error)
	fresh := models.Certificate{RouteID: &route.ID, IamServerCertificateName: "fresh-cert"}
	s.Require().NoError(s.db.Create(&fresh).Error)

	op, err := s.store.CreateRenewalOperation(route.ID)
	s.Require().NoError(err)
	s.Require().NoError(s.store.LinkCertificate(op, &fresh))

	loaded, err := s.store.GetOperation(op.ID)
	s.Require().NoError(err)
	s.Require().NoError(removeOldCertificates(s.deps, loaded))
	s.Equal([]string{"old-cert"}, s.adapter.deleteCalls)

	// the identifiers are gone, so running it again removes nothing
	loaded, err = s.store.GetOperation(op.ID)
	s.Require().NoError(err)
	s.Require().NoError(removeOldCertificates(s.deps, loaded))
	s.Equal([]string{"old-cert"}, s.adapter.deleteCalls)
}

// One sweep over a large fleet enqueues far more pipelines than the pool has
// workers; all of them must still drain while the workers keep handing
// successor steps back to the queue.
func (s *PipelineSuite) TestBacklogLargerThanWorkerPoolDrains() {
	route := models.Route{InstanceId: "instance-1", State: models.Provisioned, Domains: models.DomainList{"renew.example.gov"}}
	s.Require().NoError(s.db.Create(&route).Error)
	op, err := s.store.CreateRenewalOperation(route.ID)
	s.Require().NoError(err)

	const pipelines = 200
	var ran int64
	step := func(*models.Operation) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}
	for i := 0; i < pipelines; i++ {
		s.queue.Enqueue(&Pipeline{
			Id:          fmt.Sprintf("sweep-%d", i),
			OperationId: op.ID,
			RouteType:   cfdomainrenewer.RouteTypeALB,
			Steps: []Step{
				{Name: "first", Retriable: true, Run: step},
				{Name: "second", Retriable: true, Run: step},
			},
		})
	}

	deadline := time.Now().Add(10 * time.Second)
	for atomic.LoadInt64(&ran) < 2*pipelines && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Equal(int64(2*pipelines), atomic.LoadInt64(&ran))
}

func (s *PipelineSuite) TestReporterIgnoresUnknownOperations() {
	reporter := NewFailureReporter(map[cfdomainrenewer.RouteType]*models.Store{
		cfdomainrenewer.RouteTypeALB: s.store,
	}, s.alerter, "test", lager.NewLogger("test"))

	reporter.Report(99999, cfdomainrenewer.RouteTypeALB, "create-account", errors.New("boom"))
	reporter.Report(1, cfdomainrenewer.RouteTypeCDN, "create-account", errors.New("boom"))
	s.Empty(s.alerter.Alerts)
}

func pipelineTestBundle(t *testing.T, notAfter time.Time) []byte {
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
		DNSNames:     []string{"renew.example.gov"},
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
