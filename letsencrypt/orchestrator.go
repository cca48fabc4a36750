package letsencrypt

import (
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/lager"
	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/go-acme/lego/v3/acme"
	"github.com/go-acme/lego/v3/certcrypto"
	"github.com/go-acme/lego/v3/challenge/dns01"
	"github.com/go-acme/lego/v3/challenge/http01"
	"golang.org/x/net/idna"
)

// ValidationError means the CA rejected our proof of control. The operation's
// certificate has already been thrown away; the next attempt starts over with
// a fresh key and order.
type ValidationError struct {
	OperationId uint
	Detail      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("certificate order validation failed: %s", e.Detail)
}

// errOrderComplete signals that the CA considers the order done and the
// certificate we hold is still serviceable, so there is nothing to fetch.
var errOrderComplete = errors.New("order complete")

// orderRecord is the persisted shape of an ACME order. The upstream order
// type drops its location on marshal, and we cannot poll without it.
type orderRecord struct {
	Location       string   `json:"location"`
	Status         string   `json:"status"`
	Authorizations []string `json:"authorizations"`
	Finalize       string   `json:"finalize"`
	CertificateUrl string   `json:"certificate_url"`
}

type OrchestratorSettings struct {
	Email               string
	ChallengeType       cfdomainrenewer.ChallengeType
	MaxRoutesPerAccount int
	PollTimeout         time.Duration
	PollInterval        time.Duration
	Resolvers           map[string]string
}

// Orchestrator implements the ACME half of the renewal pipeline, one method
// per step. Every method is written to be safe to call again after a partial
// failure; work already recorded in the database is not repeated.
type Orchestrator struct {
	store    *models.Store
	factory  DirectoryFactory
	settings OrchestratorSettings
	logger   lager.Logger
}

func NewOrchestrator(store *models.Store, factory DirectoryFactory, settings OrchestratorSettings, logger lager.Logger) *Orchestrator {
	if settings.MaxRoutesPerAccount <= 0 {
		settings.MaxRoutesPerAccount = cfdomainrenewer.DefaultMaxRoutesPerAccount
	}
	if settings.PollTimeout <= 0 {
		settings.PollTimeout = cfdomainrenewer.DefaultAcmePollTimeout
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 2 * time.Second
	}
	return &Orchestrator{
		store:    store,
		factory:  factory,
		settings: settings,
		logger:   logger.Session("acme-orchestrator"),
	}
}

// CreateAccount makes sure the operation's route has an ACME account, reusing
// the least loaded pooled account before registering a new one.
func (o *Orchestrator) CreateAccount(op *models.Operation) error {
	lsession := o.logger.Session("create-account", lager.Data{"operation-id": op.ID})

	route := op.Route
	if route == nil {
		return errors.New("operation has no route")
	}
	if route.AcmeAccountID != nil {
		lsession.Debug("account-already-assigned")
		return nil
	}

	account, err := o.store.LeastLoadedAccount(o.settings.MaxRoutesPerAccount)
	if err != nil {
		lsession.Error("find-pooled-account", err)
		return err
	}

	if account == nil {
		account, err = o.registerAccount(lsession)
		if err != nil {
			return err
		}
	}

	if err := o.store.AssignAccount(route, account); err != nil {
		lsession.Error("assign-account", err)
		return err
	}
	route.AcmeAccount = account

	lsession.Info("account-assigned", lager.Data{"account-id": account.ID})
	return nil
}

func (o *Orchestrator) registerAccount(lsession lager.Logger) (*models.AcmeAccount, error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
	if err != nil {
		lsession.Error("generate-account-key", err)
		return nil, err
	}

	directory, err := o.factory(key, "")
	if err != nil {
		lsession.Error("build-directory", err)
		return nil, err
	}

	registration, err := directory.NewAccount(o.settings.Email)
	if err != nil {
		lsession.Error("register-account", err)
		return nil, err
	}

	registrationJson, err := json.Marshal(registration.Account)
	if err != nil {
		return nil, err
	}

	account := &models.AcmeAccount{
		Email:            o.settings.Email,
		Uri:              registration.Location,
		PrivateKeyPEM:    string(certcrypto.PEMEncode(key)),
		RegistrationJSON: string(registrationJson),
	}
	if err := o.store.CreateAccount(account); err != nil {
		lsession.Error("persist-account", err)
		return nil, err
	}

	lsession.Info("account-registered", lager.Data{"uri": account.Uri})
	return account, nil
}

// CreateKeyAndCSR generates the certificate key pair and signing request and
// links the new certificate record to the operation.
func (o *Orchestrator) CreateKeyAndCSR(op *models.Operation) error {
	lsession := o.logger.Session("create-key-and-csr", lager.Data{"operation-id": op.ID})

	if op.CertificateID != nil {
		lsession.Debug("certificate-already-linked")
		return nil
	}
	if op.Route == nil {
		return errors.New("operation has no route")
	}

	domains, err := punycodeDomains(op.Route.Domains)
	if err != nil {
		lsession.Error("punycode-domains", err)
		return err
	}
	if len(domains) == 0 {
		return errors.New("route has no domains")
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
	if err != nil {
		lsession.Error("generate-certificate-key", err)
		return err
	}

	csr, err := certcrypto.GenerateCSR(key, domains[0], domains, false)
	if err != nil {
		lsession.Error("generate-csr", err)
		return err
	}

	cert := &models.Certificate{
		Domain:        strings.Join(domains, ","),
		PrivateKeyPEM: string(certcrypto.PEMEncode(key)),
		CsrPEM:        string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr})),
	}

	err = o.store.Transaction(func(tx *models.Store) error {
		if err := tx.CreateCertificate(cert); err != nil {
			return err
		}
		return tx.LinkCertificate(op, cert)
	})
	if err != nil {
		lsession.Error("persist-certificate", err)
		return err
	}

	lsession.Info("certificate-created", lager.Data{"certificate-id": cert.ID})
	return nil
}

// InitiateOrder places the ACME order and records a challenge row for every
// pending authorization.
func (o *Orchestrator) InitiateOrder(op *models.Operation) error {
	lsession := o.logger.Session("initiate-order", lager.Data{"operation-id": op.ID})

	cert := op.Certificate
	if cert == nil {
		return errors.New("operation has no certificate")
	}
	if cert.OrderJSON != "" {
		lsession.Debug("order-already-placed")
		return nil
	}

	directory, err := o.directoryForRoute(op.Route)
	if err != nil {
		lsession.Error("build-directory", err)
		return err
	}

	order, err := directory.NewOrder(strings.Split(cert.Domain, ","))
	if err != nil {
		lsession.Error("new-order", err)
		return err
	}

	record := orderRecord{
		Location:       order.Location,
		Status:         order.Status,
		Authorizations: order.Authorizations,
		Finalize:       order.Finalize,
		CertificateUrl: order.Certificate,
	}

	var challenges []models.Challenge
	for _, authzUrl := range order.Authorizations {
		authz, err := directory.GetAuthorization(authzUrl)
		if err != nil {
			lsession.Error("get-authorization", err)
			return err
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		challenge, err := o.buildChallenge(directory, authz)
		if err != nil {
			lsession.Error("build-challenge", err, lager.Data{"domain": authz.Identifier.Value})
			return err
		}
		challenges = append(challenges, *challenge)
	}

	orderJson, err := json.Marshal(record)
	if err != nil {
		return err
	}

	err = o.store.Transaction(func(tx *models.Store) error {
		cert.OrderJSON = string(orderJson)
		if err := tx.SaveCertificate(cert); err != nil {
			return err
		}
		for idx := range challenges {
			challenges[idx].CertificateID = cert.ID
			if err := tx.CreateChallenge(&challenges[idx]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		lsession.Error("persist-order", err)
		return err
	}
	cert.Challenges = challenges

	lsession.Info("order-placed", lager.Data{"location": record.Location, "challenges": len(challenges)})
	return nil
}

func (o *Orchestrator) buildChallenge(directory Directory, authz acme.Authorization) (*models.Challenge, error) {
	domain := authz.Identifier.Value

	for _, challenge := range authz.Challenges {
		if challenge.Type != string(o.settings.ChallengeType) {
			continue
		}

		keyAuth, err := directory.KeyAuthorization(challenge.Token)
		if err != nil {
			return nil, err
		}

		bodyJson, err := json.Marshal(challenge)
		if err != nil {
			return nil, err
		}

		row := &models.Challenge{
			Domain:   domain,
			BodyJSON: string(bodyJson),
		}
		switch o.settings.ChallengeType {
		case cfdomainrenewer.ChallengeHTTP01:
			row.ValidationPath = http01.ChallengePath(challenge.Token)
			row.ValidationContents = keyAuth
		case cfdomainrenewer.ChallengeDNS01:
			fqdn, value := dns01.GetRecord(domain, keyAuth)
			row.ValidationPath = fqdn
			row.ValidationContents = value
		}
		return row, nil
	}

	return nil, fmt.Errorf("authorization for %s offers no %s challenge", domain, o.settings.ChallengeType)
}

// AnswerChallenges tells the CA to verify every unanswered challenge. One
// challenge failing does not stop the others; the first error comes back so
// the step retries until all of them are answered.
func (o *Orchestrator) AnswerChallenges(op *models.Operation) error {
	lsession := o.logger.Session("answer-challenges", lager.Data{"operation-id": op.ID})

	cert := op.Certificate
	if cert == nil {
		return errors.New("operation has no certificate")
	}

	directory, err := o.directoryForRoute(op.Route)
	if err != nil {
		lsession.Error("build-directory", err)
		return err
	}

	var firstErr error
	for idx := range cert.Challenges {
		challenge := &cert.Challenges[idx]
		if challenge.Answered {
			continue
		}

		if err := o.answerChallenge(directory, challenge, lsession); err != nil {
			lsession.Error("answer-challenge", err, lager.Data{"domain": challenge.Domain})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) answerChallenge(directory Directory, challenge *models.Challenge, lsession lager.Logger) error {
	if o.settings.ChallengeType == cfdomainrenewer.ChallengeDNS01 && len(o.settings.Resolvers) > 0 {
		propagated, err := checkTxtRecord(o.settings.Resolvers, challenge.ValidationPath, challenge.ValidationContents, lsession)
		if err != nil {
			return err
		}
		if !propagated {
			return fmt.Errorf("txt record for %s has not propagated", challenge.Domain)
		}
	}

	var body acme.Challenge
	if err := json.Unmarshal([]byte(challenge.BodyJSON), &body); err != nil {
		return err
	}

	remote, err := directory.GetChallenge(body.URL)
	if err == nil && remote.Status == acme.StatusValid {
		lsession.Debug("challenge-already-valid", lager.Data{"domain": challenge.Domain})
	} else {
		if _, err := directory.AnswerChallenge(body.URL); err != nil {
			return err
		}
	}

	challenge.Answered = true
	return o.store.SaveChallenge(challenge)
}

// FinalizeAndRetrieve submits the CSR, waits for the order to become valid
// and stores the split leaf and chain.
func (o *Orchestrator) FinalizeAndRetrieve(op *models.Operation) error {
	lsession := o.logger.Session("finalize-and-retrieve", lager.Data{"operation-id": op.ID})

	cert := op.Certificate
	if cert == nil {
		return errors.New("operation has no certificate")
	}
	if cert.LeafPEM != "" {
		lsession.Debug("certificate-already-retrieved")
		return nil
	}
	if cert.OrderJSON == "" {
		return errors.New("certificate has no order")
	}

	var record orderRecord
	if err := json.Unmarshal([]byte(cert.OrderJSON), &record); err != nil {
		return err
	}

	directory, err := o.directoryForRoute(op.Route)
	if err != nil {
		lsession.Error("build-directory", err)
		return err
	}

	if record.CertificateUrl == "" {
		certUrl, err := o.finalizeOrder(directory, op, cert, &record, lsession)
		if err == errOrderComplete {
			return nil
		}
		if err != nil {
			return err
		}
		record.CertificateUrl = certUrl
	}

	bundle, err := directory.GetCertificate(record.CertificateUrl)
	if err != nil {
		lsession.Error("get-certificate", err)
		return err
	}

	leaf, fullchain, expires, err := splitBundle(bundle)
	if err != nil {
		lsession.Error("split-bundle", err)
		return err
	}

	record.Status = string(acme.StatusValid)
	orderJson, err := json.Marshal(record)
	if err != nil {
		return err
	}

	cert.OrderJSON = string(orderJson)
	cert.LeafPEM = leaf
	cert.FullchainPEM = fullchain
	cert.Expires = &expires
	if err := o.store.SaveCertificate(cert); err != nil {
		lsession.Error("persist-certificate", err)
		return err
	}

	lsession.Info("certificate-retrieved", lager.Data{"expires": expires})
	return nil
}

func (o *Orchestrator) finalizeOrder(directory Directory, op *models.Operation, cert *models.Certificate, record *orderRecord, lsession lager.Logger) (string, error) {
	deadline := time.Now().Add(o.settings.PollTimeout)

	// The CA validates answered challenges asynchronously, so the order
	// usually spends a while in pending before it can be finalized.
	order, err := o.pollOrderReady(directory, record.Location, deadline, lsession)
	if err != nil {
		return "", err
	}

	switch order.Status {
	case acme.StatusValid:
		return order.Certificate, nil
	case acme.StatusInvalid:
		return "", o.failValidation(op, orderProblem(order), lsession)
	}

	csrBlock, _ := pem.Decode([]byte(cert.CsrPEM))
	if csrBlock == nil {
		return "", errors.New("stored csr is not valid pem")
	}

	order, err = directory.FinalizeOrder(record.Finalize, csrBlock.Bytes)
	if err != nil {
		if !orderAlreadyValid(err) {
			lsession.Error("finalize-order", err)
			return "", err
		}
		// *Someone* finalized this order already, most likely a previous
		// attempt that died between finalizing and saving. If the stored
		// certificate is not near expiry there is nothing left to do here;
		// otherwise fetch the order again for its certificate url.
		lsession.Info("order-already-valid")
		if cert.Expires != nil && time.Until(*cert.Expires) > cfdomainrenewer.OrderAlreadyValidWindow {
			return "", errOrderComplete
		}
		order, err = directory.GetOrder(record.Location)
		if err != nil {
			lsession.Error("get-order-after-already-valid", err)
			return "", err
		}
		return order.Certificate, nil
	}

	for order.Status != acme.StatusValid {
		if order.Status == acme.StatusInvalid {
			return "", o.failValidation(op, orderProblem(order), lsession)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("order did not become valid within %s", o.settings.PollTimeout)
		}
		time.Sleep(o.settings.PollInterval)

		order, err = directory.GetOrder(record.Location)
		if err != nil {
			lsession.Error("poll-order", err)
			return "", err
		}
	}

	return order.Certificate, nil
}

// pollOrderReady refetches the order until it leaves pending/processing or
// the deadline passes.
func (o *Orchestrator) pollOrderReady(directory Directory, location string, deadline time.Time, lsession lager.Logger) (acme.Order, error) {
	order, err := directory.GetOrder(location)
	if err != nil {
		lsession.Error("get-order", err)
		return acme.Order{}, err
	}
	for order.Status == acme.StatusPending || order.Status == acme.StatusProcessing {
		if time.Now().After(deadline) {
			return acme.Order{}, fmt.Errorf("order was not ready to finalize within %s", o.settings.PollTimeout)
		}
		time.Sleep(o.settings.PollInterval)

		order, err = directory.GetOrder(location)
		if err != nil {
			lsession.Error("poll-order", err)
			return acme.Order{}, err
		}
	}
	return order, nil
}

// failValidation throws away the operation's certificate so the retry starts
// over with a fresh key and order, then surfaces the CA's rejection.
func (o *Orchestrator) failValidation(op *models.Operation, detail string, lsession lager.Logger) error {
	lsession.Info("order-validation-failed", lager.Data{"detail": detail})
	if err := o.store.DetachCertificate(op); err != nil {
		lsession.Error("detach-certificate", err)
		return err
	}
	return &ValidationError{OperationId: op.ID, Detail: detail}
}

func (o *Orchestrator) directoryForRoute(route *models.Route) (Directory, error) {
	if route == nil || route.AcmeAccount == nil {
		return nil, errors.New("route has no acme account")
	}
	key, err := certcrypto.ParsePEMPrivateKey([]byte(route.AcmeAccount.PrivateKeyPEM))
	if err != nil {
		return nil, err
	}
	return o.factory(key, route.AcmeAccount.Uri)
}

func orderAlreadyValid(err error) bool {
	return strings.Contains(err.Error(), `Order's status ("valid")`)
}

func orderProblem(order acme.Order) string {
	if order.Error != nil {
		return order.Error.Error()
	}
	return "order status is " + string(order.Status)
}

func punycodeDomains(domains []string) ([]string, error) {
	var out []string
	for _, domain := range domains {
		ascii, err := idna.ToASCII(domain)
		if err != nil {
			return nil, err
		}
		out = append(out, ascii)
	}
	return out, nil
}
