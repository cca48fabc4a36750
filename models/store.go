package models

import (
	"errors"
	"time"

	"code.cloudfoundry.org/lager"
	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/jinzhu/gorm"
)

const (
	accountKeyLabel     = "acme-account-private-key"
	certificateKeyLabel = "certificate-private-key"
)

var ErrTerminalOperation = errors.New("operation is already in a terminal state")

// Store gives the pipeline access to one resource class's database. The two
// stores are structurally identical; only the route type tag, the connection
// and the encryption key differ.
//
// Private key columns are encrypted on write and decrypted on read here, and
// nowhere else.
type Store struct {
	RouteType cfdomainrenewer.RouteType

	db     *gorm.DB
	cipher *Cipher
	logger lager.Logger
}

func NewStore(routeType cfdomainrenewer.RouteType, db *gorm.DB, encryptionKey []byte, logger lager.Logger) (*Store, error) {
	cipher, err := NewCipher(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &Store{
		RouteType: routeType,
		db:        db,
		cipher:    cipher,
		logger:    logger.Session("store", lager.Data{"route-type": routeType}),
	}, nil
}

func (s *Store) AutoMigrate() error {
	models := []interface{}{&Route{}, &Certificate{}, &Challenge{}, &Operation{}, &AcmeAccount{}}
	if s.RouteType == cfdomainrenewer.RouteTypeALB {
		models = append(models, &AlbProxy{})
	}
	return s.db.AutoMigrate(models...).Error
}

// Transaction runs fn against a transactional copy of the store. Each
// pipeline step does all of its writes inside one of these, so a failed step
// leaves nothing behind and a retry starts from clean state.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	txStore := &Store{RouteType: s.RouteType, db: tx, cipher: s.cipher, logger: s.logger}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func (s *Store) GetRoute(id uint) (*Route, error) {
	var route Route
	err := s.db.Preload("AcmeAccount").
		Preload("Certificates", certificatesByExpiry).
		First(&route, id).Error
	if err != nil {
		return nil, err
	}
	if route.AcmeAccount != nil {
		if err := s.decryptAccount(route.AcmeAccount); err != nil {
			return nil, err
		}
	}
	return &route, nil
}

// GetOperation loads an operation with its route, account, certificate and
// challenges, ready for a pipeline step to act on.
func (s *Store) GetOperation(id uint) (*Operation, error) {
	var op Operation
	err := s.db.Preload("Route").
		Preload("Route.AcmeAccount").
		Preload("Route.Certificates", certificatesByExpiry).
		Preload("Certificate").
		Preload("Certificate.Challenges").
		First(&op, id).Error
	if err != nil {
		return nil, err
	}
	if op.Route != nil && op.Route.AcmeAccount != nil {
		if err := s.decryptAccount(op.Route.AcmeAccount); err != nil {
			return nil, err
		}
	}
	if op.Certificate != nil {
		if err := s.decryptCertificate(op.Certificate); err != nil {
			return nil, err
		}
	}
	return &op, nil
}

func certificatesByExpiry(db *gorm.DB) *gorm.DB {
	return db.Order("expires desc")
}

// FindActiveInstances returns every provisioned route with its certificates
// preloaded in descending expiry order. Key material stays encrypted, the
// sweep never needs it.
func (s *Store) FindActiveInstances() ([]Route, error) {
	var routes []Route
	err := s.db.Where("state = ?", Provisioned).
		Preload("Certificates", certificatesByExpiry).
		Find(&routes).Error
	return routes, err
}

// CreateRenewalOperation records a new in-progress renewal attempt for the
// route.
func (s *Store) CreateRenewalOperation(routeId uint) (*Operation, error) {
	op := Operation{
		RouteID: routeId,
		State:   OperationInProgress,
		Action:  ActionRenew,
	}
	if err := s.db.Create(&op).Error; err != nil {
		return nil, err
	}
	return &op, nil
}

// HasActiveOperation reports whether the route already has a renewal in
// flight. The sweep uses it to avoid stacking a second concurrent operation
// onto a route whose pipeline is still retrying.
func (s *Store) HasActiveOperation(routeId uint) (bool, error) {
	var count int
	err := s.db.Model(&Operation{}).
		Where("route_id = ? AND state = ?", routeId, OperationInProgress).
		Count(&count).Error
	return count > 0, err
}

type accountLoad struct {
	Id         uint
	RouteCount int
}

// LeastLoadedAccount returns the pooled account with the fewest routes, or
// nil when every account is at or above the cap.
func (s *Store) LeastLoadedAccount(maxRoutesPerAccount int) (*AcmeAccount, error) {
	var loads []accountLoad
	err := s.db.Table("acme_account").
		Select("acme_account.id as id, count(routes.id) as route_count").
		Joins("left join routes on routes.acme_account_id = acme_account.id").
		Where("acme_account.deleted_at IS NULL").
		Group("acme_account.id").
		Order("route_count asc").
		Scan(&loads).Error
	if err != nil {
		return nil, err
	}
	for idx := range loads {
		if loads[idx].RouteCount < maxRoutesPerAccount {
			return s.GetAccount(loads[idx].Id)
		}
	}
	return nil, nil
}

func (s *Store) GetAccount(id uint) (*AcmeAccount, error) {
	var account AcmeAccount
	if err := s.db.First(&account, id).Error; err != nil {
		return nil, err
	}
	if err := s.decryptAccount(&account); err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccount persists a freshly registered account. The in-memory struct
// keeps the plaintext key.
func (s *Store) CreateAccount(account *AcmeAccount) error {
	enc := *account
	enc.Routes = nil
	if account.PrivateKeyPEM != "" {
		var err error
		enc.PrivateKeyPEM, err = s.cipher.Encrypt(account.PrivateKeyPEM, accountKeyLabel)
		if err != nil {
			return err
		}
	}
	if err := s.db.Create(&enc).Error; err != nil {
		return err
	}
	account.ID = enc.ID
	account.CreatedAt = enc.CreatedAt
	account.UpdatedAt = enc.UpdatedAt
	return nil
}

func (s *Store) AssignAccount(route *Route, account *AcmeAccount) error {
	route.AcmeAccountID = &account.ID
	return s.db.Model(route).Update("acme_account_id", account.ID).Error
}

func (s *Store) CreateCertificate(cert *Certificate) error {
	return s.persistCertificate(cert, true)
}

func (s *Store) SaveCertificate(cert *Certificate) error {
	return s.persistCertificate(cert, false)
}

func (s *Store) persistCertificate(cert *Certificate, create bool) error {
	enc := *cert
	// challenges are saved through their own calls
	enc.Challenges = nil
	if cert.PrivateKeyPEM != "" {
		var err error
		enc.PrivateKeyPEM, err = s.cipher.Encrypt(cert.PrivateKeyPEM, certificateKeyLabel)
		if err != nil {
			return err
		}
	}
	var err error
	if create {
		err = s.db.Create(&enc).Error
	} else {
		err = s.db.Save(&enc).Error
	}
	if err != nil {
		return err
	}
	cert.ID = enc.ID
	cert.CreatedAt = enc.CreatedAt
	cert.UpdatedAt = enc.UpdatedAt
	return nil
}

func (s *Store) CreateChallenge(challenge *Challenge) error {
	return s.db.Create(challenge).Error
}

func (s *Store) SaveChallenge(challenge *Challenge) error {
	return s.db.Save(challenge).Error
}

// LinkCertificate points the operation at the certificate it is producing.
func (s *Store) LinkCertificate(op *Operation, cert *Certificate) error {
	op.CertificateID = &cert.ID
	op.Certificate = cert
	return s.db.Model(op).Update("certificate_id", cert.ID).Error
}

// DetachCertificate abandons the operation's in-progress certificate so a
// retry starts over from key and CSR generation.
func (s *Store) DetachCertificate(op *Operation) error {
	op.CertificateID = nil
	op.Certificate = nil
	return s.db.Model(op).Update("certificate_id", gorm.Expr("NULL")).Error
}

// AssociateCertificateWithRoute links an issued certificate to its route.
// This is the last write of a successful issuance, never the first.
func (s *Store) AssociateCertificateWithRoute(cert *Certificate, routeId uint) error {
	cert.RouteID = &routeId
	return s.db.Model(cert).Update("route_id", routeId).Error
}

func (s *Store) MarkOperationSucceeded(id uint) error {
	return s.finalizeOperation(id, OperationSucceeded)
}

func (s *Store) MarkOperationFailed(id uint) error {
	return s.finalizeOperation(id, OperationFailed)
}

func (s *Store) finalizeOperation(id uint, target OperationState) error {
	var op Operation
	if err := s.db.First(&op, id).Error; err != nil {
		return err
	}
	if op.State == target {
		return nil
	}
	if op.State.Terminal() {
		return ErrTerminalOperation
	}
	return s.db.Model(&op).Update("state", target).Error
}

// ClearIamMetadata forgets a certificate's store identifiers after the
// stored copy has been deleted. Only those columns are written.
func (s *Store) ClearIamMetadata(cert *Certificate) error {
	cert.IamServerCertificateId = ""
	cert.IamServerCertificateName = ""
	cert.IamServerCertificateArn = ""
	return s.db.Model(cert).Updates(map[string]interface{}{
		"iam_server_certificate_id":   "",
		"iam_server_certificate_name": "",
		"iam_server_certificate_arn":  "",
	}).Error
}

// HasCertificateWithArn reports whether the route already knows about a
// certificate-store ARN. Used by the backport sweep.
func (s *Store) HasCertificateWithArn(routeId uint, arn string) (bool, error) {
	var count int
	err := s.db.Model(&Certificate{}).
		Where("route_id = ? AND iam_server_certificate_arn = ?", routeId, arn).
		Count(&count).Error
	return count > 0, err
}

// CreateBackportedCertificate records a certificate that was rotated onto the
// resource outside this system.
func (s *Store) CreateBackportedCertificate(routeId uint, arn, name string, expires time.Time) error {
	cert := Certificate{
		RouteID:                  &routeId,
		IamServerCertificateArn:  arn,
		IamServerCertificateName: name,
		Expires:                  &expires,
	}
	return s.db.Create(&cert).Error
}

func (s *Store) GetAlbProxy(albArn string) (*AlbProxy, error) {
	var proxy AlbProxy
	if err := s.db.First(&proxy, AlbProxy{AlbArn: albArn}).Error; err != nil {
		return nil, err
	}
	return &proxy, nil
}

func (s *Store) decryptAccount(account *AcmeAccount) error {
	if account.PrivateKeyPEM == "" {
		return nil
	}
	plain, err := s.cipher.Decrypt(account.PrivateKeyPEM, accountKeyLabel)
	if err != nil {
		return err
	}
	account.PrivateKeyPEM = plain
	return nil
}

func (s *Store) decryptCertificate(cert *Certificate) error {
	if cert.PrivateKeyPEM == "" {
		return nil
	}
	plain, err := s.cipher.Decrypt(cert.PrivateKeyPEM, certificateKeyLabel)
	if err != nil {
		return err
	}
	cert.PrivateKeyPEM = plain
	return nil
}
