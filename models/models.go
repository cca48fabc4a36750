package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/jinzhu/gorm"
)

type State string

const (
	Provisioning  State = "provisioning"
	Provisioned   State = "provisioned"
	Deprovisioned State = "deprovisioned"
)

// Marshal a `State` to a `string` when saving to the database
func (s State) Value() (driver.Value, error) {
	return string(s), nil
}

// Unmarshal an `interface{}` to a `State` when reading from the database
func (s *State) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = State(v)
	case []byte:
		*s = State(v)
	default:
		return fmt.Errorf("incompatible type for %v", value)
	}
	return nil
}

type OperationState string

const (
	OperationInProgress OperationState = "in progress"
	OperationSucceeded  OperationState = "succeeded"
	OperationFailed     OperationState = "failed"
)

func (s OperationState) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *OperationState) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = OperationState(v)
	case []byte:
		*s = OperationState(v)
	default:
		return fmt.Errorf("incompatible type for %v", value)
	}
	return nil
}

// Terminal reports whether no further pipeline steps may run for an operation
// in this state.
func (s OperationState) Terminal() bool {
	return s == OperationSucceeded || s == OperationFailed
}

const ActionRenew = "renew"

// DomainList stores an ordered set of external domain names as a single
// comma-separated text column, so the two stores keep an identical shape
// regardless of backing database.
type DomainList []string

func (d DomainList) Value() (driver.Value, error) {
	return strings.Join(d, ","), nil
}

func (d *DomainList) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("incompatible type for %v", value)
	}
	if raw == "" {
		*d = nil
		return nil
	}
	*d = DomainList(strings.Split(raw, ","))
	return nil
}

// Route is one managed edge resource: a CloudFront distribution or an ALB
// listener, plus the domains it answers for.
type Route struct {
	gorm.Model
	InstanceId string     `gorm:"index;not null"`
	State      State      `gorm:"not null;index"`
	Domains    DomainList `gorm:"type:text"`

	AcmeAccountID *uint
	AcmeAccount   *AcmeAccount

	Certificates []Certificate `gorm:"foreignkey:RouteID"`
	Operations   []Operation   `gorm:"foreignkey:RouteID"`

	// Populated on CDN routes only.
	DistId string
	// Populated on ALB routes only; joins against AlbProxy.
	AlbProxyArn string
}

// NeedsRenewal is true when every certificate the route holds expires within
// the window. A route with no certificates at all also needs renewal.
// Certificates still in flight are not linked to the route, so they never
// mask a renewal.
func (r *Route) NeedsRenewal(renewBeforeDays int, now time.Time) bool {
	cutoff := now.Add(time.Duration(renewBeforeDays) * 24 * time.Hour)
	for idx := range r.Certificates {
		expires := r.Certificates[idx].Expires
		if expires != nil && !expires.Before(cutoff) {
			return false
		}
	}
	return true
}

// Certificate rows begin life unassociated (RouteID null) so a failed
// pipeline never disturbs the route's active certificate. Leaf, chain and
// expiry are written together by the finalize step or not at all.
type Certificate struct {
	gorm.Model
	RouteID *uint `gorm:"index"`
	Domain  string

	// Ciphertext at rest; the Store is the encryption boundary.
	PrivateKeyPEM string `gorm:"column:private_key_pem;type:text"`
	CsrPEM        string `gorm:"column:csr_pem;type:text"`

	OrderJSON     string `gorm:"column:order_json;type:text"`
	LeafPEM       string `gorm:"column:leaf_pem;type:text"`
	FullchainPEM  string `gorm:"column:fullchain_pem;type:text"`
	Expires       *time.Time `gorm:"index"`

	Challenges []Challenge `gorm:"foreignkey:CertificateID"`

	IamServerCertificateId   string
	IamServerCertificateName string
	IamServerCertificateArn  string
}

// Challenge is one domain's proof-of-control requirement within an order.
// Once answered it is never rewritten.
type Challenge struct {
	gorm.Model
	CertificateID uint   `gorm:"index;not null"`
	Domain        string `gorm:"not null"`

	ValidationPath     string `gorm:"not null"`
	ValidationContents string `gorm:"type:text;not null"`
	BodyJSON           string `gorm:"column:body_json;type:text"`
	Answered           bool
}

// Operation is one tracked attempt to move a Route onto a new Certificate.
type Operation struct {
	gorm.Model
	RouteID uint `gorm:"index;not null"`
	Route   *Route

	CertificateID *uint
	Certificate   *Certificate

	State  OperationState `gorm:"not null"`
	Action string         `gorm:"not null"`
}

// AcmeAccount is a registered CA account, shared by a bounded pool of routes
// and reused across their renewals.
type AcmeAccount struct {
	gorm.Model
	Email string `gorm:"not null"`
	Uri   string

	// Ciphertext at rest.
	PrivateKeyPEM string `gorm:"column:private_key_pem;type:text"`

	RegistrationJSON string `gorm:"column:registration_json;type:text"`

	Routes []Route `gorm:"foreignkey:AcmeAccountID"`
}

func (AcmeAccount) TableName() string {
	return "acme_account"
}

// AlbProxy maps a load balancer to its HTTPS listener. ALB store only.
type AlbProxy struct {
	AlbArn      string `gorm:"primary_key;column:alb_arn"`
	AlbDnsName  string `gorm:"column:alb_dns_name"`
	ListenerArn string
}

func (AlbProxy) TableName() string {
	return "alb_proxies"
}
