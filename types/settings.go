package types

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/kelseyhightower/envconfig"
)

// Resolver maps a friendly name to a DNS server address, decoded from
// "google=8.8.8.8:53,cloudflare=1.1.1.1:53".
type Resolver map[string]string

func (r *Resolver) Decode(value string) error {
	*r = make(map[string]string)
	s := strings.Split(value, ",")
	for idx := range s {
		ns := strings.Split(s[idx], "=")
		if len(ns) != 2 {
			return fmt.Errorf("cannot parse resolver entry %q", s[idx])
		}
		(*r)[ns[0]] = ns[1]
	}
	return nil
}

// Settings is the process-wide configuration, read from the environment once
// at startup and passed by reference into every component that needs it.
type Settings struct {
	Email            string `envconfig:"email" required:"true"`
	AcmeUrl          string `envconfig:"acme_url" required:"true"`
	ChallengeType    string `envconfig:"challenge_type" default:"http-01"`
	RenewBeforeDays  int    `envconfig:"renew_before_days" default:"30"`
	MaxRoutesPerUser int    `envconfig:"max_routes_per_user" default:"50"`

	CdnDatabaseUrl           string `envconfig:"cdn_database_url" required:"true"`
	AlbDatabaseUrl           string `envconfig:"alb_database_url" required:"true"`
	CdnDatabaseEncryptionKey string `envconfig:"cdn_database_encryption_key" required:"true"`
	AlbDatabaseEncryptionKey string `envconfig:"alb_database_encryption_key" required:"true"`

	CommercialRegion          string `envconfig:"aws_commercial_region" default:"us-east-1"`
	CommercialAccessKeyId     string `envconfig:"aws_commercial_access_key_id" required:"true"`
	CommercialSecretAccessKey string `envconfig:"aws_commercial_secret_access_key" required:"true"`
	CommercialBucket          string `envconfig:"commercial_bucket" required:"true"`
	CommercialIamPathPrefix   string `envconfig:"commercial_iam_path_prefix" default:"/cloudfront/domains-renewer/"`

	GovcloudRegion          string `envconfig:"aws_govcloud_region" default:"us-gov-west-1"`
	GovcloudAccessKeyId     string `envconfig:"aws_govcloud_access_key_id" required:"true"`
	GovcloudSecretAccessKey string `envconfig:"aws_govcloud_secret_access_key" required:"true"`
	GovcloudBucket          string `envconfig:"govcloud_bucket" required:"true"`
	GovcloudIamPathPrefix   string `envconfig:"govcloud_iam_path_prefix" default:"/domains-renewer/"`

	AcmePollTimeoutInSeconds int           `envconfig:"acme_poll_timeout_in_seconds" default:"90"`
	StepAttempts             int           `envconfig:"step_attempts" default:"24"`
	StepRetryInterval        time.Duration `envconfig:"step_retry_interval" default:"10m"`
	PropagationPollDelay     time.Duration `envconfig:"propagation_poll_delay" default:"30s"`
	PropagationPollAttempts  int           `envconfig:"propagation_poll_attempts" default:"20"`
	S3PropagationSleep       time.Duration `envconfig:"s3_propagation_sleep" default:"10s"`

	RenewSchedule    string `envconfig:"renew_schedule" default:"0 0 12 * * *"`
	BackportSchedule string `envconfig:"backport_schedule" default:"0 0 6 * * *"`

	Resolvers Resolver `envconfig:"resolvers"`

	SmtpHost string `envconfig:"smtp_host"`
	SmtpPort string `envconfig:"smtp_port" default:"25"`
	SmtpUser string `envconfig:"smtp_user"`
	SmtpPass string `envconfig:"smtp_pass"`
	SmtpFrom string `envconfig:"smtp_from"`
	SmtpTo   string `envconfig:"smtp_to"`
	Env      string `envconfig:"env" default:"local"`
}

// NewSettings reads and validates the environment.
func NewSettings(prefix string) (*Settings, error) {
	var settings Settings
	if err := envconfig.Process(prefix, &settings); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Settings) Validate() error {
	switch cfdomainrenewer.ChallengeType(s.ChallengeType) {
	case cfdomainrenewer.ChallengeHTTP01, cfdomainrenewer.ChallengeDNS01:
	default:
		return fmt.Errorf("challenge_type must be %q or %q, got %q",
			cfdomainrenewer.ChallengeHTTP01, cfdomainrenewer.ChallengeDNS01, s.ChallengeType)
	}

	for name, key := range map[string]string{
		"cdn_database_encryption_key": s.CdnDatabaseEncryptionKey,
		"alb_database_encryption_key": s.AlbDatabaseEncryptionKey,
	} {
		raw, err := hex.DecodeString(key)
		if err != nil {
			return fmt.Errorf("%s is not valid hex: %s", name, err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(raw))
		}
	}

	return nil
}

// EncryptionKey returns the decoded AES key for the given resource type. The
// keys are validated at startup, so failure here is a programming error.
func (s *Settings) EncryptionKey(routeType cfdomainrenewer.RouteType) []byte {
	var key string
	switch routeType {
	case cfdomainrenewer.RouteTypeCDN:
		key = s.CdnDatabaseEncryptionKey
	case cfdomainrenewer.RouteTypeALB:
		key = s.AlbDatabaseEncryptionKey
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		panic(fmt.Errorf("encryption key for %s failed to decode after validation: %s", routeType, err))
	}
	return raw
}
