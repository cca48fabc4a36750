package cf_domain_renewer

import "time"

// RouteType discriminates the two classes of managed edge resource. It is
// carried alongside the operation id through every pipeline step.
type RouteType string

const (
	RouteTypeCDN RouteType = "cdn"
	RouteTypeALB RouteType = "alb"
)

// ChallengeType selects the ACME proof-of-control mechanism for a deployment.
// A deployment runs one or the other, never both.
type ChallengeType string

const (
	ChallengeHTTP01 ChallengeType = "http-01"
	ChallengeDNS01  ChallengeType = "dns-01"
)

const (
	// A route needs renewal once all of its certificates expire within this
	// many days.
	DefaultRenewBeforeDays = 30

	// Upper bound of routes sharing one ACME account.
	DefaultMaxRoutesPerAccount = 50

	// Retriable pipeline steps retry every 10 minutes for roughly four hours.
	DefaultStepAttempts      = 24
	DefaultStepRetryInterval = 10 * time.Minute

	DefaultAcmePollTimeout = 90 * time.Second

	// FinalizeAndRetrieve treats an already-valid order as done when the
	// stored certificate still has more than this long to live.
	OrderAlreadyValidWindow = 31 * 24 * time.Hour

	// Calls to the ACME directory per second, across all pipelines.
	AcmeRateLimit = 18
)
