package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func expiringIn(days int, now time.Time) *Certificate {
	expires := now.Add(time.Duration(days) * 24 * time.Hour)
	return &Certificate{Expires: &expires}
}

func TestNeedsRenewalWhenAllCertificatesAreNearExpiry(t *testing.T) {
	now := time.Now()
	route := Route{
		Certificates: []Certificate{*expiringIn(10, now), *expiringIn(29, now)},
	}
	require.True(t, route.NeedsRenewal(30, now))
}

func TestNeedsRenewalIgnoresExpiredHistory(t *testing.T) {
	// old certificate rows are never deleted; one healthy certificate is
	// enough to keep the route out of the sweep
	now := time.Now()
	route := Route{
		Certificates: []Certificate{*expiringIn(60, now), *expiringIn(-200, now)},
	}
	require.False(t, route.NeedsRenewal(30, now))
}

func TestNeedsRenewalWithNoCertificates(t *testing.T) {
	route := Route{}
	require.True(t, route.NeedsRenewal(30, time.Now()))
}

func TestNeedsRenewalSkipsCertificatesWithoutExpiry(t *testing.T) {
	now := time.Now()
	route := Route{
		Certificates: []Certificate{{}, *expiringIn(5, now)},
	}
	require.True(t, route.NeedsRenewal(30, now))
}

func TestDomainListRoundTrip(t *testing.T) {
	domains := DomainList{"example.gov", "www.example.gov"}
	value, err := domains.Value()
	require.NoError(t, err)

	var scanned DomainList
	require.NoError(t, scanned.Scan(value))
	require.Equal(t, domains, scanned)
}

func TestOperationStateTerminal(t *testing.T) {
	require.False(t, OperationInProgress.Terminal())
	require.True(t, OperationSucceeded.Terminal())
	require.True(t, OperationFailed.Terminal())
}
