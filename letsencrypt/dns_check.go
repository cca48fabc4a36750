package letsencrypt

import (
	"code.cloudfoundry.org/lager"
	"github.com/miekg/dns"
)

// checkTxtRecord asks every configured resolver for the validation record and
// reports whether all of them see the expected value. Answering a dns-01
// challenge before the record has propagated burns the challenge, so the
// caller should hold off until this comes back true.
func checkTxtRecord(resolvers map[string]string, fqdn, value string, logger lager.Logger) (bool, error) {
	lsession := logger.Session("dns-txt-check", lager.Data{
		"fqdn": fqdn,
	})

	found := 0
	for name, address := range resolvers {
		msg := &dns.Msg{}
		msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)

		dnsClient := dns.Client{}
		reply, _, err := dnsClient.Exchange(msg, address)
		if err != nil {
			lsession.Error("dns-exchange-failed", err, lager.Data{"resolver": name})
			return false, err
		}

		if len(reply.Answer) == 0 {
			lsession.Debug("no-answer", lager.Data{"resolver": name})
			continue
		}

		seen := false
		for _, answer := range reply.Answer {
			txt, ok := answer.(*dns.TXT)
			if !ok {
				continue
			}
			for idx := range txt.Txt {
				if txt.Txt[idx] == value {
					seen = true
				}
			}
		}
		if seen {
			found++
		}
	}

	lsession.Debug("resolver-state", lager.Data{
		"found":     found,
		"resolvers": len(resolvers),
	})

	return found >= len(resolvers), nil
}
